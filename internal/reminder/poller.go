package reminder

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is how often the poller looks for overdue reminders
const DefaultPollInterval = 5 * time.Second

// Poller fires overdue reminders on a fixed interval
type Poller struct {
	logger    *zap.Logger
	lifecycle *Lifecycle
	interval  time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewPoller creates a poller. A non-positive interval uses DefaultPollInterval.
func NewPoller(logger *zap.Logger, lifecycle *Lifecycle, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		logger:    logger.Named("reminder-poller"),
		lifecycle: lifecycle,
		interval:  interval,
	}
}

// Start starts the poll loop. It returns immediately; a second Start on a
// running poller does nothing.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}

	p.logger.Info("Starting reminder poller", zap.Duration("interval", p.interval))
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.pollLoop(ctx, p.stop, p.done)
	return nil
}

// Stop stops the loop and waits for the pass in progress to finish
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.logger.Info("Stopping reminder poller")
	close(p.stop)
	done := p.done
	p.mu.Unlock()

	<-done
}

// Running reports whether the poll loop is active
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) pollLoop(ctx context.Context, stop, done chan struct{}) {
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		close(done)
	}()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll fires every overdue reminder once and returns how many were handled
func (p *Poller) Poll(ctx context.Context) int {
	now := p.lifecycle.clock.Now()
	due, err := p.lifecycle.AllOverdue(ctx, now)
	if err != nil {
		p.logger.Error("Failed to list overdue reminders", zap.Error(err))
		return 0
	}

	handled := 0
	for _, rec := range due {
		if ctx.Err() != nil {
			break
		}
		if err := p.lifecycle.Remind(ctx, rec); err != nil {
			p.logger.Error("Failed to remind",
				zap.Int64("record_id", rec.ID),
				zap.Int64("alert_id", rec.AlertID),
				zap.String("person", rec.Person),
				zap.Error(err))
			continue
		}
		handled++
	}
	if handled > 0 {
		p.logger.Info("Reminders processed", zap.Int("count", handled))
	}
	return handled
}

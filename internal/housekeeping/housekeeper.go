// Package housekeeping runs periodic maintenance jobs on the store.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/alert-notifier/internal/clock"
	"github.com/t77yq/alert-notifier/internal/metrics"
	"github.com/t77yq/alert-notifier/internal/storage"
)

const (
	DefaultRetention         = 30 * 24 * time.Hour
	DefaultRetentionSchedule = "0 30 3 * * *"
	DefaultAuditSchedule     = "0 */5 * * * *"

	jobTimeout = time.Minute
)

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Config schedules the jobs. Schedules take six fields, seconds first.
type Config struct {
	Retention         time.Duration `mapstructure:"retention"`
	RetentionSchedule string        `mapstructure:"retention_schedule"`
	AuditSchedule     string        `mapstructure:"audit_schedule"`
}

func (c Config) withDefaults() Config {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.RetentionSchedule == "" {
		c.RetentionSchedule = DefaultRetentionSchedule
	}
	if c.AuditSchedule == "" {
		c.AuditSchedule = DefaultAuditSchedule
	}
	return c
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// Housekeeper prunes old history and keeps an eye on pending reminders
type Housekeeper struct {
	logger *zap.Logger
	store  storage.Store
	clock  clock.Clock
	config Config
	cron   *cron.Cron

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a housekeeper and registers its jobs
func New(logger *zap.Logger, store storage.Store, clk clock.Clock, config Config) (*Housekeeper, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	logger = logger.Named("housekeeping")
	cl := &cronLogger{logger: logger.Named("cron")}

	h := &Housekeeper{
		logger: logger,
		store:  store,
		clock:  clk,
		config: config.withDefaults(),
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
		ctx: context.Background(),
	}

	jobs := []struct {
		name     string
		schedule string
		run      func(ctx context.Context) error
	}{
		{"prune-history", h.config.RetentionSchedule, func(ctx context.Context) error {
			_, err := h.PruneHistory(ctx)
			return err
		}},
		{"audit-reminders", h.config.AuditSchedule, func(ctx context.Context) error {
			_, err := h.AuditReminders(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if _, err := h.cron.AddJob(j.schedule, &job{h: h, name: j.name, run: j.run}); err != nil {
			return nil, fmt.Errorf("invalid schedule for %s: %w", j.name, err)
		}
	}
	return h, nil
}

// Start starts the cron runner
func (h *Housekeeper) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return nil
	}
	h.ctx, h.cancel = context.WithCancel(ctx)
	h.cron.Start()
	h.running = true
	h.logger.Info("Housekeeping started",
		zap.Duration("retention", h.config.Retention),
		zap.String("retention_schedule", h.config.RetentionSchedule),
		zap.String("audit_schedule", h.config.AuditSchedule))
	return nil
}

// Stop stops the cron runner and waits for running jobs
func (h *Housekeeper) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	cancel := h.cancel
	h.mu.Unlock()

	stopped := h.cron.Stop()
	<-stopped.Done()
	cancel()
}

// Running reports whether jobs are being scheduled
func (h *Housekeeper) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// NextRuns returns the next run time of every job
func (h *Housekeeper) NextRuns() []time.Time {
	var next []time.Time
	for _, e := range h.cron.Entries() {
		next = append(next, e.Next)
	}
	return next
}

// PruneHistory deletes history entries older than the retention period
func (h *Housekeeper) PruneHistory(ctx context.Context) (int64, error) {
	before := h.clock.Now().Add(-h.config.Retention)
	n, err := h.store.DeleteHistoryBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	if n > 0 {
		h.logger.Info("Pruned history", zap.Int64("deleted", n), zap.Time("before", before))
	}
	return n, nil
}

// AuditReminders logs the pending reminder count and the next one due,
// warning about reminders that are overdue by more than a minute.
func (h *Housekeeper) AuditReminders(ctx context.Context) (int, error) {
	n, err := h.store.CountPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending reminders: %w", err)
	}
	metrics.SetPendingReminders(n)

	next, err := h.store.NextDue(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		h.logger.Debug("No reminders pending")
		return n, nil
	}
	if err != nil {
		return n, fmt.Errorf("failed to get next reminder: %w", err)
	}

	fields := []zap.Field{
		zap.Int("pending", n),
		zap.Int64("alert_id", next.AlertID),
		zap.String("person", next.Person),
		zap.Time("remind_at", *next.RemindAt),
	}
	if late := h.clock.Now().Sub(*next.RemindAt); late > time.Minute {
		h.logger.Warn("Reminders are running late", append(fields, zap.Duration("late", late))...)
	} else {
		h.logger.Info("Next reminder", fields...)
	}
	return n, nil
}

// job implements cron.Job
type job struct {
	h    *Housekeeper
	name string
	run  func(ctx context.Context) error
}

func (j *job) Run() {
	j.h.mu.Lock()
	parent := j.h.ctx
	j.h.mu.Unlock()

	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()

	start := time.Now()
	if err := j.run(ctx); err != nil {
		j.h.logger.Error("Job failed", zap.String("job", j.name), zap.Error(err))
		return
	}
	j.h.logger.Debug("Job finished",
		zap.String("job", j.name),
		zap.Duration("duration", time.Since(start)))
}

// Package monitor samples the resources of the host the notifier runs on.
// A notifier starved of CPU or memory delivers late, so usage is exported
// next to the engine metrics and logged when it crosses the warning levels.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/alert-notifier/internal/metrics"
)

const (
	DefaultSampleInterval = 30 * time.Second
	DefaultWarnPercent    = 90.0

	// cpuWindow is how long one CPU measurement averages over
	cpuWindow = time.Second
)

// Config controls host sampling
type Config struct {
	Interval    time.Duration `mapstructure:"interval"`
	WarnPercent float64       `mapstructure:"warn_percent"`
}

// Usage is one host sample
type Usage struct {
	CPUPercent    float64
	MemoryPercent float64
	At            time.Time
}

// HostSampler periodically samples host CPU and memory usage
type HostSampler struct {
	logger *zap.Logger
	config Config

	mu   sync.Mutex
	last Usage
	stop chan struct{}
	done chan struct{}
}

// NewHostSampler creates a sampler. Zero config fields take their defaults.
func NewHostSampler(logger *zap.Logger, config Config) *HostSampler {
	if config.Interval <= 0 {
		config.Interval = DefaultSampleInterval
	}
	if config.WarnPercent <= 0 {
		config.WarnPercent = DefaultWarnPercent
	}
	return &HostSampler{
		logger: logger.Named("host-monitor"),
		config: config,
	}
}

// Start samples once and then on every interval until Stop or ctx ends
func (s *HostSampler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.sampleLoop(ctx, s.stop, s.done)

	s.logger.Info("Host monitor started", zap.Duration("interval", s.config.Interval))
	return nil
}

// Stop stops sampling and waits for the loop to exit
func (s *HostSampler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	s.logger.Info("Host monitor stopped")
}

// Last returns the most recent sample
func (s *HostSampler) Last() Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *HostSampler) sampleLoop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sample(ctx); err != nil {
			s.logger.Error("Failed to sample host usage", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// Sample measures CPU and memory usage and publishes them as gauges
func (s *HostSampler) Sample(ctx context.Context) (Usage, error) {
	cpuPercent, err := cpu.PercentWithContext(ctx, cpuWindow, false)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get CPU usage: %w", err)
	}
	if len(cpuPercent) == 0 {
		return Usage{}, fmt.Errorf("failed to get CPU usage: no data")
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory usage: %w", err)
	}

	u := Usage{
		CPUPercent:    cpuPercent[0],
		MemoryPercent: memInfo.UsedPercent,
		At:            time.Now(),
	}
	metrics.SetHostUsage(u.CPUPercent, u.MemoryPercent)

	s.mu.Lock()
	s.last = u
	s.mu.Unlock()

	if u.CPUPercent >= s.config.WarnPercent || u.MemoryPercent >= s.config.WarnPercent {
		s.logger.Warn("Host resources running low, notifications may be delayed",
			zap.Float64("cpu_usage", u.CPUPercent),
			zap.Float64("memory_usage", u.MemoryPercent))
	} else {
		s.logger.Debug("Host usage sampled",
			zap.Float64("cpu_usage", u.CPUPercent),
			zap.Float64("memory_usage", u.MemoryPercent))
	}
	return u, nil
}

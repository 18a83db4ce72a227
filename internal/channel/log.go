package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-notifier/internal/model"
)

// DefaultLogCapacity is the number of deliveries a LogChannel remembers
const DefaultLogCapacity = 100

// Delivery is one message accepted by a LogChannel
type Delivery struct {
	Channel     string
	Destination string
	AlertID     int64
	UpdateType  model.UpdateType
	Message     string
	Conditions  Conditions
	At          time.Time
}

// LogChannel writes notifications to the log and keeps the most recent
// ones in memory. It can stand in for any channel name.
type LogChannel struct {
	logger   *zap.Logger
	name     string
	capacity int

	mu         sync.Mutex
	deliveries []Delivery
	failing    map[string]bool
}

// NewLogChannel creates a log channel registered as name
func NewLogChannel(logger *zap.Logger, name string, capacity int) *LogChannel {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &LogChannel{
		logger:   logger.Named(name),
		name:     name,
		capacity: capacity,
		failing:  make(map[string]bool),
	}
}

func (c *LogChannel) Name() string { return c.name }

// Send records the delivery. Destinations marked with FailFor are refused.
func (c *LogChannel) Send(_ context.Context, destination string, alert model.Alert, others []model.Alert, cond Conditions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failing[destination] {
		return fmt.Errorf("delivery to %s refused", destination)
	}

	d := Delivery{
		Channel:     c.name,
		Destination: destination,
		AlertID:     alert.ID(),
		UpdateType:  alert.UpdateType(),
		Message:     Message(alert, others, cond, ""),
		Conditions:  cond,
		At:          time.Now(),
	}
	c.deliveries = append(c.deliveries, d)
	if len(c.deliveries) > c.capacity {
		c.deliveries = c.deliveries[len(c.deliveries)-c.capacity:]
	}

	c.logger.Info("Notification",
		zap.String("to", destination),
		zap.String("message", d.Message))
	return nil
}

// FailFor makes deliveries to destination fail, or succeed again
func (c *LogChannel) FailFor(destination string, fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing[destination] = fail
}

// Deliveries returns the remembered deliveries, oldest first
func (c *LogChannel) Deliveries() []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Delivery, len(c.deliveries))
	copy(out, c.deliveries)
	return out
}

// Reset forgets all deliveries
func (c *LogChannel) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deliveries = nil
}

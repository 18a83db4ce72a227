// Package channel delivers notifications through named delivery methods
// such as email, SMS and Telegram.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/t77yq/alert-notifier/internal/model"
)

// ErrUnknownChannel is wrapped by UnknownChannelError
var ErrUnknownChannel = errors.New("unknown notification channel")

// UnknownChannelError reports a lookup of a channel that was never registered
type UnknownChannelError struct {
	Name string
}

func (e *UnknownChannelError) Error() string {
	return fmt.Sprintf("%s not defined as a notification method", e.Name)
}

func (e *UnknownChannelError) Unwrap() error { return ErrUnknownChannel }

// Conditions describe the recipient's rate-limit state at send time
type Conditions struct {
	IsSuppressed  bool
	WasSuppressed bool
}

// SuppressionStarted is true for the last message before a recipient goes quiet
func (c Conditions) SuppressionStarted() bool { return c.IsSuppressed && !c.WasSuppressed }

// SuppressionEnded is true for the first message after a quiet period
func (c Conditions) SuppressionEnded() bool { return c.WasSuppressed && !c.IsSuppressed }

// Channel delivers one alert to one destination. A nil error means delivered.
type Channel interface {
	Name() string
	Send(ctx context.Context, destination string, alert model.Alert, others []model.Alert, cond Conditions) error
}

// Registry maps channel names to implementations
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates a registry holding the given channels
func NewRegistry(channels ...Channel) *Registry {
	r := &Registry{channels: make(map[string]Channel)}
	for _, ch := range channels {
		r.Register(ch)
	}
	return r
}

// Register adds ch under its name, replacing any channel of the same name
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[strings.ToLower(ch.Name())] = ch
}

// Get returns the channel registered under name or an *UnknownChannelError
func (r *Registry) Get(name string) (Channel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[strings.ToLower(name)]
	if !ok {
		return nil, &UnknownChannelError{Name: name}
	}
	return ch, nil
}

// Has reports whether name is registered
func (r *Registry) Has(name string) bool {
	_, err := r.Get(name)
	return err == nil
}

// Names lists registered channel names in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Send looks up name and delivers through it
func (r *Registry) Send(ctx context.Context, name, destination string, alert model.Alert, others []model.Alert, cond Conditions) error {
	ch, err := r.Get(name)
	if err != nil {
		return err
	}
	return ch.Send(ctx, destination, alert, others, cond)
}

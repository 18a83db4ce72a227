package person

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/alert-notifier/internal/channel"
	"github.com/t77yq/alert-notifier/internal/clock"
	"github.com/t77yq/alert-notifier/internal/metrics"
	"github.com/t77yq/alert-notifier/internal/model"
)

// HistoryWriter stores audit entries
type HistoryWriter interface {
	AppendHistory(ctx context.Context, entry *model.HistoryEntry) error
}

// Notifier applies a person's rate limit and runs their notification block
type Notifier struct {
	logger   *zap.Logger
	channels *channel.Registry
	history  HistoryWriter
	clock    clock.Clock
}

// NewNotifier creates a notifier
func NewNotifier(logger *zap.Logger, channels *channel.Registry, history HistoryWriter, clk clock.Clock) *Notifier {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Notifier{
		logger:   logger.Named("notifier"),
		channels: channels,
		history:  history,
		clock:    clk,
	}
}

// SendAlert notifies p about alert using p's block for level. It returns
// true when the alert was delivered, or deliberately withheld because p is
// being rate limited.
func (n *Notifier) SendAlert(ctx context.Context, p *Person, level model.Level, alert model.Alert, others []model.Alert) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := n.clock.Now()
	wasSuppressed := p.suppressed
	p.suppressed = p.Thresholds.Suppressed(now, wasSuppressed)

	if wasSuppressed && !p.suppressed {
		n.logger.Info("Starting to send notifications again", zap.String("person", p.Username))
	}

	if wasSuppressed && p.suppressed {
		note := fmt.Sprintf("%s notification to %s suppressed", capitalize(string(alert.UpdateType())), p.Username)
		n.logger.Info(note, zap.Int64("alert_id", alert.ID()))
		n.writeHistory(ctx, alert, note)
		metrics.RecordSuppressed(p.Username)
		return true
	}

	block, ok := p.Block(level)
	if !ok || len(block) == 0 {
		n.logger.Error("No notification block for level",
			zap.String("person", p.Username),
			zap.String("level", string(level)))
		return false
	}

	cond := channel.Conditions{IsSuppressed: p.suppressed, WasSuppressed: wasSuppressed}
	delivered := false
	for _, step := range block {
		if n.runStep(ctx, p, step, alert, others, cond) {
			delivered = true
		}
	}

	if delivered {
		p.Thresholds.Record(n.clock.Now())
	}
	return delivered
}

// runStep tries each call of a fallback chain until one succeeds
func (n *Notifier) runStep(ctx context.Context, p *Person, step Step, alert model.Alert, others []model.Alert, cond channel.Conditions) bool {
	for _, call := range step {
		dest := call.Destination
		if dest == "" {
			dest = p.Destination(call.Channel)
		}

		err := n.channels.Send(ctx, call.Channel, dest, alert, others, cond)
		outcome := "succeeded"
		if err != nil {
			outcome = "failed"
		}
		note := fmt.Sprintf("%s %s notification to %s (%s) %s",
			capitalize(string(alert.UpdateType())), call.Channel, p.Username, dest, outcome)

		if err != nil {
			n.logger.Warn(note, zap.Int64("alert_id", alert.ID()), zap.Error(err))
		} else {
			n.logger.Info(note, zap.Int64("alert_id", alert.ID()))
		}
		n.writeHistory(ctx, alert, note)
		metrics.RecordAttempt(call.Channel, err == nil)

		if err == nil {
			return true
		}
	}
	return false
}

func (n *Notifier) writeHistory(ctx context.Context, alert model.Alert, note string) {
	if n.history == nil {
		return
	}
	entry := &model.HistoryEntry{
		ID:        uuid.New().String(),
		AlertID:   alert.ID(),
		Type:      model.HistoryNotification,
		Event:     note,
		CreatedAt: n.clock.Now(),
	}
	if err := n.history.AppendHistory(ctx, entry); err != nil {
		n.logger.Error("Unable to save history", zap.Error(err))
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

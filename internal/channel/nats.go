package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/alert-notifier/internal/model"
)

// DefaultNotificationSubject is the subject prefix of bus notifications
const DefaultNotificationSubject = "notification"

const flushTimeout = 5 * time.Second

// Notification is the JSON document published by NATSChannel
type Notification struct {
	ID          string           `json:"id"`
	AlertID     int64            `json:"alert_id"`
	Destination string           `json:"destination"`
	Level       model.Level      `json:"level"`
	UpdateType  model.UpdateType `json:"update_type"`
	Summary     string           `json:"summary"`
	Message     string           `json:"message"`
	Others      int              `json:"others,omitempty"`
	Suppressed  bool             `json:"suppressed"`
	SentAt      time.Time        `json:"sent_at"`
}

// NATSChannel publishes notifications on the message bus. The destination
// becomes the last subject token, so "ops" goes to "notification.ops".
type NATSChannel struct {
	logger  *zap.Logger
	nc      *nats.Conn
	subject string
}

// NewNATSChannel creates a bus channel publishing under subject
func NewNATSChannel(logger *zap.Logger, nc *nats.Conn, subject string) *NATSChannel {
	if subject == "" {
		subject = DefaultNotificationSubject
	}
	return &NATSChannel{
		logger:  logger.Named("nats"),
		nc:      nc,
		subject: subject,
	}
}

func (c *NATSChannel) Name() string { return "nats" }

// Send publishes the notification and waits for the server to process it
func (c *NATSChannel) Send(ctx context.Context, destination string, alert model.Alert, others []model.Alert, cond Conditions) error {
	if destination == "" {
		return fmt.Errorf("no notification subject")
	}

	notification := Notification{
		ID:          uuid.New().String(),
		AlertID:     alert.ID(),
		Destination: destination,
		Level:       alert.Level(),
		UpdateType:  alert.UpdateType(),
		Summary:     alert.Summary(),
		Message:     Message(alert, others, cond, ""),
		Others:      len(others),
		Suppressed:  cond.IsSuppressed,
		SentAt:      time.Now().UTC(),
	}
	data, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	msg := nats.NewMsg(c.subject + "." + destination)
	msg.Header.Set(nats.MsgIdHdr, notification.ID)
	msg.Data = data

	if err := c.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	flushCtx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	if err := c.nc.FlushWithContext(flushCtx); err != nil {
		return fmt.Errorf("failed to flush notification: %w", err)
	}

	c.logger.Debug("Notification published",
		zap.String("subject", msg.Subject),
		zap.String("id", notification.ID))
	return nil
}

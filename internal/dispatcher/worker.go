// Package dispatcher consumes alert changes from NATS JetStream, stores the
// alert and hands it to the group dispatcher.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/alert-notifier/internal/model"
)

// ErrNotRunning is returned by Submit before Start or after Stop
var ErrNotRunning = errors.New("dispatcher not running")

// Config describes the stream and consumer the worker uses
type Config struct {
	Stream     string        `mapstructure:"stream"`
	Subject    string        `mapstructure:"subject"`
	Queue      string        `mapstructure:"queue"`
	Durable    string        `mapstructure:"durable"`
	AckWait    time.Duration `mapstructure:"ack_wait"`
	MaxDeliver int           `mapstructure:"max_deliver"`
}

func (c Config) withDefaults() Config {
	if c.Stream == "" {
		c.Stream = DefaultStream
	}
	if c.Subject == "" {
		c.Subject = DefaultSubject
	}
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.Durable == "" {
		c.Durable = DefaultDurable
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	return c
}

// AlertSaver persists received alerts
type AlertSaver interface {
	SaveAlert(ctx context.Context, alert *model.AlertSnapshot) error
}

// Notifier routes alerts to their groups
type Notifier interface {
	Notify(ctx context.Context, alerts []model.Alert)
}

// Worker is the inbound dispatch worker
type Worker struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	store    AlertSaver
	notifier Notifier
	config   Config

	mu     sync.Mutex
	sub    *nats.Subscription
	cancel context.CancelFunc
}

// NewWorker creates a worker. Zero config fields take their defaults.
func NewWorker(logger *zap.Logger, js nats.JetStreamContext, store AlertSaver, notifier Notifier, config Config) *Worker {
	return &Worker{
		logger:   logger.Named("dispatcher"),
		js:       js,
		store:    store,
		notifier: notifier,
		config:   config.withDefaults(),
	}
}

// Start ensures the stream exists and subscribes the durable queue consumer
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != nil {
		return nil
	}

	setupCtx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	if err := w.setupStream(setupCtx); err != nil {
		return fmt.Errorf("failed to setup stream: %w", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	sub, err := w.js.QueueSubscribe(
		w.config.Subject,
		w.config.Queue,
		func(msg *nats.Msg) { w.handleMessage(runCtx, msg) },
		nats.Durable(w.config.Durable),
		nats.ManualAck(),
		nats.AckWait(w.config.AckWait),
		nats.MaxDeliver(w.config.MaxDeliver),
		nats.DeliverAll(),
	)
	if err != nil {
		runCancel()
		return fmt.Errorf("failed to subscribe to alert changes: %w", err)
	}

	w.sub = sub
	w.cancel = runCancel
	w.logger.Info("Dispatcher started",
		zap.String("stream", w.config.Stream),
		zap.String("subject", w.config.Subject),
		zap.String("durable", w.config.Durable))
	return nil
}

func (w *Worker) setupStream(ctx context.Context) error {
	info, err := w.js.StreamInfo(w.config.Stream, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	if info == nil {
		_, err = w.js.AddStream(&nats.StreamConfig{
			Name:       w.config.Stream,
			Subjects:   []string{w.config.Subject},
			Retention:  nats.LimitsPolicy,
			MaxAge:     streamMaxAge,
			MaxMsgs:    -1,
			MaxBytes:   -1,
			Discard:    nats.DiscardOld,
			MaxMsgSize: streamMaxMsgSize,
			Storage:    nats.FileStorage,
			Replicas:   1,
			Duplicates: streamDuplicates,
		}, nats.Context(ctx))
		if err != nil {
			return fmt.Errorf("failed to create stream %s: %w", w.config.Stream, err)
		}
		w.logger.Info("Created stream", zap.String("name", w.config.Stream))
		return nil
	}

	for _, s := range info.Config.Subjects {
		if s == w.config.Subject {
			return nil
		}
	}
	cfg := info.Config
	cfg.Subjects = append(cfg.Subjects, w.config.Subject)
	if _, err := w.js.UpdateStream(&cfg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", w.config.Stream, err)
	}
	w.logger.Info("Updated stream", zap.String("name", w.config.Stream))
	return nil
}

// handleMessage stores and dispatches one alert change. Malformed messages
// are terminated; a failed save is redelivered.
func (w *Worker) handleMessage(ctx context.Context, msg *nats.Msg) {
	var alert model.AlertSnapshot
	if err := json.Unmarshal(msg.Data, &alert); err != nil {
		w.logger.Error("Failed to unmarshal alert", zap.Error(err))
		if err := msg.Term(); err != nil {
			w.logger.Error("Failed to terminate message", zap.Error(err))
		}
		return
	}

	if err := w.store.SaveAlert(ctx, &alert); err != nil {
		w.logger.Error("Failed to save alert, will retry",
			zap.Int64("alert_id", alert.AlertID),
			zap.Error(err))
		if err := msg.Nak(); err != nil {
			w.logger.Error("Failed to nak message", zap.Error(err))
		}
		return
	}

	w.notifier.Notify(ctx, []model.Alert{&alert})

	if err := msg.Ack(); err != nil {
		w.logger.Error("Failed to acknowledge message", zap.Error(err))
	}
}

// Submit publishes an alert change for dispatch
func (w *Worker) Submit(ctx context.Context, alert *model.AlertSnapshot) error {
	if !w.Running() {
		return ErrNotRunning
	}

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if _, err := w.js.Publish(w.config.Subject, data, nats.MsgId(uuid.New().String()), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish alert: %w", err)
	}
	return nil
}

// Stop drains the subscription, letting the message in progress finish
func (w *Worker) Stop() {
	w.mu.Lock()
	sub, cancel := w.sub, w.cancel
	w.sub, w.cancel = nil, nil
	w.mu.Unlock()

	if sub == nil {
		return
	}
	w.logger.Info("Stopping dispatcher")
	if err := sub.Drain(); err != nil {
		w.logger.Warn("Failed to drain subscription", zap.Error(err))
	} else {
		deadline := time.Now().Add(operationTimeout)
		for sub.IsValid() && time.Now().Before(deadline) {
			time.Sleep(drainPollInterval)
		}
	}
	cancel()
}

// Running reports whether the worker is subscribed
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sub != nil
}

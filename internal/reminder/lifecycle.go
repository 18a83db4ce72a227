// Package reminder keeps pending reminders about alerts and fires them when due.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/alert-notifier/internal/alertgroup"
	"github.com/t77yq/alert-notifier/internal/clock"
	"github.com/t77yq/alert-notifier/internal/metrics"
	"github.com/t77yq/alert-notifier/internal/model"
	"github.com/t77yq/alert-notifier/internal/storage"
)

const lockStripes = 64

// Lifecycle creates, fires and retires alert changed records
type Lifecycle struct {
	logger    *zap.Logger
	store     storage.Store
	source    alertgroup.Source
	sender    alertgroup.Sender
	clock     clock.Clock
	keyByRule bool

	// locks serialize record changes per alert and person
	locks [lockStripes]sync.Mutex
}

// NewLifecycle creates a lifecycle. With keyByRule a person keeps one
// pending reminder per rule instead of one per alert.
func NewLifecycle(logger *zap.Logger, store storage.Store, source alertgroup.Source, sender alertgroup.Sender, clk clock.Clock, keyByRule bool) *Lifecycle {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Lifecycle{
		logger:    logger.Named("reminder"),
		store:     store,
		source:    source,
		sender:    sender,
		clock:     clk,
		keyByRule: keyByRule,
	}
}

// KeyByRule reports whether reminders are kept per rule
func (l *Lifecycle) KeyByRule() bool { return l.keyByRule }

func (l *Lifecycle) lock(alertID int64, person string) func() {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d/%s", alertID, person)
	mu := &l.locks[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}

// Upsert stores rec and clears RemindAt on every other pending record of
// the same alert and person, or alert, person and rule when keyed by rule.
func (l *Lifecycle) Upsert(ctx context.Context, rec *model.AlertChangedRecord) error {
	defer l.lock(rec.AlertID, rec.Person)()

	if !l.keyByRule {
		rec.Rule = ""
	}
	rec.UpdatedAt = l.clock.Now()
	if err := l.store.InsertRecord(ctx, rec, l.keyByRule); err != nil {
		return fmt.Errorf("failed to insert %s: %w", rec, err)
	}
	l.refreshPending(ctx)
	return nil
}

// WasRelevantWhenRaised walks back from rec through earlier records of the
// same alert and person until it finds the raise, and reports whether that
// raise was relevant. An acknowledgement that was itself relevant counts.
func (l *Lifecycle) WasRelevantWhenRaised(ctx context.Context, rec *model.AlertChangedRecord) (bool, error) {
	if done, relevant := relevantStep(rec); done {
		return relevant, nil
	}

	records, err := l.store.RecordsFor(ctx, rec.AlertID, rec.Person)
	if err != nil {
		return false, fmt.Errorf("failed to get records for alert %d: %w", rec.AlertID, err)
	}
	for _, prev := range records {
		if rec.ID != 0 && prev.ID >= rec.ID {
			continue
		}
		if done, relevant := relevantStep(prev); done {
			return relevant, nil
		}
	}

	l.logger.Warn("Could not see that alert was raised with person but further updates exist, notifications may be spurious",
		zap.Int64("alert_id", rec.AlertID),
		zap.String("person", rec.Person),
		zap.String("record", rec.String()))
	return true, nil
}

func relevantStep(rec *model.AlertChangedRecord) (done, relevant bool) {
	switch rec.UpdateType {
	case model.UpdateAcknowledged:
		if rec.WasRelevant {
			return true, true
		}
	case model.UpdateRaised:
		return true, rec.WasRelevant
	}
	return false, false
}

// NextDue returns the pending record with the earliest reminder time
func (l *Lifecycle) NextDue(ctx context.Context) (*model.AlertChangedRecord, error) {
	return l.store.NextDue(ctx)
}

// AllOverdue returns records whose reminder time is before at, earliest first
func (l *Lifecycle) AllOverdue(ctx context.Context, at time.Time) ([]*model.AlertChangedRecord, error) {
	return l.store.AllOverdue(ctx, at)
}

// Remind fires the reminder held by rec. The record is re-read under the
// pair's lock, so a reminder superseded or rescheduled since rec was listed
// is left alone. The reminder is retired when the alert no longer needs
// attention, and the record is deleted when no rule of the alert's group
// reaches the person any more.
func (l *Lifecycle) Remind(ctx context.Context, rec *model.AlertChangedRecord) error {
	defer l.lock(rec.AlertID, rec.Person)()

	logger := l.logger.With(
		zap.Int64("record_id", rec.ID),
		zap.Int64("alert_id", rec.AlertID),
		zap.String("person", rec.Person))

	current, err := l.store.GetRecord(ctx, rec.ID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Debug("Reminder record is gone, nothing to do")
		return nil
	}
	if err != nil {
		metrics.RecordReminder(metrics.ReminderFailed)
		return fmt.Errorf("failed to reload %s: %w", rec, err)
	}
	now := l.clock.Now()
	if current.RemindAt == nil || current.RemindAt.After(now) {
		logger.Debug("Reminder superseded or rescheduled, skipping")
		return nil
	}
	rec = current

	logger.Debug("Reminding someone about alert")

	alert, err := l.store.FindAlert(ctx, rec.AlertID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warn("Alert for reminder no longer exists")
		return l.retire(ctx, rec)
	}
	if err != nil {
		metrics.RecordReminder(metrics.ReminderFailed)
		return fmt.Errorf("failed to find alert %d: %w", rec.AlertID, err)
	}

	reg := l.source.Current()
	groups := reg.Matches(alert)
	if len(groups) == 0 || alert.Acknowledged() || !alert.Raised() {
		if len(groups) == 0 {
			logger.Debug("No alert group matches any more, no reminder due")
		} else {
			logger.Debug("Alert already acknowledged or cleared, no reminder due")
		}
		return l.retire(ctx, rec)
	}
	g := groups[0]

	var next *time.Time
	sent := false
	for _, rule := range g.Rules {
		if rec.Rule != "" && rule.ID != rec.Rule {
			continue
		}
		p, ok := reg.Targets(ctx, rule, rec.Person, now)
		if !ok {
			continue
		}
		if !sent {
			l.sender.SendAlert(ctx, p, rec.Level, alert, nil)
			sent = true
		}
		if t, ok := rule.RemindAtNext(ctx, reg.Env, alert, now); ok && (next == nil || t.Before(*next)) {
			next = &t
		}
	}

	if !sent {
		logger.Warn("Reminder did not match any people, maybe the configuration has changed; deleting it")
		if err := l.store.DeleteRecord(ctx, rec.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			metrics.RecordReminder(metrics.ReminderFailed)
			return fmt.Errorf("failed to delete %s: %w", rec, err)
		}
		metrics.RecordReminder(metrics.ReminderDeleted)
		l.refreshPending(ctx)
		return nil
	}

	rec.RemindAt = next
	rec.UpdatedAt = now
	if err := l.store.UpdateRecord(ctx, rec); err != nil {
		metrics.RecordReminder(metrics.ReminderFailed)
		return fmt.Errorf("failed to update %s: %w", rec, err)
	}
	l.note(ctx, rec, fmt.Sprintf("Reminder sent to %s", rec.Person))
	metrics.RecordReminder(metrics.ReminderFired)
	l.refreshPending(ctx)
	return nil
}

// retire clears the reminder time of rec
func (l *Lifecycle) retire(ctx context.Context, rec *model.AlertChangedRecord) error {
	rec.RemindAt = nil
	rec.UpdatedAt = l.clock.Now()
	if err := l.store.UpdateRecord(ctx, rec); err != nil {
		metrics.RecordReminder(metrics.ReminderFailed)
		return fmt.Errorf("failed to update %s: %w", rec, err)
	}
	metrics.RecordReminder(metrics.ReminderCleared)
	l.refreshPending(ctx)
	return nil
}

func (l *Lifecycle) note(ctx context.Context, rec *model.AlertChangedRecord, event string) {
	entry := &model.HistoryEntry{
		ID:        uuid.New().String(),
		AlertID:   rec.AlertID,
		Type:      model.HistoryReminder,
		Event:     event,
		CreatedAt: l.clock.Now(),
	}
	if err := l.store.AppendHistory(ctx, entry); err != nil {
		l.logger.Error("Unable to save history", zap.Error(err))
	}
}

func (l *Lifecycle) refreshPending(ctx context.Context) {
	n, err := l.store.CountPending(ctx)
	if err != nil {
		l.logger.Warn("Failed to count pending reminders", zap.Error(err))
		return
	}
	metrics.SetPendingReminders(n)
}

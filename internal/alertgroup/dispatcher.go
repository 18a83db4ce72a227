package alertgroup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-notifier/internal/clock"
	"github.com/t77yq/alert-notifier/internal/during"
	"github.com/t77yq/alert-notifier/internal/metrics"
	"github.com/t77yq/alert-notifier/internal/model"
	"github.com/t77yq/alert-notifier/internal/person"
)

// Sender delivers an alert to one person
type Sender interface {
	SendAlert(ctx context.Context, p *person.Person, level model.Level, alert model.Alert, others []model.Alert) bool
}

// Recorder keeps the alert changed records of the reminder lifecycle
type Recorder interface {
	// Upsert stores rec and makes it the only pending reminder of its key
	Upsert(ctx context.Context, rec *model.AlertChangedRecord) error
	// WasRelevantWhenRaised reports whether the person behind rec was told
	// about the raise that rec follows
	WasRelevantWhenRaised(ctx context.Context, rec *model.AlertChangedRecord) (bool, error)
	// KeyByRule reports whether reminders are kept per rule
	KeyByRule() bool
}

// RaisedLister lists alerts that are currently raised
type RaisedLister interface {
	CurrentlyRaised(ctx context.Context) ([]*model.AlertSnapshot, error)
}

// Dispatcher routes alert changes to the first matching group
type Dispatcher struct {
	logger   *zap.Logger
	source   Source
	sender   Sender
	recorder Recorder
	raised   RaisedLister
	clock    clock.Clock
}

// NewDispatcher creates a dispatcher. raised may be nil, in which case no
// co-occurring alerts are passed to channels.
func NewDispatcher(logger *zap.Logger, source Source, sender Sender, recorder Recorder, raised RaisedLister, clk clock.Clock) *Dispatcher {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Dispatcher{
		logger:   logger.Named("dispatcher"),
		source:   source,
		sender:   sender,
		recorder: recorder,
		raised:   raised,
		clock:    clk,
	}
}

// Notify sends each alert to the first group it matches
func (d *Dispatcher) Notify(ctx context.Context, alerts []model.Alert) {
	reg := d.source.Current()
	for _, alert := range alerts {
		groups := reg.Matches(alert)
		if len(groups) == 0 {
			d.logger.Warn("No groups found for alert", zap.Int64("alert_id", alert.ID()))
			continue
		}
		g := groups[0]
		d.logger.Info("Notifying group",
			zap.String("group", g.Name),
			zap.Int64("alert_id", alert.ID()),
			zap.String("update_type", string(alert.UpdateType())))
		d.NotifyGroup(ctx, reg, g, alert)
	}
}

// recipient collects what the rules of one group decided for one person
type recipient struct {
	person   *person.Person
	relevant bool
	// remindAt per rule ID, or under "" when reminders are kept per person
	remindAt map[string]*time.Time
	rules    []string
}

// NotifyGroup runs every rule of g for alert. A person reached by several
// rules is notified once, and keeps one pending reminder at the soonest of
// the rules' next times.
func (d *Dispatcher) NotifyGroup(ctx context.Context, reg *Registry, g *Group, alert model.Alert) {
	if len(g.Rules) == 0 {
		d.logger.Warn("No notifications found for group", zap.String("group", g.Name))
		return
	}

	start := time.Now()
	now := d.clock.Now()
	byRule := d.recorder.KeyByRule()

	var order []string
	recipients := make(map[string]*recipient)

	for _, rule := range g.Rules {
		if err := ctx.Err(); err != nil {
			d.logger.Warn("Dispatch cancelled", zap.String("group", g.Name), zap.Error(err))
			return
		}

		relevant := during.NewRunner(reg.Env, now, alert, rule.During).Now(ctx)
		var remindAt *time.Time
		if next, ok := rule.RemindAtNext(ctx, reg.Env, alert, now); ok {
			remindAt = &next
		}

		for _, p := range reg.Recipients(ctx, rule, now) {
			rc, ok := recipients[p.Username]
			if !ok {
				rc = &recipient{person: p, remindAt: make(map[string]*time.Time)}
				recipients[p.Username] = rc
				order = append(order, p.Username)
			}
			rc.relevant = rc.relevant || relevant

			key := ""
			if byRule {
				key = rule.ID
			}
			if prev, seen := rc.remindAt[key]; !seen {
				rc.remindAt[key] = remindAt
				rc.rules = append(rc.rules, key)
			} else {
				rc.remindAt[key] = earliest(prev, remindAt)
			}
		}
	}

	others := d.othersIn(ctx, reg, g, alert)
	for _, name := range order {
		d.notifyRecipient(ctx, g, alert, others, recipients[name], now)
	}

	metrics.RecordDispatch(g.Name, string(alert.UpdateType()), time.Since(start))
}

func (d *Dispatcher) notifyRecipient(ctx context.Context, g *Group, alert model.Alert, others []model.Alert, rc *recipient, now time.Time) {
	var last *model.AlertChangedRecord
	for _, key := range rc.rules {
		rec := &model.AlertChangedRecord{
			AlertID:     alert.ID(),
			Person:      rc.person.Username,
			Rule:        key,
			At:          now,
			WasRelevant: rc.relevant,
			Level:       g.Level,
			UpdateType:  alert.UpdateType(),
			RemindAt:    rc.remindAt[key],
		}
		if err := d.recorder.Upsert(ctx, rec); err != nil {
			d.logger.Error("Unable to save alert changed record, reminders may be duplicated or lost",
				zap.Int64("alert_id", alert.ID()),
				zap.String("person", rc.person.Username),
				zap.Error(err))
		}
		last = rec
	}

	tell := rc.relevant
	if !tell && last != nil {
		switch alert.UpdateType() {
		case model.UpdateCleared, model.UpdateAcknowledged:
			wasRelevant, err := d.recorder.WasRelevantWhenRaised(ctx, last)
			if err != nil {
				d.logger.Error("Failed to check earlier notifications",
					zap.Int64("alert_id", alert.ID()),
					zap.String("person", rc.person.Username),
					zap.Error(err))
			}
			tell = wasRelevant
		}
	}
	if !tell {
		d.logger.Debug("Alert not relevant to person",
			zap.Int64("alert_id", alert.ID()),
			zap.String("person", rc.person.Username))
		return
	}

	d.sender.SendAlert(ctx, rc.person, g.Level, alert, others)
}

// othersIn lists the raised alerts, other than alert, that belong to g
func (d *Dispatcher) othersIn(ctx context.Context, reg *Registry, g *Group, alert model.Alert) []model.Alert {
	if d.raised == nil {
		return nil
	}
	raised, err := d.raised.CurrentlyRaised(ctx)
	if err != nil {
		d.logger.Error("Failed to list raised alerts", zap.Error(err))
		return nil
	}
	var others []model.Alert
	for _, a := range raised {
		if a.ID() == alert.ID() {
			continue
		}
		if groups := reg.Matches(a); len(groups) > 0 && groups[0] == g {
			others = append(others, a)
		}
	}
	return others
}

func earliest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	default:
		return a
	}
}

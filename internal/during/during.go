// Package during evaluates the time-window predicates that gate notification
// rules, and searches forward for the next time such a predicate holds.
package during

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/t77yq/alert-notifier/internal/calendar"
	"github.com/t77yq/alert-notifier/internal/model"
	"github.com/t77yq/alert-notifier/internal/timerange"
)

const (
	// DefaultHorizon bounds the recurrence search
	DefaultHorizon = 12 * 24 * time.Hour
	// DefaultMaxEvaluations bounds the predicate evaluations of one search
	DefaultMaxEvaluations = 50000
	// DefaultLookupTimeout bounds a single calendar lookup
	DefaultLookupTimeout = 10 * time.Second
)

// Hours holds the named hour presets
type Hours struct {
	Working  timerange.Set
	Daytime  timerange.Set
	DeadZone timerange.Set
}

// DefaultHours returns working hours 9.5...17.5, daytime 8...22 and a dead zone of 3...7
func DefaultHours() Hours {
	return Hours{
		Working:  timerange.MustNormalize(timerange.Span{From: timerange.Float(9.5), To: timerange.Float(17.5), ExcludeEnd: true}, timerange.Hours),
		Daytime:  timerange.MustNormalize(timerange.Span{From: timerange.Int(8), To: timerange.Int(22), ExcludeEnd: true}, timerange.Hours),
		DeadZone: timerange.MustNormalize(timerange.Span{From: timerange.Int(3), To: timerange.Int(7), ExcludeEnd: true}, timerange.Hours),
	}
}

// ListResolver tells who on a people list is available at a given time.
// ok is false when the list does not exist.
type ListResolver interface {
	Available(ctx context.Context, list string, at time.Time) (people []string, ok bool, err error)
}

// Env is what predicates need besides the time and the alert. It is shared
// by all runners built from one configuration and never mutated.
type Env struct {
	Logger         *zap.Logger
	Calendar       calendar.Service
	Lists          ListResolver
	Hours          *Hours
	Location       *time.Location
	Horizon        time.Duration
	MaxEvaluations int
	LookupTimeout  time.Duration
}

func (e *Env) logger() *zap.Logger {
	if e == nil || e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Env) hours() Hours {
	if e == nil || e.Hours == nil {
		return DefaultHours()
	}
	return *e.Hours
}

func (e *Env) location() *time.Location {
	if e == nil || e.Location == nil {
		return time.Local
	}
	return e.Location
}

func (e *Env) horizon() time.Duration {
	if e == nil || e.Horizon <= 0 {
		return DefaultHorizon
	}
	return e.Horizon
}

func (e *Env) maxEvaluations() int {
	if e == nil || e.MaxEvaluations <= 0 {
		return DefaultMaxEvaluations
	}
	return e.MaxEvaluations
}

func (e *Env) lookupTimeout() time.Duration {
	if e == nil || e.LookupTimeout <= 0 {
		return DefaultLookupTimeout
	}
	return e.LookupTimeout
}

// Runner evaluates one predicate for one alert, anchored at one moment.
// Calendar answers are cached for the lifetime of the runner, keyed by the
// time they were asked about, so repeated evaluations of the same moment
// agree with each other.
type Runner struct {
	env    *Env
	expr   Expr
	anchor time.Time
	alert  model.Alert
	logger *zap.Logger

	mu     sync.Mutex
	cache  map[string]bool
	warned map[string]bool
	group  singleflight.Group
}

// NewRunner creates a runner. A nil expr is always true.
func NewRunner(env *Env, anchor time.Time, alert model.Alert, expr Expr) *Runner {
	if expr == nil {
		expr = Always()
	}
	return &Runner{
		env:    env,
		expr:   expr,
		anchor: anchor,
		alert:  alert,
		logger: env.logger().Named("during"),
		cache:  make(map[string]bool),
		warned: make(map[string]bool),
	}
}

// Anchor returns the time the runner was created for
func (r *Runner) Anchor() time.Time { return r.anchor }

// Now evaluates the predicate at the anchor time
func (r *Runner) Now(ctx context.Context) bool {
	return r.IsTrueAt(ctx, r.anchor)
}

// IsTrueAt evaluates the predicate at t. A predicate that panics is false.
func (r *Runner) IsTrueAt(ctx context.Context, t time.Time) (result bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("During clause failed",
				zap.String("expr", r.expr.String()),
				zap.Time("at", t),
				zap.Any("panic", rec))
			result = false
		}
	}()
	return r.expr.Eval(&Moment{ctx: ctx, runner: r, At: t})
}

// cached returns the cached answer for key, computing it at most once even
// when several goroutines ask concurrently.
func (r *Runner) cached(key string, compute func() bool) bool {
	r.mu.Lock()
	if v, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return v
	}
	r.mu.Unlock()

	v, _, _ := r.group.Do(key, func() (any, error) {
		r.mu.Lock()
		if v, ok := r.cache[key]; ok {
			r.mu.Unlock()
			return v, nil
		}
		r.mu.Unlock()

		result := compute()

		r.mu.Lock()
		r.cache[key] = result
		r.mu.Unlock()
		return result, nil
	})
	return v.(bool)
}

// warnOnce logs a configuration warning the first time key is seen by this runner
func (r *Runner) warnOnce(key, msg string, fields ...zap.Field) {
	r.mu.Lock()
	seen := r.warned[key]
	r.warned[key] = true
	r.mu.Unlock()
	if !seen {
		r.logger.Warn(msg, fields...)
	}
}

// Moment is one evaluation of a runner's predicate
type Moment struct {
	ctx    context.Context
	runner *Runner
	// At is the time being evaluated
	At time.Time
}

func (m *Moment) Context() context.Context { return m.ctx }
func (m *Moment) Anchor() time.Time        { return m.runner.anchor }
func (m *Moment) Alert() model.Alert       { return m.runner.alert }

// Local returns At in the configured time zone
func (m *Moment) Local() time.Time {
	return m.At.In(m.runner.env.location())
}

// Hour returns the wall-clock hour of At including minutes and seconds as a fraction
func (m *Moment) Hour() float64 {
	t := m.Local()
	return float64(t.Hour()) + float64(t.Minute())/60 + float64(t.Second())/3600
}

// BankHoliday reports whether the calendar date of At is a bank holiday. A
// failed lookup counts as a normal working day.
func (m *Moment) BankHoliday() bool {
	env := m.runner.env
	if env == nil || env.Calendar == nil {
		return false
	}
	day := m.Local()
	key := "bank_holiday|" + day.Format(calendar.DateLayout)

	return m.runner.cached(key, func() bool {
		ctx, cancel := context.WithTimeout(m.ctx, env.lookupTimeout())
		defer cancel()

		days, err := env.Calendar.BankHolidays(ctx, day, day)
		if err != nil {
			m.runner.logger.Error("Failed to look up bank holidays",
				zap.String("date", day.Format(calendar.DateLayout)),
				zap.Error(err))
			return false
		}
		for _, d := range days {
			if calendar.SameDate(d, day) {
				return true
			}
		}
		return false
	})
}

// NoOneIn reports whether nobody on list is available at At. Unknown and
// empty lists count as nobody available. A failed lookup counts as
// somebody available.
func (m *Moment) NoOneIn(list string) bool {
	env := m.runner.env
	if env == nil || env.Lists == nil {
		m.runner.warnOnce("no_lists", "No people lists configured", zap.String("list", list))
		return true
	}
	key := fmt.Sprintf("no_one_in|%s|%d", list, m.At.Unix())

	return m.runner.cached(key, func() bool {
		ctx, cancel := context.WithTimeout(m.ctx, env.lookupTimeout())
		defer cancel()

		people, ok, err := env.Lists.Available(ctx, list, m.At)
		if err != nil {
			m.runner.logger.Error("Failed to resolve people list",
				zap.String("list", list),
				zap.Error(err))
			return false
		}
		if !ok {
			m.runner.warnOnce("unknown|"+list, "People list not found", zap.String("list", list))
			return true
		}
		if len(people) == 0 {
			m.runner.warnOnce("empty|"+list, "People list is empty", zap.String("list", list))
			return true
		}
		return false
	})
}

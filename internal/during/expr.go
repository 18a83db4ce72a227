package during

import (
	"fmt"
	"strings"
	"time"

	"github.com/t77yq/alert-notifier/internal/timerange"
)

// Expr is a boolean time-window predicate
type Expr interface {
	Eval(m *Moment) bool
	String() string
}

// granular is implemented by expressions that can change value between
// whole hours. Expressions without it are assumed to change on the hour.
type granular interface {
	Granularity() time.Duration
}

func granularityOf(e Expr) time.Duration {
	if g, ok := e.(granular); ok {
		return g.Granularity()
	}
	return time.Hour
}

// XInListOfY reports whether x equals a scalar in y or falls inside one of
// its ranges, recursing into nested lists.
func XInListOfY(x float64, y timerange.Spec) bool {
	return timerange.Member(x, y)
}

type always struct{}

// Always is the default during clause
func Always() Expr { return always{} }

func (always) Eval(*Moment) bool { return true }
func (always) String() string    { return "always" }

type hoursInDay struct {
	set timerange.Set
}

// HoursInDay is true when the wall-clock hour, including its fractional
// part, lies in spec.
func HoursInDay(spec timerange.Spec) (Expr, error) {
	set, err := timerange.Normalize(spec, timerange.Hours)
	if err != nil {
		return nil, fmt.Errorf("failed to build hours_in_day: %w", err)
	}
	return hoursInDay{set: set}, nil
}

func (e hoursInDay) Eval(m *Moment) bool { return e.set.Contains(m.Hour()) }

func (e hoursInDay) Granularity() time.Duration { return setGranularity(e.set) }

func (e hoursInDay) String() string { return "hours_in_day " + e.set.String() }

type daysInWeek struct {
	set timerange.Set
}

// DaysInWeek is true when the weekday (Sunday = 0) lies in spec
func DaysInWeek(spec timerange.Spec) (Expr, error) {
	set, err := timerange.Normalize(spec, timerange.Weekdays)
	if err != nil {
		return nil, fmt.Errorf("failed to build days_in_week: %w", err)
	}
	return daysInWeek{set: set}, nil
}

func (e daysInWeek) Eval(m *Moment) bool { return e.set.Contains(float64(m.Local().Weekday())) }

func (e daysInWeek) String() string { return "days_in_week " + e.set.String() }

// setGranularity is a minute when an hour boundary is fractional
func setGranularity(set timerange.Set) time.Duration {
	for _, interval := range set {
		if interval.From != float64(int(interval.From)) || interval.To != float64(int(interval.To)) {
			return time.Minute
		}
	}
	return time.Hour
}

type preset int

const (
	presetWorking preset = iota
	presetDaytime
	presetDeadZone
)

type hoursPreset struct {
	which preset
}

// WorkingHours is true on a weekday that is not a bank holiday, within the
// configured working hours.
func WorkingHours() Expr { return hoursPreset{which: presetWorking} }

// DaytimeHours is true within the configured daytime hours
func DaytimeHours() Expr { return hoursPreset{which: presetDaytime} }

// DeadZone is true within the configured dead zone
func DeadZone() Expr { return hoursPreset{which: presetDeadZone} }

func (e hoursPreset) Eval(m *Moment) bool {
	hours := m.runner.env.hours()
	switch e.which {
	case presetWorking:
		wd := m.Local().Weekday()
		if wd == time.Saturday || wd == time.Sunday {
			return false
		}
		if !hours.Working.Contains(m.Hour()) {
			return false
		}
		return !m.BankHoliday()
	case presetDaytime:
		return hours.Daytime.Contains(m.Hour())
	default:
		return hours.DeadZone.Contains(m.Hour())
	}
}

// Presets can be configured with fractional hours, such as 9.5...17.5
func (hoursPreset) Granularity() time.Duration { return time.Minute }

func (e hoursPreset) String() string {
	switch e.which {
	case presetWorking:
		return "working_hours?"
	case presetDaytime:
		return "daytime_hours?"
	default:
		return "dead_zone?"
	}
}

type bankHoliday struct{}

// BankHoliday is true on bank holidays, according to the calendar
func BankHoliday() Expr { return bankHoliday{} }

func (bankHoliday) Eval(m *Moment) bool { return m.BankHoliday() }
func (bankHoliday) String() string      { return "bank_holiday?" }

type unacknowledged struct {
	d time.Duration
}

// Unacknowledged is true once the alert has been raised and left
// unacknowledged for at least d.
func Unacknowledged(d time.Duration) Expr { return unacknowledged{d: d} }

func (e unacknowledged) Eval(m *Moment) bool {
	alert := m.Alert()
	if alert == nil || alert.Acknowledged() {
		return false
	}
	since := alert.RaisedAt()
	if since.IsZero() {
		since = m.Anchor()
	}
	return m.At.Sub(since) >= e.d
}

func (e unacknowledged) String() string { return fmt.Sprintf("unacknowledged(%s)", e.d) }

type noOneIn struct {
	list string
}

// NoOneIn is true when nobody on the named people list is available
func NoOneIn(list string) Expr { return noOneIn{list: list} }

func (e noOneIn) Eval(m *Moment) bool { return m.NoOneIn(e.list) }

// Calendar shifts start on arbitrary minutes
func (noOneIn) Granularity() time.Duration { return time.Minute }

func (e noOneIn) String() string { return fmt.Sprintf("no_one_in(%q)", e.list) }

type and []Expr

// And is true when every operand is true
func And(exprs ...Expr) Expr { return and(exprs) }

func (e and) Eval(m *Moment) bool {
	for _, x := range e {
		if !x.Eval(m) {
			return false
		}
	}
	return true
}

func (e and) Granularity() time.Duration { return finest(e) }
func (e and) String() string             { return join(e, " and ") }

type or []Expr

// Or is true when any operand is true
func Or(exprs ...Expr) Expr { return or(exprs) }

func (e or) Eval(m *Moment) bool {
	for _, x := range e {
		if x.Eval(m) {
			return true
		}
	}
	return false
}

func (e or) Granularity() time.Duration { return finest(e) }
func (e or) String() string             { return join(e, " or ") }

type not struct {
	x Expr
}

// Not negates x
func Not(x Expr) Expr { return not{x: x} }

func (e not) Eval(m *Moment) bool        { return !e.x.Eval(m) }
func (e not) Granularity() time.Duration { return granularityOf(e.x) }
func (e not) String() string             { return "not " + e.x.String() }

type funcExpr struct {
	name string
	fn   func(m *Moment) bool
}

// Func wraps an arbitrary predicate. It is searched minute by minute.
func Func(name string, fn func(m *Moment) bool) Expr {
	return funcExpr{name: name, fn: fn}
}

func (e funcExpr) Eval(m *Moment) bool        { return e.fn(m) }
func (e funcExpr) Granularity() time.Duration { return time.Minute }
func (e funcExpr) String() string             { return e.name }

func finest(exprs []Expr) time.Duration {
	g := time.Hour
	for _, x := range exprs {
		if d := granularityOf(x); d < g {
			g = d
		}
	}
	return g
}

func join(exprs []Expr, sep string) string {
	parts := make([]string, 0, len(exprs))
	for _, x := range exprs {
		parts = append(parts, "("+x.String()+")")
	}
	return strings.Join(parts, sep)
}

package person

import (
	"sort"
	"time"
)

// Thresholds is a person's rate limit: for each period, the times of the
// last few successful sends, newest last. The number of slots per period is
// fixed when the thresholds are built.
type Thresholds struct {
	periods []*ring
}

type ring struct {
	period time.Duration
	times  []time.Time
}

// NewThresholds builds thresholds from period -> slot count. Periods with
// fewer than one slot are ignored.
func NewThresholds(limits map[time.Duration]int) *Thresholds {
	t := &Thresholds{}
	for period, slots := range limits {
		if period <= 0 || slots < 1 {
			continue
		}
		t.periods = append(t.periods, &ring{period: period, times: make([]time.Time, slots)})
	}
	sort.Slice(t.periods, func(i, j int) bool { return t.periods[i].period < t.periods[j].period })
	return t
}

// Limits returns the configuration the thresholds were built from
func (t *Thresholds) Limits() map[time.Duration]int {
	limits := make(map[time.Duration]int)
	if t == nil {
		return limits
	}
	for _, r := range t.periods {
		limits[r.period] = len(r.times)
	}
	return limits
}

// SameLimits reports whether t and other were built from the same configuration
func (t *Thresholds) SameLimits(other *Thresholds) bool {
	a, b := t.Limits(), other.Limits()
	if len(a) != len(b) {
		return false
	}
	for period, slots := range a {
		if b[period] != slots {
			return false
		}
	}
	return true
}

// Suppressed evaluates the rate limit at now. A period engages suppression
// when its second most recent send is less than a period old, or, if the
// person is already suppressed, when its most recent send is.
func (t *Thresholds) Suppressed(now time.Time, wasSuppressed bool) bool {
	if t == nil {
		return false
	}
	for _, r := range t.periods {
		n := len(r.times)
		if n < 2 {
			continue
		}
		second := r.times[n-2]
		if second.IsZero() {
			continue
		}
		if now.Sub(second) < r.period {
			return true
		}
		if wasSuppressed && now.Sub(r.times[n-1]) < r.period {
			return true
		}
	}
	return false
}

// Record pushes now into every period, evicting the oldest entry
func (t *Thresholds) Record(now time.Time) {
	if t == nil {
		return
	}
	for _, r := range t.periods {
		copy(r.times, r.times[1:])
		r.times[len(r.times)-1] = now
	}
}

// inherit copies send history from other, which must have the same limits
func (t *Thresholds) inherit(other *Thresholds) {
	for i, r := range t.periods {
		copy(r.times, other.periods[i].times)
	}
}

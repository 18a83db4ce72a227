// Package timerange turns time-window specifications (single values, ranges,
// nested lists, ranges that wrap past midnight or the end of the week) into
// sets of non-wrapping intervals inside a bounded domain.
package timerange

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidSpec is returned for malformed or unusable specifications
var ErrInvalidSpec = errors.New("invalid time range spec")

// Value is one endpoint. Integer endpoints denote a whole slot, so the
// hour 4 covers [4,5).
type Value struct {
	N   float64
	Int bool
}

// Int returns an integer endpoint
func Int(n int) Value { return Value{N: float64(n), Int: true} }

// Float returns a fractional endpoint
func Float(f float64) Value { return Value{N: f} }

func (v Value) String() string {
	if v.Int {
		return fmt.Sprintf("%d", int64(v.N))
	}
	return fmt.Sprintf("%g", v.N)
}

// Spec is a Point, a Span or a List of specs
type Spec interface {
	isSpec()
}

// Point is a single scalar
type Point struct {
	V Value
}

// Span is a range. ExcludeEnd mirrors the difference between 8..10 and 8...10.
type Span struct {
	From       Value
	To         Value
	ExcludeEnd bool
}

// List is an ordered, possibly nested, sequence of specs
type List []Spec

func (Point) isSpec() {}
func (Span) isSpec()  {}
func (List) isSpec()  {}

// Domain is the half-open interval [Min, Max) values live in
type Domain struct {
	Min float64
	Max float64
}

var (
	// Hours is the hour-of-day domain
	Hours = Domain{Min: 0, Max: 24}
	// Weekdays is the day-of-week domain, Sunday = 0
	Weekdays = Domain{Min: 0, Max: 7}
)

func (d Domain) includes(x float64) bool {
	return x >= d.Min && x < d.Max
}

// Interval is a normalized, non-wrapping interval
type Interval struct {
	From       float64
	To         float64
	ExcludeEnd bool
}

// Contains reports whether x lies in the interval
func (i Interval) Contains(x float64) bool {
	if x < i.From {
		return false
	}
	if i.ExcludeEnd {
		return x < i.To
	}
	return x <= i.To
}

func (i Interval) String() string {
	if i.ExcludeEnd {
		return fmt.Sprintf("%g...%g", i.From, i.To)
	}
	return fmt.Sprintf("%g..%g", i.From, i.To)
}

// Set is the output of Normalize
type Set []Interval

// Contains reports whether x is in at least one interval
func (s Set) Contains(x float64) bool {
	for _, interval := range s {
		if interval.Contains(x) {
			return true
		}
	}
	return false
}

func (s Set) String() string {
	parts := make([]string, 0, len(s))
	for _, interval := range s {
		parts = append(parts, interval.String())
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Normalize converts spec into intervals contained in d. Endpoints outside the
// domain are clamped to its boundary, and a range whose start is past its end
// is split into [from, max) and [min, to).
func Normalize(spec Spec, d Domain) (Set, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: empty spec", ErrInvalidSpec)
	}
	if !(d.Min < d.Max) {
		return nil, fmt.Errorf("%w: empty domain [%g, %g)", ErrInvalidSpec, d.Min, d.Max)
	}

	var out Set
	for _, element := range flatten(spec, nil) {
		var (
			from, to   Value
			excludeEnd bool
		)
		switch e := element.(type) {
		case Point:
			from, to = e.V, e.V
		case Span:
			from, to, excludeEnd = e.From, e.To, e.ExcludeEnd
		}
		if math.IsNaN(from.N) || math.IsNaN(to.N) || math.IsInf(from.N, 0) || math.IsInf(to.N, 0) {
			return nil, fmt.Errorf("%w: non-finite endpoint", ErrInvalidSpec)
		}

		lo := from.N
		if !d.includes(lo) {
			lo = d.Min
		}

		hi := to.N
		if to.Int {
			if !excludeEnd {
				hi++
			}
			excludeEnd = true
		}
		if !d.includes(hi) {
			hi = d.Max
		}

		if lo > hi || (lo >= hi && excludeEnd) {
			out = append(out,
				Interval{From: lo, To: d.Max, ExcludeEnd: true},
				Interval{From: d.Min, To: hi, ExcludeEnd: excludeEnd},
			)
			continue
		}
		out = append(out, Interval{From: lo, To: hi, ExcludeEnd: excludeEnd})
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no elements", ErrInvalidSpec)
	}
	return out, nil
}

// MustNormalize is Normalize for specs known at compile time
func MustNormalize(spec Spec, d Domain) Set {
	set, err := Normalize(spec, d)
	if err != nil {
		panic(err)
	}
	return set
}

// Member reports whether x equals a scalar of spec or falls inside one of its
// ranges, recursing into nested lists. Ranges are taken as written, without
// wrapping or slot widening.
func Member(x float64, spec Spec) bool {
	for _, element := range flatten(spec, nil) {
		switch e := element.(type) {
		case Point:
			if x == e.V.N {
				return true
			}
		case Span:
			interval := Interval{From: e.From.N, To: e.To.N, ExcludeEnd: e.ExcludeEnd}
			if interval.Contains(x) {
				return true
			}
		}
	}
	return false
}

func flatten(spec Spec, dst []Spec) []Spec {
	switch s := spec.(type) {
	case List:
		for _, element := range s {
			dst = flatten(element, dst)
		}
	case Point, Span:
		dst = append(dst, s)
	}
	return dst
}

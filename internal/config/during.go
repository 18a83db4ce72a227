package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/t77yq/alert-notifier/internal/during"
	"github.com/t77yq/alert-notifier/internal/timerange"
)

// ParseDuring builds a during clause from its configuration form:
//
//	during: working_hours
//	during: "!bank_holiday"
//	during:
//	  hours_in_day: "8..10"
//	  days_in_week: [1, 2, 3, 4, 5]
//	  unacknowledged: 2h
//	during:
//	  any:
//	    - dead_zone: true
//	    - no_one_in: ops
//
// Keys of one map must all hold. nil means always.
func ParseDuring(v any) (during.Expr, error) {
	return parseDuring(v, nil)
}

// parseDuring validates no_one_in list names with knownList when given
func parseDuring(v any, knownList func(string) bool) (during.Expr, error) {
	p := &duringParser{knownList: knownList}
	return p.parse(v)
}

type duringParser struct {
	knownList func(string) bool
}

func (p *duringParser) parse(v any) (during.Expr, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return p.named(x)
	case bool:
		if x {
			return during.Always(), nil
		}
		return during.Not(during.Always()), nil
	case []any:
		return p.all(x)
	case map[string]any:
		return p.clauses(x)
	default:
		return nil, fmt.Errorf("%w: unsupported during clause %v (%T)", ErrInvalidConfig, v, v)
	}
}

func (p *duringParser) named(s string) (during.Expr, error) {
	name := strings.TrimSpace(strings.ToLower(s))
	negate := strings.HasPrefix(name, "!")
	name = strings.TrimSpace(strings.TrimPrefix(name, "!"))

	var expr during.Expr
	switch strings.TrimSuffix(name, "?") {
	case "always", "":
		expr = during.Always()
	case "working_hours":
		expr = during.WorkingHours()
	case "daytime_hours":
		expr = during.DaytimeHours()
	case "dead_zone":
		expr = during.DeadZone()
	case "bank_holiday":
		expr = during.BankHoliday()
	default:
		return nil, fmt.Errorf("%w: unknown during clause %q", ErrInvalidConfig, s)
	}
	if negate {
		return during.Not(expr), nil
	}
	return expr, nil
}

func (p *duringParser) all(items []any) (during.Expr, error) {
	exprs := make([]during.Expr, 0, len(items))
	for _, item := range items {
		expr, err := p.parse(item)
		if err != nil {
			return nil, err
		}
		if expr != nil {
			exprs = append(exprs, expr)
		}
	}
	if len(exprs) == 1 {
		return exprs[0], nil
	}
	return during.And(exprs...), nil
}

func (p *duringParser) clauses(m map[string]any) (during.Expr, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var exprs []during.Expr
	for _, k := range keys {
		expr, err := p.clause(strings.ToLower(k), m[k])
		if err != nil {
			return nil, err
		}
		exprs = append(exprs, expr)
	}
	if len(exprs) == 1 {
		return exprs[0], nil
	}
	return during.And(exprs...), nil
}

func (p *duringParser) clause(key string, v any) (during.Expr, error) {
	switch key {
	case "hours_in_day", "days_in_week":
		spec, err := rangeSpec(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
		var expr during.Expr
		if key == "hours_in_day" {
			expr, err = during.HoursInDay(spec)
		} else {
			expr, err = during.DaysInWeek(spec)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
		}
		return expr, nil

	case "working_hours", "daytime_hours", "dead_zone", "bank_holiday":
		want, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s takes true or false", ErrInvalidConfig, key)
		}
		expr, err := p.named(key)
		if err != nil {
			return nil, err
		}
		if !want {
			return during.Not(expr), nil
		}
		return expr, nil

	case "unacknowledged":
		d, err := duration(v)
		if err != nil {
			return nil, fmt.Errorf("%w: unacknowledged: %v", ErrInvalidConfig, err)
		}
		return during.Unacknowledged(d), nil

	case "no_one_in":
		list, ok := v.(string)
		if !ok || list == "" {
			return nil, fmt.Errorf("%w: no_one_in takes a people list name", ErrInvalidConfig)
		}
		list = strings.ToLower(list)
		if p.knownList != nil && !p.knownList(list) {
			return nil, fmt.Errorf("%w: no_one_in names unknown list %q", ErrInvalidConfig, list)
		}
		return during.NoOneIn(list), nil

	case "any", "all":
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s takes a list of clauses", ErrInvalidConfig, key)
		}
		exprs := make([]during.Expr, 0, len(items))
		for _, item := range items {
			expr, err := p.parse(item)
			if err != nil {
				return nil, err
			}
			if expr == nil {
				expr = during.Always()
			}
			exprs = append(exprs, expr)
		}
		if key == "any" {
			return during.Or(exprs...), nil
		}
		return during.And(exprs...), nil

	case "not":
		expr, err := p.parse(v)
		if err != nil {
			return nil, err
		}
		if expr == nil {
			expr = during.Always()
		}
		return during.Not(expr), nil

	default:
		return nil, fmt.Errorf("%w: unknown during clause %q", ErrInvalidConfig, key)
	}
}

// rangeSpec accepts "8..10", "[1, 3..5]", a number or a list of them
func rangeSpec(v any) (timerange.Spec, error) {
	switch x := v.(type) {
	case string:
		return timerange.Parse(x)
	case []any:
		return timerange.FromValues(x)
	default:
		return timerange.FromValues([]any{x})
	}
}

// duration accepts "2h" or a number of seconds
func duration(v any) (time.Duration, error) {
	switch x := v.(type) {
	case string:
		return time.ParseDuration(x)
	case int:
		return time.Duration(x) * time.Second, nil
	case int64:
		return time.Duration(x) * time.Second, nil
	case float64:
		return time.Duration(x * float64(time.Second)), nil
	case time.Duration:
		return x, nil
	default:
		return 0, fmt.Errorf("unsupported duration %v (%T)", v, v)
	}
}

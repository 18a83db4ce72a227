package during

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-notifier/internal/metrics"
)

var errBudgetExhausted = errors.New("evaluation budget exhausted")

// FindNext returns the earliest time, not before the anchor, at which the
// predicate holds. When the predicate already holds at the anchor and period
// is positive the search starts at anchor+period instead, since the caller
// wants the next recurrence. ok is false when nothing is found within the
// search horizon, the evaluation budget or the lifetime of ctx.
func (r *Runner) FindNext(ctx context.Context, period time.Duration) (next time.Time, ok bool) {
	s := &search{
		runner: r,
		ctx:    ctx,
		budget: r.env.maxEvaluations(),
		loc:    r.env.location(),
	}

	start := r.anchor
	if period > 0 {
		now, err := s.eval(r.anchor)
		if err != nil {
			return s.giveUp(err)
		}
		if now {
			start = r.anchor.Add(period)
		}
	}
	limit := r.anchor.Add(r.env.horizon())

	found, err := s.eval(start)
	if err != nil {
		return s.giveUp(err)
	}
	if found {
		metrics.RecordSearch(metrics.SearchFound)
		return start, true
	}

	step := granularityOf(r.expr)
	prev := start
	for t := s.alignUp(start, step); !t.After(limit); t = t.Add(step) {
		found, err := s.eval(t)
		if err != nil {
			return s.giveUp(err)
		}
		if found {
			at, err := s.refine(prev, t, step)
			if err != nil {
				return s.giveUp(err)
			}
			metrics.RecordSearch(metrics.SearchFound)
			return at, true
		}
		prev = t
	}

	metrics.RecordSearch(metrics.SearchNone)
	return time.Time{}, false
}

type search struct {
	runner *Runner
	ctx    context.Context
	budget int
	loc    *time.Location
}

func (s *search) eval(t time.Time) (bool, error) {
	if err := s.ctx.Err(); err != nil {
		return false, err
	}
	if s.budget <= 0 {
		return false, errBudgetExhausted
	}
	s.budget--
	return s.runner.IsTrueAt(s.ctx, t), nil
}

func (s *search) giveUp(err error) (time.Time, bool) {
	s.runner.logger.Warn("Gave up looking for the next time a during clause holds",
		zap.String("expr", s.runner.expr.String()),
		zap.Time("anchor", s.runner.anchor),
		zap.Error(err))
	metrics.RecordSearch(metrics.SearchExhausted)
	return time.Time{}, false
}

// refine narrows (lo, hi], where the predicate is false at lo and true at
// hi, down to the first second at which it holds.
func (s *search) refine(lo, hi time.Time, step time.Duration) (time.Time, error) {
	finer := finerStep(step)
	if finer == 0 {
		return hi, nil
	}
	prev := lo
	for t := s.alignUp(lo, finer); t.Before(hi); t = t.Add(finer) {
		found, err := s.eval(t)
		if err != nil {
			return time.Time{}, err
		}
		if found {
			return s.refine(prev, t, finer)
		}
		prev = t
	}
	return s.refine(prev, hi, finer)
}

func finerStep(step time.Duration) time.Duration {
	switch {
	case step > time.Minute:
		return time.Minute
	case step > time.Second:
		return time.Second
	default:
		return 0
	}
}

// alignUp returns the first wall-clock step boundary strictly after t
func (s *search) alignUp(t time.Time, step time.Duration) time.Time {
	local := t.In(s.loc)
	var floor time.Time
	if step >= time.Hour {
		floor = time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), 0, 0, 0, s.loc)
	} else {
		floor = local.Truncate(step)
	}
	return floor.Add(step)
}

// Package alertgroup matches alerts to groups and turns a group's
// notification rules into per-person deliveries and reminder records.
package alertgroup

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-notifier/internal/during"
	"github.com/t77yq/alert-notifier/internal/model"
	"github.com/t77yq/alert-notifier/internal/person"
)

// Predicate decides whether an alert belongs to a group
type Predicate func(alert model.Alert) bool

// FieldMatcher builds a predicate requiring every named alert field to match
// its regular expression. An empty map matches everything.
func FieldMatcher(patterns map[string]string) (Predicate, error) {
	type fieldRe struct {
		field string
		re    *regexp.Regexp
	}
	var res []fieldRe
	for field, pattern := range patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to compile pattern for %s: %w", field, err)
		}
		res = append(res, fieldRe{field: field, re: re})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].field < res[j].field })

	return func(alert model.Alert) bool {
		for _, fr := range res {
			v, ok := alert.Field(fr.field)
			if !ok || !fr.re.MatchString(v) {
				return false
			}
		}
		return true
	}, nil
}

// Target is a person or a people list named by a rule
type Target struct {
	Name   string
	IsList bool
}

func (t Target) String() string {
	if t.IsList {
		return "list:" + t.Name
	}
	return t.Name
}

// Rule is one notification clause of a group
type Rule struct {
	// ID is "<group>/<index>" and survives in reminder records
	ID      string
	Targets []Target
	// During gates the rule; nil is always true
	During during.Expr
	// Period is the reminder interval; zero never reminds
	Period time.Duration
}

// RemindAtNext returns when the rule should next remind about alert, as
// seen at now. There is no next time for rules without a period, for alerts
// that are not raised or already acknowledged, or when the during clause
// stays false.
func (r *Rule) RemindAtNext(ctx context.Context, env *during.Env, alert model.Alert, now time.Time) (time.Time, bool) {
	if r.Period <= 0 || alert == nil || !alert.Raised() || alert.Acknowledged() {
		return time.Time{}, false
	}
	return during.NewRunner(env, now, alert, r.During).FindNext(ctx, r.Period)
}

// Group is a named set of alerts sharing notification rules
type Group struct {
	Name  string
	Level model.Level
	// Includes nil matches every alert
	Includes Predicate
	Rules    []*Rule
}

func (g *Group) String() string {
	return fmt.Sprintf("#<AlertGroup:%s (level %s)>", g.Name, g.Level)
}

// Less orders groups most urgent first, then by name
func (g *Group) Less(other *Group) bool {
	a, b := g.Level.Rank(), other.Level.Rank()
	if a != b {
		return a > b
	}
	return g.Name < other.Name
}

// Registry is one loaded configuration: the ordered groups and the people
// they notify. It is immutable once built.
type Registry struct {
	Groups    []*Group
	Directory *person.Directory
	Env       *during.Env
	logger    *zap.Logger
}

// NewRegistry creates a registry. env.Lists should resolve through dir.
func NewRegistry(logger *zap.Logger, groups []*Group, dir *person.Directory, env *during.Env) *Registry {
	return &Registry{
		Groups:    groups,
		Directory: dir,
		Env:       env,
		logger:    logger.Named("alertgroup"),
	}
}

// Group looks up a group by name
func (r *Registry) Group(name string) (*Group, bool) {
	for _, g := range r.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return nil, false
}

// Matches returns the groups whose predicate accepts alert, in registry
// order. The last group is always included as the catch-all.
func (r *Registry) Matches(alert model.Alert) []*Group {
	if len(r.Groups) == 0 {
		return nil
	}
	var groups []*Group
	for _, g := range r.Groups {
		if r.matchesAlert(g, alert) {
			groups = append(groups, g)
		}
	}
	last := r.Groups[len(r.Groups)-1]
	if len(groups) == 0 || groups[len(groups)-1] != last {
		groups = append(groups, last)
	}
	return groups
}

func (r *Registry) matchesAlert(g *Group, alert model.Alert) (matched bool) {
	if alert == nil {
		r.logger.Error("Asked to match a nil alert", zap.String("group", g.Name))
		return false
	}
	if g.Includes == nil {
		return true
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Group predicate failed",
				zap.String("group", g.Name),
				zap.Int64("alert_id", alert.ID()),
				zap.Any("panic", rec))
			matched = false
		}
	}()
	return g.Includes(alert)
}

// Recipients resolves a rule's targets to people at the given time.
// Calendar backed lists contribute whoever the calendar has on duty.
func (r *Registry) Recipients(ctx context.Context, rule *Rule, at time.Time) []*person.Person {
	seen := make(map[string]bool)
	var persons []*person.Person
	add := func(p *person.Person) {
		if p != nil && !seen[p.Username] {
			seen[p.Username] = true
			persons = append(persons, p)
		}
	}

	for _, t := range rule.Targets {
		if !t.IsList {
			p, ok := r.Directory.Person(t.Name)
			if !ok {
				r.logger.Warn("Rule names an unknown person",
					zap.String("rule", rule.ID),
					zap.String("person", t.Name))
				continue
			}
			add(p)
			continue
		}

		list, ok := r.Directory.List(t.Name)
		if !ok {
			r.logger.Warn("Rule names an unknown list",
				zap.String("rule", rule.ID),
				zap.String("list", t.Name))
			continue
		}
		if list.CalendarRef == "" {
			for _, p := range r.Directory.Members(t.Name) {
				add(p)
			}
			continue
		}
		names, _, err := r.Directory.Available(ctx, t.Name, at)
		if err != nil {
			r.logger.Error("Failed to resolve list",
				zap.String("list", t.Name),
				zap.Error(err))
			continue
		}
		for _, name := range names {
			p, _ := r.Directory.Person(name)
			add(p)
		}
	}
	return persons
}

// Targets reports whether rule currently reaches username
func (r *Registry) Targets(ctx context.Context, rule *Rule, username string, at time.Time) (*person.Person, bool) {
	for _, p := range r.Recipients(ctx, rule, at) {
		if p.Username == username {
			return p, true
		}
	}
	return nil, false
}

// Source hands out the current registry
type Source interface {
	Current() *Registry
}

type fixed struct{ r *Registry }

func (f fixed) Current() *Registry { return f.r }

// Fixed returns a Source that always yields r
func Fixed(r *Registry) Source { return fixed{r: r} }

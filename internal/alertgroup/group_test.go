package alertgroup

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alert-notifier/internal/calendar"
	"github.com/t77yq/alert-notifier/internal/clock"
	"github.com/t77yq/alert-notifier/internal/during"
	"github.com/t77yq/alert-notifier/internal/model"
	"github.com/t77yq/alert-notifier/internal/person"
)

var now = time.Date(2011, 8, 1, 10, 0, 0, 0, time.UTC)

func alertFrom(id int64, source string) *model.AlertSnapshot {
	raised := now
	return &model.AlertSnapshot{
		AlertID:      id,
		Source:       source,
		Subject:      source,
		Ref:          "load",
		SummaryText:  "load high",
		Update:       model.UpdateRaised,
		RaisedAtTime: &raised,
	}
}

func mustMatcher(t *testing.T, patterns map[string]string) Predicate {
	t.Helper()
	p, err := FieldMatcher(patterns)
	require.NoError(t, err)
	return p
}

func newTestRegistry(groups []*Group, persons []*person.Person, lists []*person.List, cal calendar.Service) *Registry {
	logger := zap.NewNop()
	dir := person.NewDirectory(logger, cal, persons, lists)
	env := &during.Env{Logger: logger, Calendar: cal, Lists: dir, Location: time.UTC}
	return NewRegistry(logger, groups, dir, env)
}

func names(groups []*Group) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g.Name)
	}
	return out
}

func TestMatches_DefaultOnly(t *testing.T) {
	reg := newTestRegistry([]*Group{{Name: "default", Level: model.LevelNormal}}, nil, nil, nil)

	for i, source := range []string{"host1", "db1", ""} {
		assert.Equal(t, []string{"default"}, names(reg.Matches(alertFrom(int64(i), source))))
	}
}

func TestMatches_OrderAndCatchAll(t *testing.T) {
	dbs := &Group{Name: "dbs", Level: model.LevelUrgent, Includes: mustMatcher(t, map[string]string{"source": "^db"})}
	db1 := &Group{Name: "db1", Level: model.LevelLow, Includes: mustMatcher(t, map[string]string{"source": "^db1$"})}
	fallback := &Group{Name: "default", Level: model.LevelNormal, Includes: func(model.Alert) bool { return false }}
	reg := newTestRegistry([]*Group{db1, dbs, fallback}, nil, nil, nil)

	assert.Equal(t, []string{"db1", "dbs", "default"}, names(reg.Matches(alertFrom(1, "db1"))))
	assert.Equal(t, []string{"dbs", "default"}, names(reg.Matches(alertFrom(2, "db2"))))
	assert.Equal(t, []string{"default"}, names(reg.Matches(alertFrom(3, "web1"))))

	g, ok := reg.Group("dbs")
	require.True(t, ok)
	assert.Same(t, dbs, g)
}

func TestMatches_PanickingPredicate(t *testing.T) {
	broken := &Group{Name: "broken", Includes: func(model.Alert) bool { panic("boom") }}
	fallback := &Group{Name: "default"}
	reg := newTestRegistry([]*Group{broken, fallback}, nil, nil, nil)

	assert.Equal(t, []string{"default"}, names(reg.Matches(alertFrom(1, "host1"))))
}

func TestMatches_Empty(t *testing.T) {
	reg := newTestRegistry(nil, nil, nil, nil)
	assert.Empty(t, reg.Matches(alertFrom(1, "host1")))
}

func TestFieldMatcher(t *testing.T) {
	m := mustMatcher(t, map[string]string{"source": "^web", "summary": "load"})
	assert.True(t, m(alertFrom(1, "web3")))
	assert.False(t, m(alertFrom(1, "db3")))

	unknown := mustMatcher(t, map[string]string{"colour": "red"})
	assert.False(t, unknown(alertFrom(1, "web3")))

	assert.True(t, mustMatcher(t, nil)(alertFrom(1, "web3")))

	_, err := FieldMatcher(map[string]string{"source": "("})
	assert.Error(t, err)
}

func TestGroup_Less(t *testing.T) {
	groups := []*Group{
		{Name: "b", Level: model.LevelNormal},
		{Name: "c", Level: model.LevelUrgent},
		{Name: "a", Level: model.LevelNormal},
		{Name: "d", Level: model.LevelLow},
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Less(groups[j]) })
	assert.Equal(t, []string{"c", "a", "b", "d"}, names(groups))
}

func TestRemindAtNext(t *testing.T) {
	env := &during.Env{Location: time.UTC}
	ctx := context.Background()
	a := alertFrom(1, "host1")

	r := &Rule{Period: 10 * time.Minute}
	next, ok := r.RemindAtNext(ctx, env, a, now)
	require.True(t, ok)
	assert.Equal(t, now.Add(10*time.Minute), next)

	_, ok = (&Rule{}).RemindAtNext(ctx, env, a, now)
	assert.False(t, ok)

	cleared := now
	a.ClearedAt = &cleared
	_, ok = r.RemindAtNext(ctx, env, a, now)
	assert.False(t, ok)
}

func TestRecipients(t *testing.T) {
	cal := calendar.NewStatic()
	cal.AddShift("rota", now.Add(-time.Hour), now.Add(time.Hour), "test3", "nobody")

	persons := []*person.Person{person.New("test1"), person.New("test2"), person.New("test3")}
	lists := []*person.List{
		{Name: "staff", Members: []string{"test1", "test2"}},
		{Name: "oncall", CalendarRef: "rota"},
	}
	reg := newTestRegistry(nil, persons, lists, cal)

	rule := &Rule{ID: "g/0", Targets: []Target{
		{Name: "test2"},
		{Name: "staff", IsList: true},
		{Name: "oncall", IsList: true},
		{Name: "ghost"},
		{Name: "ghosts", IsList: true},
	}}

	var got []string
	for _, p := range reg.Recipients(context.Background(), rule, now) {
		got = append(got, p.Username)
	}
	assert.Equal(t, []string{"test2", "test1", "test3"}, got)

	_, ok := reg.Targets(context.Background(), rule, "test3", now.Add(2*time.Hour))
	assert.False(t, ok)
	p, ok := reg.Targets(context.Background(), rule, "test1", now)
	assert.True(t, ok)
	assert.Equal(t, "test1", p.Username)
}

type sent struct {
	person string
	level  model.Level
	alert  int64
	others int
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeSender) SendAlert(_ context.Context, p *person.Person, level model.Level, alert model.Alert, others []model.Alert) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{person: p.Username, level: level, alert: alert.ID(), others: len(others)})
	return true
}

type fakeRecorder struct {
	byRule      bool
	records     []*model.AlertChangedRecord
	wasRelevant bool
	asked       int
}

func (f *fakeRecorder) Upsert(_ context.Context, rec *model.AlertChangedRecord) error {
	rec.ID = int64(len(f.records) + 1)
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRecorder) WasRelevantWhenRaised(context.Context, *model.AlertChangedRecord) (bool, error) {
	f.asked++
	return f.wasRelevant, nil
}

func (f *fakeRecorder) KeyByRule() bool { return f.byRule }

type fakeRaised []*model.AlertSnapshot

func (f fakeRaised) CurrentlyRaised(context.Context) ([]*model.AlertSnapshot, error) { return f, nil }

func TestDispatcher_FirstGroupOnly(t *testing.T) {
	p1, p2 := person.New("test1"), person.New("test2")
	first := &Group{
		Name:     "web",
		Level:    model.LevelUrgent,
		Includes: mustMatcher(t, map[string]string{"source": "^web"}),
		Rules:    []*Rule{{ID: "web/0", Targets: []Target{{Name: "test1"}}, Period: 10 * time.Minute}},
	}
	second := &Group{
		Name:  "default",
		Level: model.LevelLow,
		Rules: []*Rule{{ID: "default/0", Targets: []Target{{Name: "test2"}}}},
	}
	reg := newTestRegistry([]*Group{first, second}, []*person.Person{p1, p2}, nil, nil)

	sender := &fakeSender{}
	recorder := &fakeRecorder{}
	raised := fakeRaised{alertFrom(1, "web1"), alertFrom(2, "web2"), alertFrom(3, "db1")}
	d := NewDispatcher(zap.NewNop(), Fixed(reg), sender, recorder, raised, clock.NewFake(now))

	d.Notify(context.Background(), []model.Alert{alertFrom(1, "web1"), alertFrom(3, "db1")})

	require.Len(t, sender.sent, 2)
	assert.Equal(t, sent{person: "test1", level: model.LevelUrgent, alert: 1, others: 1}, sender.sent[0])
	assert.Equal(t, sent{person: "test2", level: model.LevelLow, alert: 3, others: 0}, sender.sent[1])

	require.Len(t, recorder.records, 2)
	require.NotNil(t, recorder.records[0].RemindAt)
	assert.Equal(t, now.Add(10*time.Minute), *recorder.records[0].RemindAt)
	assert.Nil(t, recorder.records[1].RemindAt)
}

func TestDispatcher_AggregatesPerPerson(t *testing.T) {
	p1 := person.New("test1")
	lists := []*person.List{{Name: "staff", Members: []string{"test1"}}}
	g := &Group{
		Name:  "default",
		Level: model.LevelNormal,
		Rules: []*Rule{
			{ID: "default/0", Targets: []Target{{Name: "test1"}}, Period: 15 * time.Minute},
			{ID: "default/1", Targets: []Target{{Name: "staff", IsList: true}}, Period: 10 * time.Minute},
			{ID: "default/2", Targets: []Target{{Name: "test1"}}},
		},
	}
	reg := newTestRegistry([]*Group{g}, []*person.Person{p1}, lists, nil)

	sender := &fakeSender{}
	recorder := &fakeRecorder{}
	d := NewDispatcher(zap.NewNop(), Fixed(reg), sender, recorder, nil, clock.NewFake(now))
	d.Notify(context.Background(), []model.Alert{alertFrom(1, "host1")})

	assert.Len(t, sender.sent, 1)
	require.Len(t, recorder.records, 1)
	rec := recorder.records[0]
	assert.Equal(t, "test1", rec.Person)
	assert.Empty(t, rec.Rule)
	assert.True(t, rec.WasRelevant)
	assert.Equal(t, model.UpdateRaised, rec.UpdateType)
	assert.Equal(t, now.Add(10*time.Minute), *rec.RemindAt)

	// per rule
	sender, recorder = &fakeSender{}, &fakeRecorder{byRule: true}
	d = NewDispatcher(zap.NewNop(), Fixed(reg), sender, recorder, nil, clock.NewFake(now))
	d.Notify(context.Background(), []model.Alert{alertFrom(1, "host1")})

	assert.Len(t, sender.sent, 1)
	require.Len(t, recorder.records, 3)
	assert.Equal(t, "default/0", recorder.records[0].Rule)
	assert.Equal(t, now.Add(15*time.Minute), *recorder.records[0].RemindAt)
	assert.Equal(t, now.Add(10*time.Minute), *recorder.records[1].RemindAt)
	assert.Nil(t, recorder.records[2].RemindAt)
}

func TestDispatcher_IrrelevantUpdates(t *testing.T) {
	p1 := person.New("test1")
	never := during.Not(during.Always())
	g := &Group{
		Name:  "default",
		Level: model.LevelNormal,
		Rules: []*Rule{{ID: "default/0", Targets: []Target{{Name: "test1"}}, During: never}},
	}
	reg := newTestRegistry([]*Group{g}, []*person.Person{p1}, nil, nil)

	sender := &fakeSender{}
	recorder := &fakeRecorder{}
	d := NewDispatcher(zap.NewNop(), Fixed(reg), sender, recorder, nil, clock.NewFake(now))

	a := alertFrom(1, "host1")
	d.Notify(context.Background(), []model.Alert{a})
	assert.Empty(t, sender.sent)
	assert.Zero(t, recorder.asked)
	require.Len(t, recorder.records, 1)
	assert.False(t, recorder.records[0].WasRelevant)

	cleared := now
	a.ClearedAt = &cleared
	a.Update = model.UpdateCleared

	d.Notify(context.Background(), []model.Alert{a})
	assert.Empty(t, sender.sent)
	assert.Equal(t, 1, recorder.asked)

	recorder.wasRelevant = true
	d.Notify(context.Background(), []model.Alert{a})
	assert.Len(t, sender.sent, 1)
}

func TestDispatcher_GroupWithoutRules(t *testing.T) {
	reg := newTestRegistry([]*Group{{Name: "default"}}, nil, nil, nil)
	sender := &fakeSender{}
	recorder := &fakeRecorder{}
	d := NewDispatcher(zap.NewNop(), Fixed(reg), sender, recorder, nil, clock.NewFake(now))

	d.Notify(context.Background(), []model.Alert{alertFrom(1, "host1")})
	assert.Empty(t, sender.sent)
	assert.Empty(t, recorder.records)
}

package person

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/alert-notifier/internal/calendar"
	"github.com/t77yq/alert-notifier/internal/channel"
	"github.com/t77yq/alert-notifier/internal/clock"
	"github.com/t77yq/alert-notifier/internal/model"
	"github.com/t77yq/alert-notifier/internal/storage"
)

var start = time.Date(2011, 8, 1, 10, 0, 0, 0, time.UTC)

func raisedAlert(id int64) *model.AlertSnapshot {
	raised := start
	return &model.AlertSnapshot{
		AlertID:      id,
		Source:       "host1",
		Subject:      "host1",
		Ref:          "disk",
		SummaryText:  "disk full",
		Update:       model.UpdateRaised,
		RaisedAtTime: &raised,
	}
}

type fixture struct {
	notifier *Notifier
	email    *channel.LogChannel
	sms      *channel.LogChannel
	store    *storage.MemoryStore
	clock    *clock.Fake
}

func newFixture() *fixture {
	logger := zap.NewNop()
	f := &fixture{
		email: channel.NewLogChannel(logger, "email", 0),
		sms:   channel.NewLogChannel(logger, "sms", 0),
		store: storage.NewMemoryStore(),
		clock: clock.NewFake(start),
	}
	f.notifier = NewNotifier(logger, channel.NewRegistry(f.email, f.sms), f.store, f.clock)
	return f
}

func (f *fixture) history(t *testing.T, alertID int64) []string {
	t.Helper()
	entries, err := f.store.History(context.Background(), alertID)
	require.NoError(t, err)
	var events []string
	for _, e := range entries {
		events = append(events, e.Event)
	}
	return events
}

func newPerson(t *testing.T, name string, limits map[time.Duration]int, steps ...string) *Person {
	t.Helper()
	p := New(name)
	p.Contacts["email"] = name + "@example.com"
	p.Contacts["sms"] = "447700900000"
	block, err := ParseBlock(steps)
	require.NoError(t, err)
	for _, level := range model.Levels {
		p.Blocks[level] = block
	}
	p.Thresholds = NewThresholds(limits)
	return p
}

func TestThresholds_SingleSlotNeverSuppresses(t *testing.T) {
	th := NewThresholds(map[time.Duration]int{time.Minute: 1})
	for i := 0; i < 10; i++ {
		now := start.Add(time.Duration(i) * time.Second)
		assert.False(t, th.Suppressed(now, false))
		th.Record(now)
	}
}

func TestThresholds_SecondMostRecent(t *testing.T) {
	th := NewThresholds(map[time.Duration]int{time.Minute: 2})

	assert.False(t, th.Suppressed(start, false))
	th.Record(start)
	assert.False(t, th.Suppressed(start.Add(time.Second), false))
	th.Record(start.Add(time.Second))

	assert.True(t, th.Suppressed(start.Add(30*time.Second), false))
	assert.False(t, th.Suppressed(start.Add(61*time.Second), false))
	// still within a minute of the last send
	assert.True(t, th.Suppressed(start.Add(61*time.Second), true))
	assert.False(t, th.Suppressed(start.Add(2*time.Minute), true))
}

func TestThresholds_Limits(t *testing.T) {
	a := NewThresholds(map[time.Duration]int{time.Minute: 3, time.Hour: 10})
	b := NewThresholds(map[time.Duration]int{time.Hour: 10, time.Minute: 3})
	c := NewThresholds(map[time.Duration]int{time.Hour: 5})

	assert.Equal(t, map[time.Duration]int{time.Minute: 3, time.Hour: 10}, a.Limits())
	assert.True(t, a.SameLimits(b))
	assert.False(t, a.SameLimits(c))
	assert.Empty(t, NewThresholds(map[time.Duration]int{time.Minute: 0}).Limits())
}

func TestParseBlock(t *testing.T) {
	block, err := ParseBlock([]string{"sms || Email:ops@example.com", "email"})
	require.NoError(t, err)
	require.Len(t, block, 2)

	assert.Equal(t, Step{{Channel: "sms"}, {Channel: "email", Destination: "ops@example.com"}}, block[0])
	assert.Equal(t, "sms || email:ops@example.com", block[0].String())
	assert.Equal(t, []string{"sms", "email"}, block.Channels())

	for _, bad := range [][]string{nil, {""}, {"sms ||"}, {":x"}} {
		_, err := ParseBlock(bad)
		assert.ErrorIs(t, err, ErrInvalidBlock, "%q", bad)
	}
}

func TestNotifier_Delivers(t *testing.T) {
	f := newFixture()
	p := newPerson(t, "test1", nil, "email")

	ok := f.notifier.SendAlert(context.Background(), p, model.LevelUrgent, raisedAlert(1), nil)
	assert.True(t, ok)

	deliveries := f.email.Deliveries()
	require.Len(t, deliveries, 1)
	assert.Equal(t, "test1@example.com", deliveries[0].Destination)
	assert.Equal(t, []string{"Raised email notification to test1 (test1@example.com) succeeded"}, f.history(t, 1))
}

func TestNotifier_FallbackChain(t *testing.T) {
	f := newFixture()
	p := newPerson(t, "test1", nil, "sms || email")
	f.sms.FailFor("447700900000", true)

	ok := f.notifier.SendAlert(context.Background(), p, model.LevelUrgent, raisedAlert(1), nil)
	assert.True(t, ok)
	assert.Empty(t, f.sms.Deliveries())
	assert.Len(t, f.email.Deliveries(), 1)
	assert.Equal(t, []string{
		"Raised sms notification to test1 (447700900000) failed",
		"Raised email notification to test1 (test1@example.com) succeeded",
	}, f.history(t, 1))
}

func TestNotifier_EveryStepRuns(t *testing.T) {
	f := newFixture()
	p := newPerson(t, "test1", nil, "sms", "email:ops@example.com")

	ok := f.notifier.SendAlert(context.Background(), p, model.LevelUrgent, raisedAlert(1), nil)
	assert.True(t, ok)
	assert.Len(t, f.sms.Deliveries(), 1)
	require.Len(t, f.email.Deliveries(), 1)
	assert.Equal(t, "ops@example.com", f.email.Deliveries()[0].Destination)
}

func TestNotifier_AllFail(t *testing.T) {
	f := newFixture()
	p := newPerson(t, "test1", map[time.Duration]int{time.Minute: 2}, "sms || xmpp")
	f.sms.FailFor("447700900000", true)

	for i := 0; i < 3; i++ {
		assert.False(t, f.notifier.SendAlert(context.Background(), p, model.LevelUrgent, raisedAlert(1), nil))
	}
	// failures are not counted against the rate limit
	assert.False(t, p.Suppressed())

	events := f.history(t, 1)
	require.Len(t, events, 6)
	assert.Equal(t, "Raised xmpp notification to test1 () failed", events[1])
}

func TestNotifier_NoBlockForLevel(t *testing.T) {
	f := newFixture()
	p := New("test1")

	assert.False(t, f.notifier.SendAlert(context.Background(), p, model.LevelLow, raisedAlert(1), nil))
	assert.Empty(t, f.history(t, 1))
}

func TestNotifier_Suppression(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	p := newPerson(t, "test1", map[time.Duration]int{time.Minute: 2}, "email")

	send := func() bool { return f.notifier.SendAlert(ctx, p, model.LevelUrgent, raisedAlert(1), nil) }

	// two sends fill the minute, the third announces suppression
	assert.True(t, send())
	f.clock.Advance(time.Second)
	assert.True(t, send())
	f.clock.Advance(time.Second)
	assert.True(t, send())

	deliveries := f.email.Deliveries()
	require.Len(t, deliveries, 3)
	assert.True(t, deliveries[2].Conditions.SuppressionStarted())
	assert.True(t, strings.HasPrefix(deliveries[2].Message, "TOO MUCH NOISE!"))
	assert.True(t, p.Suppressed())

	// withheld while still suppressed
	f.clock.Advance(time.Second)
	assert.True(t, send())
	assert.Len(t, f.email.Deliveries(), 3)
	events := f.history(t, 1)
	assert.Equal(t, "Raised notification to test1 suppressed", events[len(events)-1])

	// quiet for longer than the period
	f.clock.Advance(2 * time.Minute)
	assert.True(t, send())
	deliveries = f.email.Deliveries()
	require.Len(t, deliveries, 4)
	assert.True(t, deliveries[3].Conditions.SuppressionEnded())
	assert.True(t, strings.HasPrefix(deliveries[3].Message, "BACK TO NORMAL"))
	assert.False(t, p.Suppressed())
}

func TestNotifier_ConcurrentSends(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	p := newPerson(t, "test1", map[time.Duration]int{time.Hour: 3}, "email")

	const senders = 20
	var wg sync.WaitGroup
	results := make(chan bool, senders)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			results <- f.notifier.SendAlert(ctx, p, model.LevelUrgent, raisedAlert(id), nil)
		}(int64(i + 1))
	}
	wg.Wait()
	close(results)
	for ok := range results {
		assert.True(t, ok)
	}

	// sends are serialized per person: three fill the hour, the rest are withheld
	deliveries := f.email.Deliveries()
	require.Len(t, deliveries, 3)
	started := 0
	for _, d := range deliveries {
		if d.Conditions.SuppressionStarted() {
			started++
		}
	}
	assert.Equal(t, 1, started)
	assert.True(t, p.Suppressed())

	require.Len(t, p.Thresholds.periods, 1)
	for _, at := range p.Thresholds.periods[0].times {
		assert.True(t, at.Equal(start), "recorded %s", at)
	}

	succeeded, suppressed := 0, 0
	for id := int64(1); id <= senders; id++ {
		for _, event := range f.history(t, id) {
			switch {
			case strings.HasSuffix(event, "succeeded"):
				succeeded++
			case strings.HasSuffix(event, "suppressed"):
				suppressed++
			}
		}
	}
	assert.Equal(t, 3, succeeded)
	assert.Equal(t, senders-3, suppressed)
}

func TestPerson_InheritState(t *testing.T) {
	f := newFixture()
	limits := map[time.Duration]int{time.Minute: 2}
	old := newPerson(t, "test1", limits, "email")
	for i := 0; i < 3; i++ {
		f.notifier.SendAlert(context.Background(), old, model.LevelUrgent, raisedAlert(1), nil)
	}
	require.True(t, old.Suppressed())

	same := newPerson(t, "test1", limits, "email")
	assert.True(t, same.InheritState(old))
	assert.True(t, same.Suppressed())
	assert.True(t, same.Thresholds.Suppressed(f.clock.Now(), true))

	changed := newPerson(t, "test1", map[time.Duration]int{time.Minute: 5}, "email")
	assert.False(t, changed.InheritState(old))
	assert.False(t, changed.Suppressed())
}

func TestDirectory_Available(t *testing.T) {
	ctx := context.Background()
	cal := calendar.NewStatic()
	cal.SetOnHoliday("holidays/test2", "test2", true)
	cal.AddShift("rota/ops", start, start.Add(time.Hour), "test3")

	test2 := New("test2")
	test2.HolidayRef = "holidays/test2"
	dir := NewDirectory(zap.NewNop(), cal,
		[]*Person{New("test1"), test2, New("test3")},
		[]*List{
			{Name: "staff", Members: []string{"test1", "test2"}},
			{Name: "oncall", CalendarRef: "rota/ops"},
		})

	people, ok, err := dir.Available(ctx, "staff", start)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"test1"}, people)

	people, ok, err = dir.Available(ctx, "oncall", start.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"test3"}, people)

	people, ok, err = dir.Available(ctx, "oncall", start.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, people)

	_, ok, err = dir.Available(ctx, "nobody", start)
	assert.NoError(t, err)
	assert.False(t, ok)

	assert.Len(t, dir.Members("staff"), 2)
	assert.Nil(t, dir.Members("oncall"))
}

func TestDirectory_CalendarListWithoutCalendar(t *testing.T) {
	dir := NewDirectory(zap.NewNop(), nil, nil, []*List{{Name: "oncall", CalendarRef: "rota/ops"}})
	_, ok, err := dir.Available(context.Background(), "oncall", start)
	assert.True(t, ok)
	assert.Error(t, err)
}

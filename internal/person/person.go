// Package person holds the people alerts are sent to, their notification
// preferences and rate limits, and the people lists that group them.
package person

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/alert-notifier/internal/calendar"
	"github.com/t77yq/alert-notifier/internal/model"
)

// Person is a recipient of notifications
type Person struct {
	Username string
	// HolidayRef locates the person's holiday list in the calendar
	HolidayRef string
	// Contacts maps a channel name to the person's destination on it
	Contacts   map[string]string
	Blocks     map[model.Level]Block
	Thresholds *Thresholds

	// mu serializes sends to this person and guards suppressed
	mu         sync.Mutex
	suppressed bool
}

// New creates a person with no rate limit
func New(username string) *Person {
	return &Person{
		Username:   username,
		Contacts:   make(map[string]string),
		Blocks:     make(map[model.Level]Block),
		Thresholds: NewThresholds(nil),
	}
}

// Destination returns the person's contact for channel
func (p *Person) Destination(channel string) string {
	return p.Contacts[channel]
}

// Block returns the notification block for level
func (p *Person) Block(level model.Level) (Block, bool) {
	b, ok := p.Blocks[level]
	return b, ok
}

// Suppressed reports whether notifications to the person are being withheld
func (p *Person) Suppressed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suppressed
}

// InheritState carries rate-limit history over from the same person in a
// previous configuration. Nothing is carried when the limits changed.
func (p *Person) InheritState(old *Person) bool {
	if old == nil || old == p || !p.Thresholds.SameLimits(old.Thresholds) {
		return false
	}
	old.mu.Lock()
	defer old.mu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Thresholds.inherit(old.Thresholds)
	p.suppressed = old.suppressed
	return true
}

func (p *Person) String() string {
	return fmt.Sprintf("#<Person:%s>", p.Username)
}

// List is a named group of people. A list backed by a calendar reference
// takes its members from the calendar at the time of asking.
type List struct {
	Name        string
	Members     []string
	CalendarRef string
}

// Directory resolves person and list names
type Directory struct {
	logger   *zap.Logger
	calendar calendar.Service
	persons  map[string]*Person
	lists    map[string]*List
}

// NewDirectory creates a directory. cal may be nil when no calendar is configured.
func NewDirectory(logger *zap.Logger, cal calendar.Service, persons []*Person, lists []*List) *Directory {
	d := &Directory{
		logger:   logger.Named("directory"),
		calendar: cal,
		persons:  make(map[string]*Person, len(persons)),
		lists:    make(map[string]*List, len(lists)),
	}
	for _, p := range persons {
		d.persons[p.Username] = p
	}
	for _, l := range lists {
		d.lists[l.Name] = l
	}
	return d
}

// Person looks up a person by username
func (d *Directory) Person(username string) (*Person, bool) {
	p, ok := d.persons[username]
	return p, ok
}

// List looks up a people list by name
func (d *Directory) List(name string) (*List, bool) {
	l, ok := d.lists[name]
	return l, ok
}

// Persons returns every person, by username
func (d *Directory) Persons() []*Person {
	persons := make([]*Person, 0, len(d.persons))
	for _, p := range d.persons {
		persons = append(persons, p)
	}
	sort.Slice(persons, func(i, j int) bool { return persons[i].Username < persons[j].Username })
	return persons
}

// Members returns the configured persons of a static list. Calendar backed
// lists have no static members.
func (d *Directory) Members(list string) []*Person {
	l, ok := d.lists[list]
	if !ok {
		return nil
	}
	var persons []*Person
	for _, name := range l.Members {
		if p, ok := d.persons[name]; ok {
			persons = append(persons, p)
		}
	}
	return persons
}

// Available returns who on list can be reached at the given time: the
// calendar's attendees for calendar backed lists, otherwise the members that
// are not on holiday. A failed holiday lookup counts the person as present.
func (d *Directory) Available(ctx context.Context, list string, at time.Time) ([]string, bool, error) {
	l, ok := d.lists[list]
	if !ok {
		return nil, false, nil
	}

	if l.CalendarRef != "" {
		if d.calendar == nil {
			return nil, true, fmt.Errorf("list %s needs a calendar but none is configured", list)
		}
		people, err := d.calendar.Attendees(ctx, l.CalendarRef, at)
		if err != nil {
			return nil, true, fmt.Errorf("failed to get attendees of %s: %w", list, err)
		}
		return people, true, nil
	}

	var people []string
	for _, name := range l.Members {
		if d.onHoliday(ctx, name) {
			continue
		}
		people = append(people, name)
	}
	return people, true, nil
}

func (d *Directory) onHoliday(ctx context.Context, username string) bool {
	p, ok := d.persons[username]
	if !ok || p.HolidayRef == "" || d.calendar == nil {
		return false
	}
	away, err := d.calendar.IsUserOnHoliday(ctx, p.HolidayRef, username)
	if err != nil {
		d.logger.Error("Failed to check holiday calendar",
			zap.String("person", username),
			zap.Error(err))
		return false
	}
	return away
}

// Package calendar looks up shift attendance, personal holidays and bank
// holidays from the company calendar.
package calendar

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DateLayout is the wire format of calendar dates
const DateLayout = "2006-01-02"

// Service answers calendar questions. Callers decide what a failed lookup means.
type Service interface {
	IsUserOnHoliday(ctx context.Context, ref, username string) (bool, error)
	Attendees(ctx context.Context, listRef string, at time.Time) ([]string, error)
	// BankHolidays returns the bank holidays between from and to, inclusive
	BankHolidays(ctx context.Context, from, to time.Time) ([]time.Time, error)
}

// Static is an in-memory calendar, used when no calendar URL is configured
type Static struct {
	mu        sync.RWMutex
	holidays  map[string]bool
	onHoliday map[string]map[string]bool
	shifts    map[string][]Shift
}

// Shift is a block of time during which a set of people attend a list
type Shift struct {
	From   time.Time
	To     time.Time
	People []string
}

// NewStatic creates a calendar knowing the given bank holidays
func NewStatic(bankHolidays ...time.Time) *Static {
	s := &Static{
		holidays:  make(map[string]bool),
		onHoliday: make(map[string]map[string]bool),
		shifts:    make(map[string][]Shift),
	}
	for _, day := range bankHolidays {
		s.holidays[day.Format(DateLayout)] = true
	}
	return s
}

// AddBankHoliday marks the calendar date of day as a bank holiday
func (s *Static) AddBankHoliday(day time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holidays[day.Format(DateLayout)] = true
}

// SetOnHoliday records whether username is on holiday in the calendar ref
func (s *Static) SetOnHoliday(ref, username string, away bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onHoliday[ref] == nil {
		s.onHoliday[ref] = make(map[string]bool)
	}
	s.onHoliday[ref][username] = away
}

// AddShift records people attending listRef during [from, to)
func (s *Static) AddShift(listRef string, from, to time.Time, people ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shifts[listRef] = append(s.shifts[listRef], Shift{From: from, To: to, People: people})
}

func (s *Static) IsUserOnHoliday(_ context.Context, ref, username string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onHoliday[ref][username], nil
}

func (s *Static) Attendees(_ context.Context, listRef string, at time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var people []string
	for _, shift := range s.shifts[listRef] {
		if at.Before(shift.From) || !at.Before(shift.To) {
			continue
		}
		for _, p := range shift.People {
			if !seen[p] {
				seen[p] = true
				people = append(people, p)
			}
		}
	}
	sort.Strings(people)
	return people, nil
}

func (s *Static) BankHolidays(_ context.Context, from, to time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var days []time.Time
	for key := range s.holidays {
		day, err := time.ParseInLocation(DateLayout, key, from.Location())
		if err != nil {
			continue
		}
		if day.Before(truncateDay(from)) || day.After(truncateDay(to)) {
			continue
		}
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// SameDate reports whether a and b fall on the same calendar date
func SameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

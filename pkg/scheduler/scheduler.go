// Package scheduler computes the next fire instant for each cycle kind
// and owns the per-kind timers that arm and re-arm around a cycle run.
package scheduler

import (
	"sync"
	"time"

	"github.com/cgast/autonomy/internal/clock"
	"github.com/cgast/autonomy/pkg/cycle"
)

// Spec is a per-kind schedule: time of day plus, for Weekly/Monthly, the
// day selector.
type Spec struct {
	Hour       int
	Minute     int
	DayOfWeek  time.Weekday // Weekly only
	DayOfMonth int          // Monthly only, 1-31; clamped to the month's last valid day
}

// DefaultSpecs returns the contract's default schedule: Daily 02:00,
// Weekly Sunday 03:00, Monthly day 1 at 04:00.
func DefaultSpecs() map[cycle.Kind]Spec {
	return map[cycle.Kind]Spec{
		cycle.Daily:   {Hour: 2, Minute: 0},
		cycle.Weekly:  {Hour: 3, Minute: 0, DayOfWeek: time.Sunday},
		cycle.Monthly: {Hour: 4, Minute: 0, DayOfMonth: 1},
	}
}

// Next computes the next fire instant strictly after now for kind using
// spec. Non-existent days (e.g. day 31 in a 30-day month, or Feb 30) round
// down to the last valid day of the target month.
func Next(kind cycle.Kind, spec Spec, now time.Time) time.Time {
	switch kind {
	case cycle.Daily:
		return nextDaily(spec, now)
	case cycle.Weekly:
		return nextWeekly(spec, now)
	case cycle.Monthly:
		return nextMonthly(spec, now)
	default:
		return now
	}
}

func atTime(day time.Time, spec Spec) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), spec.Hour, spec.Minute, 0, 0, day.Location())
}

func nextDaily(spec Spec, now time.Time) time.Time {
	candidate := atTime(now, spec)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func nextWeekly(spec Spec, now time.Time) time.Time {
	candidate := atTime(now, spec)
	daysUntil := int(spec.DayOfWeek) - int(candidate.Weekday())
	if daysUntil < 0 {
		daysUntil += 7
	}
	candidate = candidate.AddDate(0, 0, daysUntil)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}

func nextMonthly(spec Spec, now time.Time) time.Time {
	candidate := monthDay(now.Year(), now.Month(), spec.DayOfMonth, spec, now.Location())
	if !candidate.After(now) {
		year, month := now.Year(), now.Month()+1
		if month > 12 {
			month = 1
			year++
		}
		candidate = monthDay(year, month, spec.DayOfMonth, spec, now.Location())
	}
	return candidate
}

// monthDay builds a date in (year, month) at spec's time of day, clamping
// day to the last valid day of that month when it overruns (e.g. day 31
// requested in a 30-day month, or day 30 in February).
func monthDay(year int, month time.Month, day int, spec Spec, loc *time.Location) time.Time {
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
	if day > lastDay {
		day = lastDay
	}
	if day < 1 {
		day = 1
	}
	return time.Date(year, month, day, spec.Hour, spec.Minute, 0, 0, loc)
}

// FireFunc runs one cycle kind's battery. Returning leaves it to the
// caller to re-arm via Scheduler, which Scheduler does automatically
// after FireFunc returns.
type FireFunc func(kind cycle.Kind)

// Scheduler owns one timer per cycle kind, re-arming it after each fire.
type Scheduler struct {
	mu     sync.Mutex
	clock  clock.Clock
	specs  map[cycle.Kind]Spec
	timers map[cycle.Kind]*time.Timer
	fire   FireFunc
}

// New creates a Scheduler using specs (falling back to DefaultSpecs for
// any kind not present) that invokes fire when a kind's timer elapses.
func New(clk clock.Clock, specs map[cycle.Kind]Spec, fire FireFunc) *Scheduler {
	if clk == nil {
		clk = clock.System{}
	}
	merged := DefaultSpecs()
	for k, v := range specs {
		merged[k] = v
	}
	return &Scheduler{
		clock:  clk,
		specs:  merged,
		timers: make(map[cycle.Kind]*time.Timer),
		fire:   fire,
	}
}

// Arm schedules kind's next fire. Calling Arm on a kind that already has a
// pending timer replaces it.
func (s *Scheduler) Arm(kind cycle.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armLocked(kind)
}

func (s *Scheduler) armLocked(kind cycle.Kind) {
	if t, ok := s.timers[kind]; ok {
		t.Stop()
	}
	spec := s.specs[kind]
	delay := Next(kind, spec, s.clock.Now()).Sub(s.clock.Now())
	if delay < 0 {
		delay = 0
	}
	s.timers[kind] = time.AfterFunc(delay, func() {
		s.fire(kind)
		s.Arm(kind)
	})
}

// ArmAll arms every cycle kind this scheduler knows a spec for.
func (s *Scheduler) ArmAll() {
	for kind := range s.specs {
		s.Arm(kind)
	}
}

// Stop cancels every pending timer. It does not abort an in-progress
// fire.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for kind, t := range s.timers {
		t.Stop()
		delete(s.timers, kind)
	}
}

package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/cgast/autonomy/internal/clock"
	"github.com/cgast/autonomy/pkg/cycle"
)

func TestNextDailyBeforeTimeToday(t *testing.T) {
	spec := Spec{Hour: 2, Minute: 0}
	now := time.Date(2026, 3, 5, 1, 0, 0, 0, time.UTC)
	got := Next(cycle.Daily, spec, now)
	want := time.Date(2026, 3, 5, 2, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestNextDailyAfterTimeTodayRollsOver(t *testing.T) {
	spec := Spec{Hour: 2, Minute: 0}
	now := time.Date(2026, 3, 5, 5, 0, 0, 0, time.UTC)
	got := Next(cycle.Daily, spec, now)
	want := time.Date(2026, 3, 6, 2, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestNextDailyExactlyAtTimeRollsOver(t *testing.T) {
	spec := Spec{Hour: 2, Minute: 0}
	now := time.Date(2026, 3, 5, 2, 0, 0, 0, time.UTC)
	got := Next(cycle.Daily, spec, now)
	want := time.Date(2026, 3, 6, 2, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next at exact boundary = %v, want next day %v", got, want)
	}
}

func TestNextWeeklyFindsUpcomingWeekday(t *testing.T) {
	spec := Spec{Hour: 3, Minute: 0, DayOfWeek: time.Sunday}
	// Wednesday March 4 2026.
	now := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	got := Next(cycle.Weekly, spec, now)
	want := time.Date(2026, 3, 8, 3, 0, 0, 0, time.UTC) // next Sunday
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestNextWeeklySameDayButPastRollsToNextWeek(t *testing.T) {
	spec := Spec{Hour: 3, Minute: 0, DayOfWeek: time.Sunday}
	// Sunday March 8 2026 at 10:00, already past 03:00.
	now := time.Date(2026, 3, 8, 10, 0, 0, 0, time.UTC)
	got := Next(cycle.Weekly, spec, now)
	want := time.Date(2026, 3, 15, 3, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestNextMonthlyThisMonth(t *testing.T) {
	spec := Spec{Hour: 4, Minute: 0, DayOfMonth: 1}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	got := Next(cycle.Monthly, spec, now)
	want := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestNextMonthlyPastRollsToNextMonth(t *testing.T) {
	spec := Spec{Hour: 4, Minute: 0, DayOfMonth: 1}
	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	got := Next(cycle.Monthly, spec, now)
	want := time.Date(2026, 4, 1, 4, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

func TestNextMonthlyClampsNonExistentDay(t *testing.T) {
	spec := Spec{Hour: 4, Minute: 0, DayOfMonth: 31}
	// April has 30 days.
	now := time.Date(2026, 4, 5, 0, 0, 0, 0, time.UTC)
	got := Next(cycle.Monthly, spec, now)
	want := time.Date(2026, 4, 30, 4, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v (clamped to last day of April)", got, want)
	}
}

func TestNextMonthlyClampsFebruary30(t *testing.T) {
	spec := Spec{Hour: 4, Minute: 0, DayOfMonth: 30}
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC) // 2026 is not a leap year
	got := Next(cycle.Monthly, spec, now)
	want := time.Date(2026, 2, 28, 4, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v (clamped to Feb 28)", got, want)
	}
}

func TestSchedulerArmFiresAndRearms(t *testing.T) {
	clk := clock.NewFixed(time.Date(2026, 3, 5, 1, 59, 59, 900_000_000, time.UTC))
	var fires int32
	done := make(chan struct{}, 1)
	s := New(clk, map[cycle.Kind]Spec{cycle.Daily: {Hour: 2, Minute: 0}}, func(kind cycle.Kind) {
		if atomic.AddInt32(&fires, 1) == 2 {
			done <- struct{}{}
		}
	})
	s.Arm(cycle.Daily)
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire and re-arm in time")
	}
	if atomic.LoadInt32(&fires) < 2 {
		t.Error("expected a second fire after re-arming")
	}
}

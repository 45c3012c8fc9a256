package tzdate

import (
	"testing"
	"time"
)

func mustZone(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := LoadZone(name)
	if err != nil {
		t.Fatalf("LoadZone(%q): %v", name, err)
	}
	return loc
}

func TestLoadZoneInvalid(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"", "Mars/Olympus", "not a zone"} {
		if _, err := LoadZone(name); err == nil {
			t.Fatalf("LoadZone(%q): expected error", name)
		}
	}
}

func TestStartOfYesterday(t *testing.T) {
	t.Parallel()
	kolkata := mustZone(t, "Asia/Kolkata")

	// 2024-03-15T03:00:00Z is 08:30 on Mar 15 in Kolkata;
	// yesterday starts at local midnight Mar 14 = 2024-03-13T18:30:00Z.
	ref := time.Date(2024, 3, 15, 3, 0, 0, 0, time.UTC)
	got := StartOfYesterday(kolkata, ref)

	want := time.Date(2024, 3, 14, 0, 0, 0, 0, kolkata)
	if !got.Equal(want) {
		t.Fatalf("StartOfYesterday = %v, want %v", got, want)
	}
	if utc := got.UTC(); !utc.Equal(time.Date(2024, 3, 13, 18, 30, 0, 0, time.UTC)) {
		t.Fatalf("UTC instant = %v, want 2024-03-13T18:30:00Z", utc)
	}
}

func TestStartOfWeekAlwaysMonday(t *testing.T) {
	t.Parallel()
	loc := mustZone(t, "Europe/Berlin")

	// Walk a full week of reference days; the result must stay pinned to
	// Monday local midnight.
	for d := 0; d < 7; d++ {
		ref := time.Date(2024, 5, 13+d, 17, 45, 0, 0, time.UTC) // Mon..Sun
		for weeksAgo := 0; weeksAgo < 3; weeksAgo++ {
			got := StartOfWeek(loc, ref, weeksAgo)
			if got.Weekday() != time.Monday {
				t.Fatalf("StartOfWeek(ref=%v, %d) = %v (%v), want a Monday", ref, weeksAgo, got, got.Weekday())
			}
			if h, m, s := got.Clock(); h != 0 || m != 0 || s != 0 {
				t.Fatalf("StartOfWeek(ref=%v, %d) = %v, want local midnight", ref, weeksAgo, got)
			}
		}
	}

	// 2024-05-15 is a Wednesday; one week ago Monday is 2024-05-06.
	ref := time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC)
	got := StartOfWeek(loc, ref, 1)
	want := time.Date(2024, 5, 6, 0, 0, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("StartOfWeek = %v, want %v", got, want)
	}
}

func TestAddDaysAcrossDST(t *testing.T) {
	t.Parallel()
	ny := mustZone(t, "America/New_York")

	// US DST starts 2024-03-10: that local day is only 23 hours long.
	start := time.Date(2024, 3, 10, 0, 0, 0, 0, ny)
	end := AddDays(start, 1)
	if got := end.Sub(start); got != 23*time.Hour {
		t.Fatalf("spring-forward day span = %v, want 23h", got)
	}

	// DST ends 2024-11-03: that local day is 25 hours long.
	start = time.Date(2024, 11, 3, 0, 0, 0, 0, ny)
	end = AddDays(start, 1)
	if got := end.Sub(start); got != 25*time.Hour {
		t.Fatalf("fall-back day span = %v, want 25h", got)
	}

	// Wall clock is preserved either way.
	if h, m, _ := end.Clock(); h != 0 || m != 0 {
		t.Fatalf("AddDays changed wall clock: %v", end)
	}
}

func TestLocalDate(t *testing.T) {
	t.Parallel()
	kolkata := mustZone(t, "Asia/Kolkata")
	// 2024-03-13T18:30:00Z is already Mar 14 in Kolkata.
	instant := time.Date(2024, 3, 13, 18, 30, 0, 0, time.UTC)
	if got := LocalDate(instant.In(kolkata)); got != "2024-03-14" {
		t.Fatalf("LocalDate = %q, want 2024-03-14", got)
	}
}

package render

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/vvaswani/sugar/internal/report"
	"github.com/vvaswani/sugar/internal/store"
)

func TestRenderDailyPDF(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}

	start := time.Date(2024, 3, 13, 18, 30, 0, 0, time.UTC)
	in := Input{
		UserName: "Asha",
		Cadence:  report.CadenceDaily,
		Timezone: "Asia/Kolkata",
		Location: loc,
		StartUTC: start,
		EndUTC:   start.Add(24 * time.Hour),
		Readings: []store.Reading{
			{Value: 92.5, Type: store.ReadingFasting, CreatedAt: start.Add(2 * time.Hour)},
			{Value: 140.0, Type: store.ReadingPostPrandial, CreatedAt: start.Add(8 * time.Hour)},
		},
		Average: 116.25,
	}

	out, err := NewPDF().Render(context.Background(), in)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !bytes.HasPrefix(out, []byte("%PDF")) {
		t.Fatalf("output does not look like a PDF: %q...", out[:min(16, len(out))])
	}
}

func TestRenderWeeklyWithAnalysis(t *testing.T) {
	t.Parallel()
	start := time.Date(2024, 4, 29, 0, 0, 0, 0, time.UTC)
	in := Input{
		UserName: "Ben",
		Cadence:  report.CadenceWeekly,
		Timezone: "UTC",
		Location: time.UTC,
		StartUTC: start,
		EndUTC:   start.AddDate(0, 0, 7),
		Readings: []store.Reading{
			{Value: 101, Type: store.ReadingRandom, CreatedAt: start.Add(30 * time.Hour)},
		},
		Average:  101,
		Analysis: "Readings look stable across the week.",
	}

	out, err := NewPDF().Render(context.Background(), in)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(out) == 0 || !bytes.HasPrefix(out, []byte("%PDF")) {
		t.Fatal("empty or non-PDF output")
	}
}

func TestTypeLabel(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		store.ReadingFasting:      "Fasting",
		store.ReadingPostPrandial: "Post-prandial",
		store.ReadingRandom:       "Random",
		"unknown":                 "Random",
	}
	for in, want := range cases {
		if got := typeLabel(in); got != want {
			t.Fatalf("typeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

// Package render turns an aggregated reading window into a PDF document.
package render

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/vvaswani/sugar/internal/report"
	"github.com/vvaswani/sugar/internal/store"
)

// Input is everything a report document shows. Reading timestamps are UTC;
// the renderer presents them in Location.
type Input struct {
	UserName  string
	Cadence   report.Cadence
	Timezone  string
	Location  *time.Location
	StartUTC  time.Time
	EndUTC    time.Time
	Readings  []store.Reading
	Average   float64
	Analysis  string // optional narrative, weekly reports
}

// Renderer produces the stored document bytes.
type Renderer interface {
	Render(ctx context.Context, in Input) ([]byte, error)
}

// PDF renders A4 portrait documents.
type PDF struct{}

func NewPDF() *PDF { return &PDF{} }

func typeLabel(t string) string {
	switch t {
	case store.ReadingFasting:
		return "Fasting"
	case store.ReadingPostPrandial:
		return "Post-prandial"
	default:
		return "Random"
	}
}

func (p *PDF) Render(ctx context.Context, in Input) ([]byte, error) {
	if in.Location == nil {
		in.Location = time.UTC
	}

	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetTitle("Glucose Report", false)
	doc.AddPage()

	title := "Daily Glucose Report"
	if in.Cadence == report.CadenceWeekly {
		title = "Weekly Glucose Report"
	}
	doc.SetFont("Helvetica", "B", 16)
	doc.CellFormat(0, 10, title, "", 1, "C", false, 0, "")

	start := in.StartUTC.In(in.Location)
	// The half-open window ends at midnight of the following day; show the
	// last day it covers instead.
	end := in.EndUTC.In(in.Location).AddDate(0, 0, -1)

	doc.SetFont("Helvetica", "", 11)
	doc.CellFormat(0, 7, fmt.Sprintf("Name: %s", in.UserName), "", 1, "L", false, 0, "")
	if in.Cadence == report.CadenceWeekly {
		doc.CellFormat(0, 7, fmt.Sprintf("Period: %s to %s", start.Format("02 Jan 2006"), end.Format("02 Jan 2006")), "", 1, "L", false, 0, "")
	} else {
		doc.CellFormat(0, 7, fmt.Sprintf("Date: %s", start.Format("2006-01-02")), "", 1, "L", false, 0, "")
	}
	doc.CellFormat(0, 7, fmt.Sprintf("Timezone: %s", in.Timezone), "", 1, "L", false, 0, "")
	doc.CellFormat(0, 7, fmt.Sprintf("Average glucose: %.2f", in.Average), "", 1, "L", false, 0, "")
	doc.Ln(4)

	// Readings table.
	doc.SetFont("Helvetica", "B", 10)
	doc.CellFormat(60, 8, "Time", "1", 0, "L", false, 0, "")
	doc.CellFormat(40, 8, "Value", "1", 0, "R", false, 0, "")
	doc.CellFormat(50, 8, "Type", "1", 1, "L", false, 0, "")

	doc.SetFont("Helvetica", "", 10)
	for _, r := range in.Readings {
		at := r.CreatedAt.In(in.Location)
		doc.CellFormat(60, 7, at.Format("02 Jan 2006 15:04"), "1", 0, "L", false, 0, "")
		doc.CellFormat(40, 7, fmt.Sprintf("%.1f", r.Value), "1", 0, "R", false, 0, "")
		doc.CellFormat(50, 7, typeLabel(r.Type), "1", 1, "L", false, 0, "")
	}

	if in.Analysis != "" {
		doc.Ln(6)
		doc.SetFont("Helvetica", "B", 11)
		doc.CellFormat(0, 7, "Analysis", "", 1, "L", false, 0, "")
		doc.SetFont("Helvetica", "", 10)
		doc.MultiCell(0, 5, in.Analysis, "", "L", false)
	}

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

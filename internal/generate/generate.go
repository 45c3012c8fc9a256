// Package generate is the report consumer: it turns a dispatched report task
// into a stored PDF and a reports-table record. Tasks arrive from the queue
// with at-least-once delivery, so every step tolerates re-execution.
package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vvaswani/sugar/internal/analysis"
	"github.com/vvaswani/sugar/internal/objstore"
	"github.com/vvaswani/sugar/internal/queue"
	"github.com/vvaswani/sugar/internal/render"
	"github.com/vvaswani/sugar/internal/report"
	"github.com/vvaswani/sugar/internal/store"
	"github.com/vvaswani/sugar/internal/tzdate"
	"github.com/vvaswani/sugar/pkg/logx"
)

const objectPrefix = "reports/"

// Generator consumes report tasks. Summarizer may be analysis.Disabled; the
// narrative then degrades to analysis.Placeholder.
type Generator struct {
	store    *store.Store
	objects  objstore.Store
	renderer render.Renderer
	summary  analysis.Summarizer
	log      logx.Logger
}

func New(st *store.Store, objects objstore.Store, renderer render.Renderer, summary analysis.Summarizer, log logx.Logger) *Generator {
	if log.IsZero() {
		log = logx.Nop()
	}
	if summary == nil {
		summary = analysis.Disabled{}
	}
	return &Generator{store: st, objects: objects, renderer: renderer, summary: summary, log: log}
}

// HandleReportTask is the queue handler for report.Task messages. Returning
// an error triggers redelivery; malformed or unprocessable messages are
// wrapped in queue.NoRetry so they are dropped instead of retried forever.
func (g *Generator) HandleReportTask(ctx context.Context, msg store.Message) error {
	var task report.Task
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		return queue.NoRetry(fmt.Errorf("decode report task: %w", err))
	}
	if _, err := report.ParseCadence(string(task.Cadence)); err != nil {
		return queue.NoRetry(err)
	}
	return g.Process(ctx, task)
}

// Process runs the full pipeline for one task. The reports-table record is
// written last, after the document exists in object storage, so a record
// always points at a retrievable object. A crash between upload and record
// leaves an orphan object that the redelivered task simply overwrites.
func (g *Generator) Process(ctx context.Context, task report.Task) error {
	log := g.log.With(
		logx.Int64("user", task.UserID),
		logx.String("cadence", string(task.Cadence)),
		logx.String("date", task.LocalDate),
	)

	u, err := g.store.GetUser(ctx, task.UserID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("report task for missing user, dropping")
		return queue.NoRetry(err)
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	if _, err := g.store.FindReport(ctx, task.UserID, task.Cadence, task.LocalDate); err == nil {
		log.Debug("report already generated, skipping")
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("check existing report: %w", err)
	}

	readings, err := g.store.ReadingsBetween(ctx, task.UserID, task.StartUTC, task.EndUTC)
	if err != nil {
		return fmt.Errorf("load readings: %w", err)
	}
	if len(readings) == 0 {
		log.Info("no readings in window, skipping report")
		return nil
	}

	narrative := ""
	if task.Cadence == report.CadenceWeekly {
		narrative, err = g.summary.Summarize(ctx, readings)
		if err != nil {
			log.Warn("analysis failed, using placeholder", logx.Err(err))
			narrative = analysis.Placeholder
		}
	}

	loc, err := tzdate.LoadZone(u.Timezone)
	if err != nil {
		// The window was already resolved at dispatch time; render in UTC
		// rather than dropping the report over a display concern.
		log.Warn("unknown timezone at render time", logx.String("tz", u.Timezone))
		loc = time.UTC
	}

	doc, err := g.renderer.Render(ctx, render.Input{
		UserName: u.Name,
		Cadence:  task.Cadence,
		Timezone: u.Timezone,
		Location: loc,
		StartUTC: task.StartUTC,
		EndUTC:   task.EndUTC,
		Readings: readings,
		Average:  mean(readings),
		Analysis: narrative,
	})
	if err != nil {
		return fmt.Errorf("render report: %w", err)
	}

	filename, err := Filename(task)
	if err != nil {
		return queue.NoRetry(err)
	}
	if err := g.objects.Put(ctx, objectPrefix+filename, doc, "application/pdf"); err != nil {
		return fmt.Errorf("store report object: %w", err)
	}

	inserted, err := g.store.SaveReport(ctx, store.ReportRecord{
		UserID:    task.UserID,
		Cadence:   task.Cadence,
		LocalDate: task.LocalDate,
		Filename:  filename,
	})
	if err != nil {
		return fmt.Errorf("record report: %w", err)
	}
	if !inserted {
		// A concurrent delivery won the record race; both uploads wrote the
		// same key so nothing is lost.
		log.Debug("duplicate report record, another delivery won")
		return nil
	}

	log.Info("report generated",
		logx.String("filename", filename),
		logx.Int("readings", len(readings)),
	)
	return nil
}

// Filename derives the stored document name from the task window. Daily
// reports carry their covered date, weekly ones the first and last covered
// dates, all compact YYYYMMDD.
func Filename(task report.Task) (string, error) {
	start, err := time.Parse("2006-01-02", task.LocalDate)
	if err != nil {
		return "", fmt.Errorf("bad local date %q: %w", task.LocalDate, err)
	}
	if task.Cadence == report.CadenceWeekly {
		end := start.AddDate(0, 0, 6)
		return fmt.Sprintf("report_user%d_%s_to_%s.pdf",
			task.UserID, start.Format("20060102"), end.Format("20060102")), nil
	}
	return fmt.Sprintf("report_user%d_%s.pdf", task.UserID, start.Format("20060102")), nil
}

// ObjectKey is the storage key of a report filename. Filenames are flat;
// anything with a path separator is rejected upstream by the object store.
func ObjectKey(filename string) string {
	return objectPrefix + strings.TrimPrefix(filename, objectPrefix)
}

func mean(readings []store.Reading) float64 {
	if len(readings) == 0 {
		return 0
	}
	var sum float64
	for _, r := range readings {
		sum += r.Value
	}
	return sum / float64(len(readings))
}

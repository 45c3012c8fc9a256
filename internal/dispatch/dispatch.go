// Package dispatch fans a fired cadence out into one report task per due
// user. Per-user problems (unknown timezone, not-yet-elapsed window) are
// recorded as skip outcomes and never abort the rest of the roster.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vvaswani/sugar/internal/queue"
	"github.com/vvaswani/sugar/internal/report"
	"github.com/vvaswani/sugar/internal/store"
	"github.com/vvaswani/sugar/internal/trigger"
	"github.com/vvaswani/sugar/pkg/logx"
)

// Skip reasons recorded in outcomes.
const (
	SkipNotDue          = "not_due"
	SkipInvalidTimezone = "invalid_timezone"
)

// Outcome is the per-user result of a fan-out pass: either a computed window
// or a named skip reason. Failures are data here, not control flow.
type Outcome struct {
	UserID int64
	Window report.Window
	Skip   string
}

// Summary aggregates one fan-out pass.
type Summary struct {
	Cadence    report.Cadence
	Users      int
	Dispatched int
	Outcomes   []Outcome
}

// UserSource pages through the roster. *store.Store satisfies it.
type UserSource interface {
	ListUsers(ctx context.Context, afterID int64, limit int) ([]store.User, error)
}

// Publisher enqueues report tasks. *queue.Service satisfies it.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

type Dispatcher struct {
	users    UserSource
	pub      Publisher
	log      logx.Logger
	pageSize int

	now func() time.Time
}

func New(users UserSource, pub Publisher, pageSize int, log logx.Logger) *Dispatcher {
	if pageSize <= 0 {
		pageSize = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		users:    users,
		pub:      pub,
		log:      log,
		pageSize: pageSize,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HandleCadenceEvent is the queue handler for fired-cadence messages.
func (d *Dispatcher) HandleCadenceEvent(ctx context.Context, msg store.Message) error {
	var ev trigger.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		// A payload that never parses will never parse; drop it.
		return queue.NoRetry(fmt.Errorf("decode cadence event: %w", err))
	}
	if _, err := report.ParseCadence(ev.Cadence.String()); err != nil {
		return queue.NoRetry(err)
	}
	_, err := d.Run(ctx, ev.Cadence)
	return err
}

// Run walks the whole roster for one cadence and enqueues a report task per
// due user. The roster is read in pages so large deployments never hold it
// in memory at once. Returns an error when listing or enqueueing failed for
// any user, so the cadence event is redelivered; re-dispatching already
// dispatched users is safe because report generation is idempotent.
func (d *Dispatcher) Run(ctx context.Context, cad report.Cadence) (Summary, error) {
	now := d.now()
	sum := Summary{Cadence: cad}
	var firstErr error

	afterID := int64(0)
	for {
		page, err := d.users.ListUsers(ctx, afterID, d.pageSize)
		if err != nil {
			return sum, fmt.Errorf("list users: %w", err)
		}
		if len(page) == 0 {
			break
		}
		afterID = page[len(page)-1].ID

		for _, u := range page {
			sum.Users++
			out := d.evaluate(cad, u, now)
			sum.Outcomes = append(sum.Outcomes, out)
			if out.Skip != "" {
				d.log.Debug("user skipped",
					logx.Int64("user", u.ID),
					logx.String("cadence", cad.String()),
					logx.String("reason", out.Skip))
				continue
			}

			task := report.TaskFor(out.Window)
			if err := d.pub.Publish(ctx, queue.TopicGenerateReport, task); err != nil {
				// Keep going; the cadence event will be redelivered and the
				// consumer dedupes users that did get through.
				d.log.Error("task enqueue failed", logx.Int64("user", u.ID), logx.Err(err))
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			sum.Dispatched++
		}

		if len(page) < d.pageSize {
			break
		}
	}

	d.log.Info("fan-out complete",
		logx.String("cadence", cad.String()),
		logx.Int("users", sum.Users),
		logx.Int("dispatched", sum.Dispatched))
	if firstErr != nil {
		return sum, fmt.Errorf("fan-out incomplete: %w", firstErr)
	}
	return sum, nil
}

func (d *Dispatcher) evaluate(cad report.Cadence, u store.User, now time.Time) Outcome {
	w, due, err := report.WindowFor(cad, u.ID, u.Timezone, now)
	if err != nil {
		return Outcome{UserID: u.ID, Skip: SkipInvalidTimezone}
	}
	if !due {
		return Outcome{UserID: u.ID, Skip: SkipNotDue}
	}
	return Outcome{UserID: u.ID, Window: w}
}

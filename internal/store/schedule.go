package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vvaswani/sugar/internal/report"
)

// LastFired returns the persisted watermark for a cadence. ok is false when
// the cadence has never fired.
func (s *Store) LastFired(ctx context.Context, cadence report.Cadence) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_fired FROM schedule_state WHERE cadence = ?`, string(cadence),
	).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fromMsec(ms), true, nil
}

// SetLastFired advances the watermark. The upsert keeps one row per cadence
// for the lifetime of the deployment.
func (s *Store) SetLastFired(ctx context.Context, cadence report.Cadence, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedule_state(cadence, last_fired) VALUES(?,?)
		 ON CONFLICT(cadence) DO UPDATE SET last_fired = excluded.last_fired`,
		string(cadence), msec(t),
	)
	return err
}

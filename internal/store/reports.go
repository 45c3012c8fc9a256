package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vvaswani/sugar/internal/report"
)

// ReportRecord marks a generated report. The (UserID, Cadence, LocalDate)
// triple is unique; see migrations.sql.
type ReportRecord struct {
	ID        int64          `json:"id"`
	UserID    int64          `json:"user_id"`
	Cadence   report.Cadence `json:"cadence"`
	LocalDate string         `json:"local_date"`
	Filename  string         `json:"filename"`
	CreatedAt time.Time      `json:"created_at"`
}

func (s *Store) FindReport(ctx context.Context, userID int64, cadence report.Cadence, localDate string) (ReportRecord, error) {
	var rec ReportRecord
	var ms int64
	var cad string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, cadence, local_date, filename, created_at
		 FROM reports WHERE user_id = ? AND cadence = ? AND local_date = ?`,
		userID, string(cadence), localDate,
	).Scan(&rec.ID, &rec.UserID, &cad, &rec.LocalDate, &rec.Filename, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return ReportRecord{}, ErrNotFound
	}
	if err != nil {
		return ReportRecord{}, err
	}
	rec.Cadence = report.Cadence(cad)
	rec.CreatedAt = fromMsec(ms)
	return rec, nil
}

// SaveReport inserts the record unless one already exists for the same
// (user, cadence, local date). The unique index decides the race: the first
// writer wins and inserted=false tells the loser its work is a duplicate.
func (s *Store) SaveReport(ctx context.Context, rec ReportRecord) (inserted bool, err error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reports(user_id, cadence, local_date, filename, created_at)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(user_id, cadence, local_date) DO NOTHING`,
		rec.UserID, string(rec.Cadence), rec.LocalDate, rec.Filename, msec(rec.CreatedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListReports returns a user's report history, newest period first.
func (s *Store) ListReports(ctx context.Context, userID int64) ([]ReportRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, cadence, local_date, filename, created_at
		 FROM reports WHERE user_id = ? ORDER BY local_date DESC, cadence ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReportRecord
	for rows.Next() {
		var rec ReportRecord
		var ms int64
		var cad string
		if err := rows.Scan(&rec.ID, &rec.UserID, &cad, &rec.LocalDate, &rec.Filename, &ms); err != nil {
			return nil, err
		}
		rec.Cadence = report.Cadence(cad)
		rec.CreatedAt = fromMsec(ms)
		out = append(out, rec)
	}
	return out, rows.Err()
}

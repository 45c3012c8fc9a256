package store

import (
	"context"
	"time"
)

// Reading types as stored. Labels for rendering live in internal/render.
const (
	ReadingFasting      = "fasting"
	ReadingPostPrandial = "post_prandial"
	ReadingRandom       = "random"
)

type Reading struct {
	ID        int64
	UserID    int64
	Value     float64
	Type      string
	CreatedAt time.Time // UTC
}

func (s *Store) InsertReading(ctx context.Context, r Reading) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO readings(user_id, value, type, created_at) VALUES(?,?,?,?)`,
		r.UserID, r.Value, r.Type, msec(r.CreatedAt),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ReadingsBetween returns a user's readings in [startUTC, endUTC), ascending
// by time.
func (s *Store) ReadingsBetween(ctx context.Context, userID int64, startUTC, endUTC time.Time) ([]Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, value, type, created_at
		 FROM readings
		 WHERE user_id = ? AND created_at >= ? AND created_at < ?
		 ORDER BY created_at ASC`,
		userID, msec(startUTC), msec(endUTC),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reading
	for rows.Next() {
		var r Reading
		var ms int64
		if err := rows.Scan(&r.ID, &r.UserID, &r.Value, &r.Type, &ms); err != nil {
			return nil, err
		}
		r.CreatedAt = fromMsec(ms)
		out = append(out, r)
	}
	return out, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Message is a durable queue entry. Delivery is at-least-once: a claimed
// message that is never acked becomes visible again when its lease expires.
type Message struct {
	ID          string
	Topic       string
	Payload     []byte
	Attempts    int
	MaxAttempts int
	CreatedAt   time.Time
}

func (s *Store) EnqueueMessage(ctx context.Context, m Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_messages(id, topic, payload, attempts, max_attempts, visible_at, dead, created_at)
		 VALUES(?,?,?,?,?,?,0,?)`,
		m.ID, m.Topic, string(m.Payload), m.Attempts, m.MaxAttempts, msec(m.CreatedAt), msec(m.CreatedAt),
	)
	return err
}

// ClaimMessage leases the oldest visible message, bumping its attempt count
// and hiding it until now+lease. The select and update run in one
// transaction so two workers never claim the same delivery.
func (s *Store) ClaimMessage(ctx context.Context, now time.Time, lease time.Duration) (Message, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, false, err
	}
	defer tx.Rollback()

	var m Message
	var payload string
	var createdMS int64
	err = tx.QueryRowContext(ctx,
		`SELECT id, topic, payload, attempts, max_attempts, created_at
		 FROM queue_messages
		 WHERE dead = 0 AND visible_at <= ?
		 ORDER BY created_at, id LIMIT 1`,
		msec(now),
	).Scan(&m.ID, &m.Topic, &payload, &m.Attempts, &m.MaxAttempts, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, err
	}

	m.Payload = []byte(payload)
	m.CreatedAt = fromMsec(createdMS)
	m.Attempts++

	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_messages SET attempts = ?, visible_at = ? WHERE id = ?`,
		m.Attempts, msec(now.Add(lease)), m.ID,
	); err != nil {
		return Message{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Message{}, false, err
	}
	return m, true, nil
}

// AckMessage removes a successfully handled message.
func (s *Store) AckMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, id)
	return err
}

// NackMessage returns a failed message to the queue after delay, or parks it
// as dead when its attempts are exhausted.
func (s *Store) NackMessage(ctx context.Context, id string, delay time.Duration, dead bool) error {
	if dead {
		_, err := s.db.ExecContext(ctx, `UPDATE queue_messages SET dead = 1 WHERE id = ?`, id)
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE queue_messages SET visible_at = ? WHERE id = ?`,
		msec(time.Now().UTC().Add(delay)), id,
	)
	return err
}

// QueueDepth reports pending and dead message counts.
func (s *Store) QueueDepth(ctx context.Context) (pending int, dead int, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT
		   COUNT(CASE WHEN dead = 0 THEN 1 END),
		   COUNT(CASE WHEN dead = 1 THEN 1 END)
		 FROM queue_messages`,
	).Scan(&pending, &dead)
	return pending, dead, err
}

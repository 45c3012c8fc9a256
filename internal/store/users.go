package store

import (
	"context"
	"database/sql"
	"errors"
)

// User is a roster entry. Timezone is an IANA zone name, validated at the
// profile-update boundary so the scheduler never sees a bad value.
type User struct {
	ID       int64  `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
}

func (s *Store) CreateUser(ctx context.Context, u User) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users(email, name, timezone) VALUES(?,?,?)`,
		u.Email, u.Name, u.Timezone,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) GetUser(ctx context.Context, id int64) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, timezone FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Email, &u.Name, &u.Timezone)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, u User) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET email = ?, name = ?, timezone = ? WHERE id = ?`,
		u.Email, u.Name, u.Timezone, u.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUsers returns up to limit users with id > afterID, ordered by id.
// Callers page through the roster with the last id of each batch so large
// rosters never sit in memory at once.
func (s *Store) ListUsers(ctx context.Context, afterID int64, limit int) ([]User, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, name, timezone FROM users WHERE id > ? ORDER BY id LIMIT ?`,
		afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.Timezone); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

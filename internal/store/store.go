// Package store persists teams in SQLite, one JSONB document per team.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anpag/escaipe-room/internal/escaperoom"
)

// TeamStore implements registry.Persister. Every write is a single
// statement, so a team record is always either the old or the new version.
type TeamStore struct {
	db *sql.DB
}

func New(db *sql.DB) *TeamStore {
	return &TeamStore{db: db}
}

// LoadAll returns every team in registration order.
func (s *TeamStore) LoadAll(ctx context.Context) ([]escaperoom.Team, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT json(data) FROM teams ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []escaperoom.Team
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var t escaperoom.Team
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("decoding team: %w", err)
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

func (s *TeamStore) Get(ctx context.Context, id string) (escaperoom.Team, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT json(data) FROM teams WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return escaperoom.Team{}, escaperoom.ErrNotFound
	}
	if err != nil {
		return escaperoom.Team{}, err
	}

	var t escaperoom.Team
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return escaperoom.Team{}, fmt.Errorf("decoding team: %w", err)
	}
	return t, nil
}

// Save inserts or replaces the team document. A new team is placed after
// every existing one.
func (s *TeamStore) Save(ctx context.Context, t escaperoom.Team) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO teams (id, name, seq, data)
		 VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM teams), jsonb(?))
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, data = excluded.data`,
		t.ID, t.Name, string(data),
	)
	return err
}

// DeleteTeam removes the team. Removing an absent team is not an error.
func (s *TeamStore) DeleteTeam(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM teams WHERE id = ?`, id)
	return err
}

// Ping reports whether the database is reachable.
func (s *TeamStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

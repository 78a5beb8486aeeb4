package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a session id has no record.
var ErrNotFound = errors.New("session not found")

// Store manages the PostgreSQL connection holding session results.
type Store struct {
	conn *pgx.Conn
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS dance_sessions (
			id UUID PRIMARY KEY,
			reference_path TEXT NOT NULL,
			player TEXT NOT NULL DEFAULT 'Player',
			architecture TEXT NOT NULL,
			duration_seconds DOUBLE PRECISION NOT NULL,
			state TEXT NOT NULL,
			final_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			frames INT NOT NULL DEFAULT 0,
			message TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			ended_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS score_samples (
			session_id UUID NOT NULL REFERENCES dance_sessions(id) ON DELETE CASCADE,
			elapsed_seconds DOUBLE PRECISION NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			mean_deviation DOUBLE PRECISION NOT NULL,
			match_count INT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS score_samples_session_id_idx ON score_samples (session_id, elapsed_seconds);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// Session is one recorded play-through.
type Session struct {
	ID              uuid.UUID
	ReferencePath   string
	Player          string
	Architecture    string
	DurationSeconds float64
	State           string
	FinalScore      float64
	Frames          int
	Message         string
	StartedAt       time.Time
	EndedAt         *time.Time
}

// Sample is the score observed at one point of a session.
type Sample struct {
	ElapsedSeconds float64
	Score          float64
	MeanDeviation  float64
	MatchCount     int
}

// CreateSession records a session as it starts.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	if sess.Player == "" {
		sess.Player = "Player"
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO dance_sessions (id, reference_path, player, architecture, duration_seconds, state, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sess.ID, sess.ReferencePath, sess.Player, sess.Architecture, sess.DurationSeconds, sess.State, sess.StartedAt)
	return err
}

// FinishSession stores the terminal state of a session.
func (s *Store) FinishSession(ctx context.Context, id uuid.UUID, state string, finalScore float64, frames int, message string, endedAt time.Time) error {
	tag, err := s.conn.Exec(ctx, `
		UPDATE dance_sessions
		SET state = $2, final_score = $3, frames = $4, message = $5, ended_at = $6
		WHERE id = $1
	`, id, state, finalScore, frames, message, endedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertSamples bulk-loads the score timeline of a session.
func (s *Store) InsertSamples(ctx context.Context, id uuid.UUID, samples []Sample) error {
	if len(samples) == 0 {
		return nil
	}
	_, err := s.conn.CopyFrom(ctx,
		pgx.Identifier{"score_samples"},
		[]string{"session_id", "elapsed_seconds", "score", "mean_deviation", "match_count"},
		pgx.CopyFromSlice(len(samples), func(i int) ([]any, error) {
			smp := samples[i]
			return []any{id, smp.ElapsedSeconds, smp.Score, smp.MeanDeviation, smp.MatchCount}, nil
		}),
	)
	return err
}

const sessionColumns = `id, reference_path, player, architecture, duration_seconds, state, final_score, frames, message, started_at, ended_at`

func scanSession(row pgx.Row) (Session, error) {
	var sess Session
	err := row.Scan(&sess.ID, &sess.ReferencePath, &sess.Player, &sess.Architecture, &sess.DurationSeconds,
		&sess.State, &sess.FinalScore, &sess.Frames, &sess.Message, &sess.StartedAt, &sess.EndedAt)
	return sess, err
}

// ListSessions returns the most recent sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := s.conn.Query(ctx, `SELECT `+sessionColumns+` FROM dance_sessions ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// GetSession fetches one session by id.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	sess, err := scanSession(s.conn.QueryRow(ctx, `SELECT `+sessionColumns+` FROM dance_sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return sess, err
}

// GetSamples returns a session's score timeline in order.
func (s *Store) GetSamples(ctx context.Context, id uuid.UUID) ([]Sample, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT elapsed_seconds, score, mean_deviation, match_count
		FROM score_samples WHERE session_id = $1 ORDER BY elapsed_seconds
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var smp Sample
		if err := rows.Scan(&smp.ElapsedSeconds, &smp.Score, &smp.MeanDeviation, &smp.MatchCount); err != nil {
			return nil, err
		}
		samples = append(samples, smp)
	}
	return samples, rows.Err()
}

// RenamePlayer updates the player name of a session.
func (s *Store) RenamePlayer(ctx context.Context, id uuid.UUID, player string) error {
	tag, err := s.conn.Exec(ctx, "UPDATE dance_sessions SET player = $1 WHERE id = $2", player, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS score_samples CASCADE;
		DROP TABLE IF EXISTS dance_sessions CASCADE;
	`)
	return err
}

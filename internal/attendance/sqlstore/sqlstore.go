// Package sqlstore persists attendance sessions in Postgres or SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"eventattend/internal/attendance"
)

// Dialect selects placeholder syntax.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

var (
	// ErrNoOpenRecord is returned when checkpoint or time-out finds no record in the required state.
	ErrNoOpenRecord = errors.New("no open attendance record")
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS attendance_sessions (
		id              TEXT PRIMARY KEY,
		participant_key TEXT NOT NULL,
		event_key       TEXT NOT NULL,
		time_in_ms      BIGINT NOT NULL,
		checkpoint_ms   BIGINT,
		time_out_ms     BIGINT,
		evidence        TEXT NOT NULL DEFAULT '',
		notes           TEXT NOT NULL DEFAULT '',
		created_at_ms   BIGINT NOT NULL,
		updated_at_ms   BIGINT NOT NULL,
		UNIQUE (participant_key, event_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attendance_sessions_event ON attendance_sessions (event_key, time_out_ms)`,
	`CREATE TABLE IF NOT EXISTS evidence_checks (
		id              TEXT PRIMARY KEY,
		participant_key TEXT NOT NULL,
		event_key       TEXT NOT NULL,
		transition      TEXT NOT NULL,
		evidence        TEXT NOT NULL,
		is_live         INTEGER NOT NULL,
		confidence      DOUBLE PRECISION NOT NULL,
		checked_at_ms   BIGINT NOT NULL
	)`,
}

const sessionColumns = `id, participant_key, event_key, time_in_ms, checkpoint_ms, time_out_ms, evidence, notes`

// Repository implements attendance.Persister over database/sql.
type Repository struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB, dialect Dialect) *Repository {
	return &Repository{db: db, dialect: dialect, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates the tables when missing.
func (r *Repository) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// PersistTimeIn inserts the attendance record.
func (r *Repository) PersistTimeIn(ctx context.Context, participantKey, eventKey string, at time.Time, notes, evidence string) (string, error) {
	if participantKey == "" || eventKey == "" {
		return "", errors.New("participant and event required")
	}
	id := uuid.NewString()
	now := toMillis(r.now())
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO attendance_sessions (id, participant_key, event_key, time_in_ms, evidence, notes, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), id, participantKey, eventKey, toMillis(at), evidence, notes, now, now)
	if err != nil {
		return "", fmt.Errorf("insert time-in: %w", err)
	}
	return id, nil
}

// PersistCheckpoint records the checkpoint on a timed-in record.
func (r *Repository) PersistCheckpoint(ctx context.Context, participantKey, eventKey string, at time.Time, evidence string) error {
	return r.expectOne(r.db.ExecContext(ctx, r.rebind(`
		UPDATE attendance_sessions
		SET checkpoint_ms = ?, evidence = COALESCE(NULLIF(?, ''), evidence), updated_at_ms = ?
		WHERE participant_key = ? AND event_key = ? AND checkpoint_ms IS NULL
	`), toMillis(at), evidence, toMillis(r.now()), participantKey, eventKey))
}

// PersistTimeOut records the time-out on a checkpointed record.
func (r *Repository) PersistTimeOut(ctx context.Context, participantKey, eventKey string, at time.Time, evidence string) error {
	return r.expectOne(r.db.ExecContext(ctx, r.rebind(`
		UPDATE attendance_sessions
		SET time_out_ms = ?, evidence = COALESCE(NULLIF(?, ''), evidence), updated_at_ms = ?
		WHERE participant_key = ? AND event_key = ? AND checkpoint_ms IS NOT NULL AND time_out_ms IS NULL
	`), toMillis(at), evidence, toMillis(r.now()), participantKey, eventKey))
}

// ListActive returns the event's sessions that have not timed out.
func (r *Repository) ListActive(ctx context.Context, eventKey string) ([]attendance.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE event_key = ? AND time_out_ms IS NULL
		ORDER BY time_in_ms
	`), eventKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListSessions returns sessions of an event, optionally filtered by participant, newest first.
func (r *Repository) ListSessions(ctx context.Context, eventKey, participantKey string, limit, offset int) ([]attendance.Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + sessionColumns + ` FROM attendance_sessions`
	args := []any{}
	clauses := []string{}
	if eventKey != "" {
		clauses = append(clauses, "event_key = ?")
		args = append(args, eventKey)
	}
	if participantKey != "" {
		clauses = append(clauses, "participant_key = ?")
		args = append(args, participantKey)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY time_in_ms DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// EvidenceCheck is the stored verdict of a liveness check on scan evidence.
type EvidenceCheck struct {
	ParticipantKey string
	EventKey       string
	Transition     attendance.Transition
	Evidence       string
	IsLive         bool
	Confidence     float64
	CheckedAt      time.Time
}

// RecordEvidenceCheck stores a liveness verdict.
func (r *Repository) RecordEvidenceCheck(ctx context.Context, chk EvidenceCheck) error {
	if chk.CheckedAt.IsZero() {
		chk.CheckedAt = r.now()
	}
	live := 0
	if chk.IsLive {
		live = 1
	}
	_, err := r.db.ExecContext(ctx, r.rebind(`
		INSERT INTO evidence_checks (id, participant_key, event_key, transition, evidence, is_live, confidence, checked_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), uuid.NewString(), chk.ParticipantKey, chk.EventKey, string(chk.Transition), chk.Evidence, live, chk.Confidence, toMillis(chk.CheckedAt))
	return err
}

// Ping verifies connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *Repository) expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoOpenRecord
	}
	return nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (r *Repository) rebind(query string) string {
	if r.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanSessions(rows rowScanner) ([]attendance.Snapshot, error) {
	var res []attendance.Snapshot
	for rows.Next() {
		var (
			s                   attendance.Session
			timeIn              int64
			checkpoint, timeOut sql.NullInt64
		)
		if err := rows.Scan(&s.RecordID, &s.ParticipantKey, &s.EventKey, &timeIn, &checkpoint, &timeOut, &s.Evidence, &s.Notes); err != nil {
			return nil, err
		}
		s.TimeIn = fromMillis(timeIn)
		if checkpoint.Valid {
			s.CheckpointTime = fromMillis(checkpoint.Int64)
		}
		if timeOut.Valid {
			s.TimeOut = fromMillis(timeOut.Int64)
		}
		res = append(res, s.Snapshot())
	}
	return res, rows.Err()
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) *time.Time {
	t := time.UnixMilli(v).UTC()
	return &t
}

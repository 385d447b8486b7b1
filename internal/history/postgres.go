// Package history persists conversation turns, transcripts, and action
// calls to PostgreSQL. Recording is best effort: the orchestrator works
// through the [Recorder] interface and a [Nop] recorder stands in when
// history is disabled, so the voice loop never blocks on the database.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the history tables. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS turns (
    id          TEXT         PRIMARY KEY,
    started_at  TIMESTAMPTZ  NOT NULL,
    ended_at    TIMESTAMPTZ  NOT NULL,
    end_reason  TEXT         NOT NULL DEFAULT '',
    barge_ins   INT          NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_turns_started_at ON turns (started_at);

CREATE TABLE IF NOT EXISTS transcripts (
    id          BIGSERIAL    PRIMARY KEY,
    turn_id     TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_transcripts_turn_id ON transcripts (turn_id);

CREATE TABLE IF NOT EXISTS actions (
    id              BIGSERIAL    PRIMARY KEY,
    turn_id         TEXT         NOT NULL,
    call_id         TEXT         NOT NULL,
    name            TEXT         NOT NULL,
    arguments       TEXT         NOT NULL DEFAULT '',
    output          TEXT         NOT NULL DEFAULT '',
    failure_kind    TEXT         NOT NULL DEFAULT '',
    failure_message TEXT         NOT NULL DEFAULT '',
    duration_ns     BIGINT       NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_actions_turn_id ON actions (turn_id);
`

// TurnRecord summarises one completed conversation turn.
type TurnRecord struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time
	EndReason string
	BargeIns  int
}

// Transcript is one finalised utterance within a turn.
type Transcript struct {
	TurnID string
	Role   string
	Text   string
}

// ActionRecord is one action call made during a turn.
type ActionRecord struct {
	TurnID         string
	CallID         string
	Name           string
	Arguments      string
	Output         string
	FailureKind    string
	FailureMessage string
	Duration       time.Duration
}

// Recorder receives history records. Implementations must be safe for
// concurrent use.
type Recorder interface {
	RecordTurn(ctx context.Context, rec TurnRecord) error
	RecordTranscript(ctx context.Context, tr Transcript) error
	RecordAction(ctx context.Context, ar ActionRecord) error
}

// Nop is a [Recorder] that discards everything. Used when history is
// disabled.
type Nop struct{}

func (Nop) RecordTurn(context.Context, TurnRecord) error       { return nil }
func (Nop) RecordTranscript(context.Context, Transcript) error { return nil }
func (Nop) RecordAction(context.Context, ActionRecord) error   { return nil }

var _ Recorder = Nop{}

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a [Recorder] backed by PostgreSQL.
type Store struct {
	db DB
}

var _ Recorder = (*Store)(nil)

// NewStore creates a store over the given connection or pool. The caller
// is responsible for calling [Store.Migrate] before issuing queries.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// NewPool opens a pgx pool for the given DSN and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	return pool, nil
}

// Migrate executes the [Schema] DDL. Idempotent and safe to call on every
// application start.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("history: migrate: %w", err)
	}
	return nil
}

func (s *Store) RecordTurn(ctx context.Context, rec TurnRecord) error {
	const query = `
		INSERT INTO turns (id, started_at, ended_at, end_reason, barge_ins)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			end_reason = EXCLUDED.end_reason,
			barge_ins = EXCLUDED.barge_ins`

	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.StartedAt, rec.EndedAt, rec.EndReason, rec.BargeIns)
	if err != nil {
		return fmt.Errorf("history: record turn %q: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) RecordTranscript(ctx context.Context, tr Transcript) error {
	const query = `
		INSERT INTO transcripts (turn_id, role, text)
		VALUES ($1,$2,$3)`

	_, err := s.db.Exec(ctx, query, tr.TurnID, tr.Role, tr.Text)
	if err != nil {
		return fmt.Errorf("history: record transcript: %w", err)
	}
	return nil
}

func (s *Store) RecordAction(ctx context.Context, ar ActionRecord) error {
	const query = `
		INSERT INTO actions (
			turn_id, call_id, name, arguments, output,
			failure_kind, failure_message, duration_ns
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

	_, err := s.db.Exec(ctx, query,
		ar.TurnID, ar.CallID, ar.Name, ar.Arguments, ar.Output,
		ar.FailureKind, ar.FailureMessage, ar.Duration.Nanoseconds())
	if err != nil {
		return fmt.Errorf("history: record action %q: %w", ar.Name, err)
	}
	return nil
}

// RecentTranscripts returns the latest transcript lines, newest first.
// Used by the debug endpoint.
func (s *Store) RecentTranscripts(ctx context.Context, limit int) ([]Transcript, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `
		SELECT turn_id, role, text
		FROM transcripts
		ORDER BY id DESC
		LIMIT $1`

	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("history: recent transcripts: %w", err)
	}
	defer rows.Close()

	var out []Transcript
	for rows.Next() {
		var tr Transcript
		if err := rows.Scan(&tr.TurnID, &tr.Role, &tr.Text); err != nil {
			return nil, fmt.Errorf("history: recent transcripts scan: %w", err)
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: recent transcripts: %w", err)
	}
	return out, nil
}

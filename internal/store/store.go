// Remora is a Nostr data vending machine agent.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package store provides the SQLite-backed job table: one row per job
// request event, keyed by event ID, with an invoice-hash index for
// receipt-to-job resolution. All state changes go through UpdateState,
// which enforces the job lifecycle transitions.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"remora/pkg/dvm"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition indicates a state change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// updateColumns is the set of columns UpdateState may touch alongside
// state and updated_at. Anything else is a programming error.
var updateColumns = map[string]bool{
	"bolt11":       true,
	"invoice_hash": true,
	"amount_msats": true,
	"result":       true,
	"error":        true,
	"input_json":   true,
}

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path, applies connection
// pragmas, runs migrations, and returns a ready Store.
func Open(ctx context.Context, path string) (*Store, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction. If fn returns an error,
// the transaction is rolled back; otherwise, it's committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// In case of panic, make best effort rollback
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}

	cur, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	target := 1 // latest schema version in this file

	// v1: initial schema
	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
		cur = 1
	}

	if cur != target {
		// Future migrations go here
	}

	return nil
}

func (s *Store) ensureSettingsTable(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS settings (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) getSchemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		// If corrupted, force to 0 to allow re-init
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	const upsert = `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`
	_, err := s.db.ExecContext(ctx, upsert, schemaVersionKey, fmt.Sprintf("%d", v))
	if err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  event_id        TEXT PRIMARY KEY,
  customer_pubkey TEXT NOT NULL,
  kind            INTEGER NOT NULL,
  state           TEXT NOT NULL CHECK (state IN ('received','waiting_payment','processing','completed','failed','expired')),
  input_json      TEXT NOT NULL,
  bolt11          TEXT NOT NULL DEFAULT '',
  invoice_hash    TEXT NOT NULL DEFAULT '',
  amount_msats    INTEGER NOT NULL DEFAULT 0,
  result          TEXT NULL,
  error           TEXT NULL,
  created_at      TIMESTAMP NOT NULL,
  updated_at      TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_invoice_hash ON jobs(invoice_hash);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Jobs ---------------

// CreateJob inserts a new job in the received state. A job with the same
// event ID already present is not an error: created reports false and the
// existing row is left untouched.
func (s *Store) CreateJob(ctx context.Context, input *dvm.JobInput) (created bool, err error) {
	if input == nil || input.EventID == "" {
		return false, fmt.Errorf("job input with event id is required")
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return false, fmt.Errorf("marshal input: %w", err)
	}

	now := time.Now().UTC()
	const q = `
INSERT OR IGNORE INTO jobs (event_id, customer_pubkey, kind, state, input_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?);`
	res, err := s.db.ExecContext(ctx, q,
		input.EventID, input.Customer, input.Kind, dvm.StateReceived.String(), string(raw), now, now)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// UpdateState transitions a job to next and writes any extra columns in
// the same statement. extra keys must be in the update whitelist; a key
// outside it fails loudly. The transition is validated against the
// current state inside a serializable transaction.
func (s *Store) UpdateState(ctx context.Context, eventID string, next dvm.JobState, extra map[string]any) error {
	if !next.Valid() {
		return fmt.Errorf("unknown state %q", next)
	}
	cols := make([]string, 0, len(extra))
	for col := range extra {
		if !updateColumns[col] {
			return fmt.Errorf("column %q is not updatable", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var cur string
		err := tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE event_id=?`, eventID).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read state: %w", err)
		}
		if !dvm.JobState(cur).CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s for job %s", ErrInvalidTransition, cur, next, eventID)
		}

		var b strings.Builder
		b.WriteString("UPDATE jobs SET state=?, updated_at=?")
		args := []any{next.String(), time.Now().UTC()}
		for _, col := range cols {
			fmt.Fprintf(&b, ", %s=?", col)
			args = append(args, extra[col])
		}
		b.WriteString(" WHERE event_id=?")
		args = append(args, eventID)

		if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		return nil
	})
}

// GetJob returns the job for an event ID or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, eventID string) (*dvm.Job, error) {
	const q = selectJob + ` WHERE event_id=?`
	return s.scanOne(s.db.QueryRowContext(ctx, q, eventID))
}

// GetJobByInvoice resolves a job from its invoice hash or ErrNotFound.
func (s *Store) GetJobByInvoice(ctx context.Context, invoiceHash string) (*dvm.Job, error) {
	if invoiceHash == "" {
		return nil, ErrNotFound
	}
	const q = selectJob + ` WHERE invoice_hash=?`
	return s.scanOne(s.db.QueryRowContext(ctx, q, invoiceHash))
}

// JobsInState returns all jobs currently in the given state, oldest first.
func (s *Store) JobsInState(ctx context.Context, state dvm.JobState) ([]dvm.Job, error) {
	const q = selectJob + ` WHERE state=? ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, state.String())
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []dvm.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// ExpireStale moves every waiting_payment job whose last update is older
// than timeout into expired, in one statement, and returns the count.
func (s *Store) ExpireStale(ctx context.Context, timeout time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-timeout)
	const q = `
UPDATE jobs SET state=?, updated_at=?
WHERE state=? AND updated_at < ?;`
	res, err := s.db.ExecContext(ctx, q,
		dvm.StateExpired.String(), time.Now().UTC(), dvm.StateWaitingPayment.String(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("expire stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// FailInterrupted marks every processing job as failed with an
// "interrupted" error. Called once at startup to reconcile jobs that
// were in flight when the previous process died.
func (s *Store) FailInterrupted(ctx context.Context) (int64, error) {
	const q = `
UPDATE jobs SET state=?, updated_at=?, error=?
WHERE state=?;`
	res, err := s.db.ExecContext(ctx, q,
		dvm.StateFailed.String(), time.Now().UTC(), "interrupted", dvm.StateProcessing.String())
	if err != nil {
		return 0, fmt.Errorf("fail interrupted jobs: %w", err)
	}
	return res.RowsAffected()
}

// --------------- Row scanning ---------------

const selectJob = `
SELECT event_id, customer_pubkey, kind, state, input_json, bolt11, invoice_hash, amount_msats, result, error, created_at, updated_at
FROM jobs`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanOne(row *sql.Row) (*dvm.Job, error) {
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func scanJob(r rowScanner) (*dvm.Job, error) {
	var (
		j         dvm.Job
		state     string
		inputJSON string
		result    sql.NullString
		jobErr    sql.NullString
	)
	err := r.Scan(&j.EventID, &j.Customer, &j.Kind, &state, &inputJSON,
		&j.Bolt11, &j.InvoiceHash, &j.AmountMsats, &result, &jobErr,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	j.State = dvm.JobState(state)
	if inputJSON != "" {
		var in dvm.JobInput
		if err := json.Unmarshal([]byte(inputJSON), &in); err != nil {
			return nil, fmt.Errorf("decode input for job %s: %w", j.EventID, err)
		}
		j.Input = &in
	}
	if result.Valid {
		j.Result = &result.String
	}
	if jobErr.Valid {
		j.Error = &jobErr.String
	}
	return &j, nil
}

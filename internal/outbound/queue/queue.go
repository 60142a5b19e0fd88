// Package queue is the durable delivery bookkeeping behind the dispatcher.
// Every chunk send is recorded before the network call and finalized after
// it, so intent survives a process restart between enqueue and ack.
package queue

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Status is a delivery record's lifecycle state. Transitions only move
// forward: enqueued → acked | failed. A retry is a new record with a new
// idempotency id, never a reused one.
type Status string

const (
	StatusEnqueued Status = "enqueued"
	StatusAcked    Status = "acked"
	StatusFailed   Status = "failed"
)

// ErrFinalized is returned when acking or failing a record that is not in
// the enqueued state.
var ErrFinalized = errors.New("delivery already finalized")

// Record is one logical send attempt keyed by an idempotency id.
type Record struct {
	ID         string
	Channel    string
	AccountID  string
	To         string
	SessionKey string
	Kind       string // "text" or "media"
	Chunk      int
	Chunks     int
	Status     Status
	MessageID  string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Queue is the sqlite-backed delivery queue.
type Queue struct {
	db *sql.DB
}

// Open opens (creating if needed) the queue database at path and applies
// pending schema migrations.
func Open(path string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("queue dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	// modernc sqlite serializes at the driver level; a single connection
	// avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Queue{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate queue schema: %w", err)
	}
	return nil
}

// Enqueue durably records intent to send. A fresh idempotency id is minted
// when the record carries none.
func (q *Queue) Enqueue(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.Must(uuid.NewV7()).String()
	}
	if rec.Kind == "" {
		rec.Kind = "text"
	}
	if rec.Chunk <= 0 {
		rec.Chunk = 1
	}
	if rec.Chunks <= 0 {
		rec.Chunks = rec.Chunk
	}
	now := time.Now().UTC()
	rec.Status = StatusEnqueued
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO deliveries
			(id, channel, account_id, target, session_key, kind, chunk, chunks, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Channel, rec.AccountID, rec.To, rec.SessionKey,
		rec.Kind, rec.Chunk, rec.Chunks, rec.Status, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, fmt.Errorf("enqueue delivery: %w", err)
	}
	return rec, nil
}

// Ack finalizes a delivery as sent, recording the channel-native message id.
func (q *Queue) Ack(ctx context.Context, id, messageID string) error {
	return q.finalize(ctx, id, StatusAcked, messageID, "")
}

// Fail finalizes a delivery as failed with its cause. The record is not
// re-enqueued; retry policy belongs to the caller.
func (q *Queue) Fail(ctx context.Context, id, cause string) error {
	return q.finalize(ctx, id, StatusFailed, "", cause)
}

func (q *Queue) finalize(ctx context.Context, id string, status Status, messageID, cause string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE deliveries SET status = ?, message_id = ?, error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		status, messageID, cause, time.Now().UTC(), id, StatusEnqueued,
	)
	if err != nil {
		return fmt.Errorf("finalize delivery %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("delivery %s: %w", id, ErrFinalized)
	}
	return nil
}

// Pending lists records not yet acked (enqueued and failed), oldest first.
// This is the surface an external retry policy drives from.
func (q *Queue) Pending(ctx context.Context) ([]Record, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, channel, account_id, target, session_key, kind, chunk, chunks,
		        status, message_id, error, created_at, updated_at
		 FROM deliveries WHERE status != ? ORDER BY created_at ASC`,
		StatusAcked,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending deliveries: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.Channel, &rec.AccountID, &rec.To, &rec.SessionKey,
			&rec.Kind, &rec.Chunk, &rec.Chunks, &rec.Status, &rec.MessageID, &rec.Error,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Get fetches one record by idempotency id.
func (q *Queue) Get(ctx context.Context, id string) (Record, bool, error) {
	var rec Record
	err := q.db.QueryRowContext(ctx,
		`SELECT id, channel, account_id, target, session_key, kind, chunk, chunks,
		        status, message_id, error, created_at, updated_at
		 FROM deliveries WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Channel, &rec.AccountID, &rec.To, &rec.SessionKey,
		&rec.Kind, &rec.Chunk, &rec.Chunks, &rec.Status, &rec.MessageID, &rec.Error,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load delivery %s: %w", id, err)
	}
	return rec, true, nil
}

// PurgeOlderThan deletes finalized records older than the cutoff. Enqueued
// records are never purged; an in-flight delivery must keep its intent row.
func (q *Queue) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE status != ? AND updated_at < ?`,
		StatusEnqueued, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge deliveries: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying database.
func (q *Queue) Close() error { return q.db.Close() }

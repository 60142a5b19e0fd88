package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PGStore keeps session entries in Postgres (managed mode). One row per
// session key; last_route is stored as jsonb. Read-modify-write cycles
// serialize per key through keyedLocks, matching FileStore semantics.
type PGStore struct {
	db    *sql.DB
	locks *keyedLocks
}

// OpenPG connects to Postgres and ensures the session_meta schema exists.
func OpenPG(ctx context.Context, dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS session_meta (
			session_key      TEXT PRIMARY KEY,
			session_id       TEXT NOT NULL,
			aborted_last_run BOOLEAN NOT NULL DEFAULT FALSE,
			last_route       JSONB,
			updated_at       TIMESTAMPTZ NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure session_meta schema: %w", err)
	}

	return &PGStore{db: db, locks: newKeyedLocks()}, nil
}

func (s *PGStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	var (
		e         Entry
		routeJSON []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, aborted_last_run, last_route, updated_at
		 FROM session_meta WHERE session_key = $1`, key,
	).Scan(&e.SessionID, &e.AbortedLastRun, &routeJSON, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("load session %s: %w", key, err)
	}
	if len(routeJSON) > 0 {
		var route RouteMeta
		if err := json.Unmarshal(routeJSON, &route); err == nil {
			e.LastRoute = &route
		}
	}
	return e, true, nil
}

func (s *PGStore) Update(ctx context.Context, key string, fn func(*Entry)) (Entry, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	e, ok, err := s.Get(ctx, key)
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		e = Entry{SessionID: NewSessionID()}
	}
	fn(&e)
	e.UpdatedAt = time.Now().UTC()

	var routeJSON []byte
	if e.LastRoute != nil {
		routeJSON, _ = json.Marshal(e.LastRoute)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_meta (session_key, session_id, aborted_last_run, last_route, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_key) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			aborted_last_run = EXCLUDED.aborted_last_run,
			last_route = EXCLUDED.last_route,
			updated_at = EXCLUDED.updated_at`,
		key, e.SessionID, e.AbortedLastRun, routeJSON, e.UpdatedAt,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("save session %s: %w", key, err)
	}
	return e, nil
}

func (s *PGStore) List(ctx context.Context) (map[string]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_key, session_id, aborted_last_run, last_route, updated_at FROM session_meta`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	all := make(map[string]Entry)
	for rows.Next() {
		var (
			key       string
			e         Entry
			routeJSON []byte
		)
		if err := rows.Scan(&key, &e.SessionID, &e.AbortedLastRun, &routeJSON, &e.UpdatedAt); err != nil {
			continue
		}
		if len(routeJSON) > 0 {
			var route RouteMeta
			if err := json.Unmarshal(routeJSON, &route); err == nil {
				e.LastRoute = &route
			}
		}
		all[key] = e
	}
	return all, rows.Err()
}

func (s *PGStore) Close() error { return s.db.Close() }

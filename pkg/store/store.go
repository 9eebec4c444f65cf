// Package store persists operational state to SQLite: provider status
// transitions, session mirrors, and the request audit log. The gateway runs
// fine without it; every consumer treats writes as best effort.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mcphost/mcphost/pkg/session"
	"github.com/mcphost/mcphost/pkg/supervisor"
)

const schema = `
CREATE TABLE IF NOT EXISTS provider_status (
	provider_id       TEXT PRIMARY KEY,
	status            TEXT NOT NULL,
	restart_count     INTEGER NOT NULL DEFAULT 0,
	last_health_check TIMESTAMP,
	updated_at        TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	client_kind   TEXT,
	client_info   TEXT,
	providers     TEXT NOT NULL DEFAULT '[]',
	created_at    TIMESTAMP NOT NULL,
	last_activity TIMESTAMP NOT NULL,
	active        INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS request_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT,
	method      TEXT NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT,
	duration_ms INTEGER NOT NULL,
	created_at  TIMESTAMP NOT NULL
);
`

// Store wraps the SQLite handle. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	// SQLite allows one writer; funneling everything through a single
	// connection avoids SQLITE_BUSY under concurrent write-back.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordStatus upserts a provider's lifecycle state. Implements
// supervisor.StatusRecorder.
func (s *Store) RecordStatus(ctx context.Context, providerID string, status supervisor.Status, restartCount int, lastHealthCheck time.Time) error {
	var last any
	if !lastHealthCheck.IsZero() {
		last = lastHealthCheck.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO provider_status (provider_id, status, restart_count, last_health_check, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider_id) DO UPDATE SET
			status = excluded.status,
			restart_count = excluded.restart_count,
			last_health_check = excluded.last_health_check,
			updated_at = excluded.updated_at`,
		providerID, string(status), restartCount, last, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: record status for %q: %w", providerID, err)
	}
	return nil
}

// ProviderStatus reads back one provider's recorded state.
func (s *Store) ProviderStatus(ctx context.Context, providerID string) (supervisor.Status, int, error) {
	var status string
	var restarts int
	err := s.db.QueryRowContext(ctx,
		`SELECT status, restart_count FROM provider_status WHERE provider_id = ?`,
		providerID).Scan(&status, &restarts)
	if err != nil {
		return "", 0, fmt.Errorf("store: read status for %q: %w", providerID, err)
	}
	return supervisor.Status(status), restarts, nil
}

// SaveSession mirrors a session row. Implements session.Store.
func (s *Store) SaveSession(ctx context.Context, sess *session.Session) error {
	providers, err := json.Marshal(sess.Providers)
	if err != nil {
		return fmt.Errorf("store: marshal providers: %w", err)
	}
	var info any
	if sess.ClientInfo != nil {
		raw, err := json.Marshal(sess.ClientInfo)
		if err != nil {
			return fmt.Errorf("store: marshal client info: %w", err)
		}
		info = string(raw)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, client_kind, client_info, providers, created_at, last_activity, active)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			providers = excluded.providers,
			last_activity = excluded.last_activity,
			active = 1`,
		sess.ID, sess.ClientKind, info, string(providers), sess.CreatedAt.UTC(), sess.LastActivity.UTC())
	if err != nil {
		return fmt.Errorf("store: save session %q: %w", sess.ID, err)
	}
	return nil
}

// DeactivateSession marks a session row inactive. Implements session.Store.
func (s *Store) DeactivateSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: deactivate session %q: %w", id, err)
	}
	return nil
}

// RequestEntry is one routed request for the audit log.
type RequestEntry struct {
	SessionID string
	Method    string
	Status    string
	Error     string
	Duration  time.Duration
}

// RecordRequest appends to the audit log.
func (s *Store) RecordRequest(ctx context.Context, e RequestEntry) error {
	var errText any
	if e.Error != "" {
		errText = e.Error
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_log (session_id, method, status, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Method, e.Status, errText, e.Duration.Milliseconds(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: record request: %w", err)
	}
	return nil
}

// RequestCount reports audit rows for a session, for the management surface.
func (s *Store) RequestCount(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM request_log WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count requests: %w", err)
	}
	return n, nil
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcphost/mcphost/pkg/session"
	"github.com/mcphost/mcphost/pkg/supervisor"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "gateway.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordStatusUpserts(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if err := s.RecordStatus(ctx, "gh", supervisor.StatusStarting, 0, time.Time{}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordStatus(ctx, "gh", supervisor.StatusActive, 2, time.Now()); err != nil {
		t.Fatalf("record update: %v", err)
	}

	status, restarts, err := s.ProviderStatus(ctx, "gh")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if status != supervisor.StatusActive || restarts != 2 {
		t.Fatalf("read back: status=%s restarts=%d", status, restarts)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	sess := &session.Session{
		ID:           "sess-1",
		ClientKind:   "claude-desktop",
		ClientInfo:   map[string]any{"version": "1.2"},
		Providers:    []string{"gh"},
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	sess.Providers = append(sess.Providers, "fs")
	if err := s.SaveSession(ctx, sess); err != nil {
		t.Fatalf("save update: %v", err)
	}
	if err := s.DeactivateSession(ctx, "sess-1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	var providers string
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT providers, active FROM sessions WHERE id = ?`, "sess-1").Scan(&providers, &active)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if providers != `["gh","fs"]` {
		t.Fatalf("providers column: %s", providers)
	}
	if active != 0 {
		t.Fatalf("active column: %d", active)
	}
}

func TestRequestAuditLog(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	entries := []RequestEntry{
		{SessionID: "sess-1", Method: "tools/list", Status: "ok", Duration: 12 * time.Millisecond},
		{SessionID: "sess-1", Method: "tools/call", Status: "error", Error: "capability not found", Duration: 3 * time.Millisecond},
		{SessionID: "sess-2", Method: "ping", Status: "ok", Duration: time.Millisecond},
	}
	for _, e := range entries {
		if err := s.RecordRequest(ctx, e); err != nil {
			t.Fatalf("record %s: %v", e.Method, err)
		}
	}

	n, err := s.RequestCount(ctx, "sess-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("count: got %d", n)
	}
}

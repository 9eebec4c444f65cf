// Package session tracks AI client sessions and the providers attached to
// them. The in-memory registry is authoritative; a persistence hook mirrors
// changes out for operators, best effort.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for unknown or evicted sessions.
var ErrNotFound = errors.New("session: not found")

const (
	// defaultIdleThreshold is how long a session may sit untouched before
	// the sweeper evicts it.
	defaultIdleThreshold = time.Hour

	// defaultSweepInterval is how often the sweeper wakes.
	defaultSweepInterval = time.Hour
)

// Session is one AI client's routing context. Providers holds attachment
// order, which routing strategies depend on.
type Session struct {
	ID           string         `json:"id"`
	ClientKind   string         `json:"client_kind,omitempty"`
	ClientInfo   map[string]any `json:"client_info,omitempty"`
	Providers    []string       `json:"providers"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
}

// Store mirrors session changes to durable storage. Implementations must
// tolerate being called concurrently.
type Store interface {
	SaveSession(ctx context.Context, s *Session) error
	DeactivateSession(ctx context.Context, id string) error
}

// Directory answers whether a provider id is known. The supervisor
// implements it.
type Directory interface {
	Has(id string) bool
}

// Options configure a Registry. The zero value is usable.
type Options struct {
	Logger *slog.Logger

	// Store, when set, receives best-effort copies of session changes.
	Store Store

	// Directory, when set, gates Attach on provider existence.
	Directory Directory

	// IdleThreshold and SweepInterval tune the idle sweeper.
	IdleThreshold time.Duration
	SweepInterval time.Duration
}

func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.IdleThreshold <= 0 {
		opts.IdleThreshold = defaultIdleThreshold
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	return opts
}

// Registry is the in-memory session table.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry builds an empty Registry.
func NewRegistry(opts *Options) *Registry {
	r := &Registry{
		opts:     opts.withDefaults(),
		sessions: make(map[string]*Session),
	}
	r.logger = r.opts.Logger
	return r
}

// Create registers a new session with a fresh identifier and no providers.
func (r *Registry) Create(ctx context.Context, clientKind string, clientInfo map[string]any) *Session {
	now := time.Now()
	s := &Session{
		ID:           uuid.NewString(),
		ClientKind:   clientKind,
		ClientInfo:   clientInfo,
		Providers:    []string{},
		CreatedAt:    now,
		LastActivity: now,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	r.persist(ctx, s)
	r.logger.Info("session created", "session", s.ID, "client_kind", clientKind)
	return s.clone()
}

// Get returns a copy of a session.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return *s.clone(), nil
}

// Touch advances a session's activity stamp. Unknown ids are ignored.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.LastActivity = time.Now()
	}
}

// Attach adds a provider to a session's routing set. Attaching an already
// attached provider is a no-op; order of first attachment is preserved.
func (r *Registry) Attach(ctx context.Context, sessionID, providerID string) error {
	if r.opts.Directory != nil && !r.opts.Directory.Has(providerID) {
		return fmt.Errorf("session: unknown provider %q", providerID)
	}

	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, sessionID)
	}
	if !slices.Contains(s.Providers, providerID) {
		s.Providers = append(s.Providers, providerID)
	}
	s.LastActivity = time.Now()
	snapshot := s.clone()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	return nil
}

// Detach removes a provider from a session's routing set. Detaching a
// provider that is not attached is a no-op.
func (r *Registry) Detach(ctx context.Context, sessionID, providerID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNotFound, sessionID)
	}
	s.Providers = slices.DeleteFunc(s.Providers, func(id string) bool { return id == providerID })
	s.LastActivity = time.Now()
	snapshot := s.clone()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	return nil
}

// Remove evicts a session outright.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	r.deactivate(ctx, id)
	return nil
}

// Len reports how many sessions are live.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep evicts sessions idle past the threshold and reports how many went.
func (r *Registry) Sweep(ctx context.Context, now time.Time) int {
	r.mu.Lock()
	var evicted []string
	for id, s := range r.sessions {
		if now.Sub(s.LastActivity) > r.opts.IdleThreshold {
			evicted = append(evicted, id)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, id := range evicted {
		r.deactivate(ctx, id)
		r.logger.Info("session evicted", "session", id)
	}
	return len(evicted)
}

// RunSweeper sweeps on an interval until ctx is canceled.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := r.Sweep(ctx, now); n > 0 {
				r.logger.Info("idle sessions swept", "count", n)
			}
		}
	}
}

func (r *Registry) persist(ctx context.Context, s *Session) {
	if r.opts.Store == nil {
		return
	}
	if err := r.opts.Store.SaveSession(ctx, s); err != nil {
		r.logger.Warn("session write-back failed", "session", s.ID, "error", err)
	}
}

func (r *Registry) deactivate(ctx context.Context, id string) {
	if r.opts.Store == nil {
		return
	}
	if err := r.opts.Store.DeactivateSession(ctx, id); err != nil {
		r.logger.Warn("session deactivate write-back failed", "session", id, "error", err)
	}
}

func (s *Session) clone() *Session {
	out := *s
	out.Providers = append([]string(nil), s.Providers...)
	if s.ClientInfo != nil {
		info := make(map[string]any, len(s.ClientInfo))
		for k, v := range s.ClientInfo {
			info[k] = v
		}
		out.ClientInfo = info
	}
	return &out
}

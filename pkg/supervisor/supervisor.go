// Package supervisor owns the lifecycle of capability providers: dialing
// them, tracking their status, proxying requests to them, and restarting
// unhealthy ones within a bounded budget.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcphost/mcphost/pkg/protocol"
	"github.com/mcphost/mcphost/pkg/transport"
)

// ErrNotFound is returned when an operation names an unknown provider or a
// provider without a live transport.
var ErrNotFound = errors.New("supervisor: provider not found")

// ErrAlreadyRegistered is returned by Register for a duplicate provider id.
var ErrAlreadyRegistered = errors.New("supervisor: provider already registered")

// errRestartSuperseded marks a scheduled restart that found its provider no
// longer in the error state, typically because an operator stopped it.
var errRestartSuperseded = errors.New("supervisor: restart superseded")

// RequestFailedError wraps a transport failure while proxying to a provider.
type RequestFailedError struct {
	Provider string
	Method   string
	Err      error
}

func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("supervisor: request %s to provider %q failed: %v", e.Method, e.Provider, e.Err)
}

func (e *RequestFailedError) Unwrap() error { return e.Err }

// StatusRecorder receives status transitions for durable write-back. The
// supervisor treats recording as best effort: failures are logged, never
// propagated into lifecycle operations.
type StatusRecorder interface {
	RecordStatus(ctx context.Context, providerID string, status Status, restartCount int, lastHealthCheck time.Time) error
}

// Options configure a Supervisor. The zero value is usable.
type Options struct {
	// Logger receives lifecycle events. Defaults to slog.Default().
	Logger *slog.Logger

	// Recorder, when set, is notified of every status transition.
	Recorder StatusRecorder

	// RequestTimeout bounds proxied requests whose context carries no
	// deadline. Defaults to 30s.
	RequestTimeout time.Duration

	// HandshakeTimeout bounds transport liveness handshakes and health
	// probes. Defaults to 5s.
	HandshakeTimeout time.Duration

	// RestartInitialDelay seeds the exponential backoff between restart
	// attempts. Defaults to 1s.
	RestartInitialDelay time.Duration
}

func (o *Options) withDefaults() Options {
	var opts Options
	if o != nil {
		opts = *o
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.RestartInitialDelay <= 0 {
		opts.RestartInitialDelay = time.Second
	}
	return opts
}

// entry holds the mutable runtime state for one provider. Its mutex
// serializes lifecycle transitions for that provider only, so starting one
// provider never blocks requests to another. gen advances on every stop;
// scheduled restarts and in-flight dials carry the gen they were issued
// under and abandon themselves when it has moved on.
type entry struct {
	mu              sync.Mutex
	provider        Provider
	status          Status
	gen             uint64
	tr              transport.Transport
	restartCount    int
	lastHealthCheck time.Time
	boff            *backoff.ExponentialBackOff
}

// Supervisor manages a registry of providers and their transports.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	// dial is swappable in tests.
	dial func(ctx context.Context, cfg transport.Config) (transport.Transport, error)

	wg   sync.WaitGroup
	done chan struct{}
}

// New builds a Supervisor over the given providers, all starting inactive.
// Invalid providers are rejected.
func New(providers []Provider, opts *Options) (*Supervisor, error) {
	s := &Supervisor{
		opts:    opts.withDefaults(),
		entries: make(map[string]*entry),
		dial:    transport.Open,
		done:    make(chan struct{}),
	}
	s.logger = s.opts.Logger
	for _, p := range providers {
		if err := s.Register(p); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register adds a provider to the registry in the inactive state.
func (s *Supervisor) Register(p Provider) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[p.ID]; exists {
		return fmt.Errorf("%w: %q", ErrAlreadyRegistered, p.ID)
	}
	s.entries[p.ID] = &entry{provider: p, status: StatusInactive}
	return nil
}

// Deregister stops a provider if needed and removes it from the registry.
func (s *Supervisor) Deregister(ctx context.Context, id string) error {
	if err := s.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return ErrNotFound
	}
	delete(s.entries, id)
	return nil
}

// Has reports whether a provider is registered.
func (s *Supervisor) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok
}

// Get returns a snapshot of one provider.
func (s *Supervisor) Get(id string) (Snapshot, error) {
	e := s.entry(id)
	if e == nil {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(), nil
}

// List returns snapshots of all providers sorted by id.
func (s *Supervisor) List() []Snapshot {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		snaps = append(snaps, e.snapshotLocked())
		e.mu.Unlock()
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Provider.ID < snaps[j].Provider.ID })
	return snaps
}

// Start dials the provider's transport and performs its handshake. Starting
// an already active or starting provider is a no-op. On failure the provider
// lands in the error state and the dial error is returned.
func (s *Supervisor) Start(ctx context.Context, id string) error {
	return s.start(ctx, id, nil)
}

// start is Start plus an optional restart gate. A gated attempt proceeds
// only if the provider is still in the error state under the generation the
// restart was scheduled for; otherwise it reports errRestartSuperseded.
// The dial itself runs outside the entry lock so reads and proxied requests
// for the provider never stall behind a slow handshake.
func (s *Supervisor) start(ctx context.Context, id string, gate *restartGate) error {
	e := s.entry(id)
	if e == nil {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	e.mu.Lock()
	if gate != nil && (e.gen != gate.gen || e.status != StatusError) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q", errRestartSuperseded, id)
	}
	if e.status == StatusActive || e.status == StatusStarting {
		e.mu.Unlock()
		return nil
	}
	s.setStatusLocked(ctx, e, StatusStarting)
	gen := e.gen
	provider := e.provider
	e.mu.Unlock()

	tr, err := s.dial(ctx, transportConfig(provider, s.opts, s.logger))

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen || e.status != StatusStarting {
		// Stopped while the dial was in flight; the stop won.
		if tr != nil {
			_ = tr.Close()
		}
		return fmt.Errorf("%w: %q", errRestartSuperseded, id)
	}
	if err != nil {
		s.setStatusLocked(ctx, e, StatusError)
		return fmt.Errorf("supervisor: start %q: %w", id, err)
	}

	e.tr = tr
	e.lastHealthCheck = time.Now()
	s.setStatusLocked(ctx, e, StatusActive)
	s.logger.Info("provider started", "provider", id, "transport", provider.Transport)
	return nil
}

// restartGate pins a scheduled restart to the generation it was issued for.
type restartGate struct {
	gen uint64
}

// Stop closes the provider's transport. Stopping an inactive provider is a
// no-op; the provider always ends inactive even if teardown reports errors.
// Stopping advances the entry's generation, invalidating any pending restart
// or in-flight dial for the previous incarnation.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	e := s.entry(id)
	if e == nil {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tr == nil && e.status == StatusInactive {
		return nil
	}
	e.gen++
	s.setStatusLocked(ctx, e, StatusStopping)
	if e.tr != nil {
		if err := e.tr.Close(); err != nil {
			s.logger.Warn("transport close failed", "provider", id, "error", err)
		}
		e.tr = nil
	}
	e.restartCount = 0
	e.boff = nil
	s.setStatusLocked(ctx, e, StatusInactive)
	s.logger.Info("provider stopped", "provider", id)
	return nil
}

// ProxyRequest forwards one JSON-RPC request to a provider and returns the
// provider's envelope. Requests without a caller deadline get the
// supervisor's default timeout.
func (s *Supervisor) ProxyRequest(ctx context.Context, id, method string, params any) (*protocol.Response, error) {
	e := s.entry(id)
	if e == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	e.mu.Lock()
	tr := e.tr
	e.mu.Unlock()
	if tr == nil {
		return nil, fmt.Errorf("%w: %q is not active", ErrNotFound, id)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	resp, err := tr.Send(ctx, method, params)
	if err != nil {
		return nil, &RequestFailedError{Provider: id, Method: method, Err: err}
	}
	return resp, nil
}

// HealthCheck pings one provider. On success the last-checked stamp
// advances. On failure the provider transitions to the error state, its
// transport is torn down, and a restart is scheduled when the provider's
// budget allows.
func (s *Supervisor) HealthCheck(ctx context.Context, id string) error {
	e := s.entry(id)
	if e == nil {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	e.mu.Lock()
	tr := e.tr
	e.mu.Unlock()
	if tr == nil {
		return fmt.Errorf("%w: %q is not active", ErrNotFound, id)
	}

	pctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()
	_, err := tr.Send(pctx, protocol.MethodPing, nil)

	e.mu.Lock()
	if err == nil {
		e.lastHealthCheck = time.Now()
		e.restartCount = 0
		e.boff = nil
		s.recordLocked(ctx, e)
		e.mu.Unlock()
		return nil
	}

	s.setStatusLocked(ctx, e, StatusError)
	if e.tr != nil {
		_ = e.tr.Close()
		e.tr = nil
	}
	var delay time.Duration
	restart := e.provider.AutoRestart && e.restartCount < e.provider.MaxRestarts
	if restart {
		e.restartCount++
		delay = s.nextRestartDelayLocked(e)
	}
	attempt := e.restartCount
	gen := e.gen
	e.mu.Unlock()

	if restart {
		s.logger.Warn("health check failed, scheduling restart",
			"provider", id, "attempt", attempt, "delay", delay, "error", err)
		s.scheduleRestart(id, gen, delay)
	} else {
		s.logger.Warn("health check failed", "provider", id, "error", err)
	}
	return fmt.Errorf("supervisor: health check %q: %w", id, err)
}

// Capabilities performs the initialize exchange with an active provider.
// The call is advisory: any failure yields an empty result so management
// callers never fail on a provider's bad day.
func (s *Supervisor) Capabilities(ctx context.Context, id string) *protocol.InitializeResult {
	params := map[string]any{
		"protocolVersion": protocol.MCPProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      &mcp.Implementation{Name: "mcp-host", Version: "0.1.0"},
	}
	resp, err := s.ProxyRequest(ctx, id, protocol.MethodInitialize, params)
	if err != nil || resp.Error != nil {
		s.logger.Debug("capability discovery failed", "provider", id, "error", err)
		return &protocol.InitializeResult{}
	}
	var result protocol.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		s.logger.Debug("capability payload undecodable", "provider", id, "error", err)
		return &protocol.InitializeResult{}
	}
	return &result
}

// RestoreRestartCount seeds a provider's restart counter from persisted
// state so the budget survives gateway restarts.
func (s *Supervisor) RestoreRestartCount(id string, n int) {
	e := s.entry(id)
	if e == nil || n <= 0 {
		return
	}
	e.mu.Lock()
	e.restartCount = n
	e.mu.Unlock()
}

// Shutdown stops all providers and waits for restart workers to drain.
func (s *Supervisor) Shutdown(ctx context.Context) {
	close(s.done)

	s.mu.RLock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	for _, id := range ids {
		if err := s.Stop(ctx, id); err != nil {
			s.logger.Warn("shutdown stop failed", "provider", id, "error", err)
		}
	}
	s.wg.Wait()
}

// scheduleRestart fires one restart attempt for the given generation after
// the backoff delay. The attempt is abandoned if the provider left the error
// state in the meantime; auto-restart is only the error-to-starting edge.
func (s *Supervisor) scheduleRestart(id string, gen uint64, delay time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(delay):
		case <-s.done:
			return
		}

		err := s.start(context.Background(), id, &restartGate{gen: gen})
		if err == nil {
			s.logger.Info("provider restarted", "provider", id)
			return
		}
		if errors.Is(err, errRestartSuperseded) {
			s.logger.Debug("abandoning stale restart", "provider", id)
			return
		}
		s.logger.Warn("restart attempt failed", "provider", id, "error", err)

		e := s.entry(id)
		if e == nil {
			return
		}
		e.mu.Lock()
		again := e.provider.AutoRestart && e.restartCount < e.provider.MaxRestarts
		var next time.Duration
		if again {
			e.restartCount++
			next = s.nextRestartDelayLocked(e)
		}
		nextGen := e.gen
		e.mu.Unlock()
		if again {
			s.scheduleRestart(id, nextGen, next)
		} else {
			s.logger.Warn("restart budget exhausted", "provider", id)
		}
	}()
}

func (s *Supervisor) nextRestartDelayLocked(e *entry) time.Duration {
	if e.boff == nil {
		e.boff = backoff.NewExponentialBackOff()
		e.boff.InitialInterval = s.opts.RestartInitialDelay
		e.boff.MaxInterval = 2 * time.Minute
		e.boff.Reset()
	}
	return e.boff.NextBackOff()
}

func (s *Supervisor) entry(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[id]
}

// setStatusLocked mutates status and forwards the transition to the
// recorder. Caller holds e.mu.
func (s *Supervisor) setStatusLocked(ctx context.Context, e *entry, status Status) {
	e.status = status
	s.recordLocked(ctx, e)
}

func (s *Supervisor) recordLocked(ctx context.Context, e *entry) {
	if s.opts.Recorder == nil {
		return
	}
	if err := s.opts.Recorder.RecordStatus(ctx, e.provider.ID, e.status, e.restartCount, e.lastHealthCheck); err != nil {
		s.logger.Warn("status write-back failed", "provider", e.provider.ID, "error", err)
	}
}

func (e *entry) snapshotLocked() Snapshot {
	return Snapshot{
		Provider:        e.provider,
		Status:          e.status,
		RestartCount:    e.restartCount,
		LastHealthCheck: e.lastHealthCheck,
	}
}

func transportConfig(p Provider, opts Options, logger *slog.Logger) transport.Config {
	return transport.Config{
		Kind:             p.Transport,
		Command:          p.Command,
		Args:             p.Args,
		Env:              p.Env,
		Host:             p.Host,
		Port:             p.Port,
		HandshakeTimeout: opts.HandshakeTimeout,
		Logger:           logger.With("provider", p.ID),
	}
}

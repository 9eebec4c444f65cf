// Package router picks which providers answer an inbound MCP request and
// merges their answers. Three strategies cover the protocol surface:
// aggregation for list methods, capability lookup for targeted calls, and
// primary-fallback for everything else.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/mcphost/mcphost/pkg/protocol"
	"github.com/mcphost/mcphost/pkg/session"
)

// providerIDKey tags aggregated items with their origin so clients can route
// follow-up calls. The underscore prefix keeps it clear of MCP field names.
const providerIDKey = "_provider_id"

// Routing failures callers classify with errors.Is.
var (
	// ErrNoSession means the inbound request named an unknown or evicted
	// session.
	ErrNoSession = errors.New("router: no such session")

	// ErrNoProvidersAttached means the session has an empty routing set.
	ErrNoProvidersAttached = errors.New("router: no providers attached")

	// ErrMissingTarget means a targeted method arrived without the
	// parameter naming its target.
	ErrMissingTarget = errors.New("router: missing target parameter")

	// ErrCapabilityNotFound means no attached provider advertises the
	// requested capability.
	ErrCapabilityNotFound = errors.New("router: capability not found")
)

// defaultAggregateLimit caps concurrent provider fan-out per aggregate call.
const defaultAggregateLimit = 8

// ProviderClient is the slice of the supervisor the router needs.
type ProviderClient interface {
	ProxyRequest(ctx context.Context, providerID, method string, params any) (*protocol.Response, error)
}

// Sessions resolves inbound session identifiers.
type Sessions interface {
	Get(id string) (session.Session, error)
	Touch(id string)
}

// Options configure a Router.
type Options struct {
	Logger *slog.Logger

	// AggregateLimit caps concurrent fan-out during list aggregation.
	AggregateLimit int
}

// Router dispatches inbound requests across a session's providers.
type Router struct {
	providers ProviderClient
	sessions  Sessions
	logger    *slog.Logger
	limit     int
}

// New builds a Router.
func New(providers ProviderClient, sessions Sessions, opts *Options) *Router {
	r := &Router{providers: providers, sessions: sessions, limit: defaultAggregateLimit}
	if opts != nil {
		if opts.Logger != nil {
			r.logger = opts.Logger
		}
		if opts.AggregateLimit > 0 {
			r.limit = opts.AggregateLimit
		}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Route dispatches one request on behalf of a session and returns the raw
// result payload. Provider-reported JSON-RPC errors come back as
// *protocol.Error values recoverable with errors.As.
func (r *Router) Route(ctx context.Context, sessionID, method string, params json.RawMessage) (json.RawMessage, error) {
	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrNoSession, sessionID)
	}
	r.sessions.Touch(sessionID)
	if len(sess.Providers) == 0 {
		return nil, fmt.Errorf("%w: session %q", ErrNoProvidersAttached, sessionID)
	}

	switch method {
	case protocol.MethodListTools, protocol.MethodListResources, protocol.MethodListPrompts:
		return r.aggregate(ctx, sess.Providers, method, params)
	case protocol.MethodCallTool:
		return r.lookup(ctx, sess.Providers, method, params, "name", r.toolNames)
	case protocol.MethodGetPrompt:
		return r.lookup(ctx, sess.Providers, method, params, "name", r.promptNames)
	case protocol.MethodReadResource:
		return r.lookup(ctx, sess.Providers, method, params, "uri", r.resourceURIs)
	default:
		return r.primary(ctx, sess.Providers[0], method, params)
	}
}

// aggregate fans the request out to every attached provider, tags each item
// with its origin, and concatenates the lists in attachment order. Failing
// providers contribute nothing; they never sink the whole call.
func (r *Router) aggregate(ctx context.Context, providers []string, method string, params json.RawMessage) (json.RawMessage, error) {
	slots := make([][]any, len(providers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)
	for i, pid := range providers {
		g.Go(func() error {
			resp, err := r.providers.ProxyRequest(gctx, pid, method, rawParams(params))
			if err != nil {
				r.logger.Warn("aggregation skipping provider", "provider", pid, "method", method, "error", err)
				return nil
			}
			if resp.Error != nil {
				r.logger.Warn("aggregation skipping provider", "provider", pid, "method", method, "error", resp.Error)
				return nil
			}
			slots[i] = tagItems(extractItems(method, resp.Result), pid)
			return nil
		})
	}
	// Workers swallow per-provider errors, so Wait returns nil; a canceled
	// or expired caller context still has to surface instead of posing as
	// an empty merge.
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	merged := make([]any, 0)
	for _, items := range slots {
		merged = append(merged, items...)
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("router: marshal aggregate: %w", err)
	}
	return out, nil
}

// lookup forwards a targeted call to the first attached provider that
// advertises the target, consulting providers in attachment order.
func (r *Router) lookup(ctx context.Context, providers []string, method string, params json.RawMessage, targetKey string, names func(ctx context.Context, pid string) []string) (json.RawMessage, error) {
	target := stringParam(params, targetKey)
	if target == "" {
		return nil, fmt.Errorf("%w: %s requires %q", ErrMissingTarget, method, targetKey)
	}

	for _, pid := range providers {
		if !slices.Contains(names(ctx, pid), target) {
			continue
		}
		resp, err := r.providers.ProxyRequest(ctx, pid, method, rawParams(params))
		if err != nil {
			return nil, err
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrCapabilityNotFound, target)
}

// primary forwards to the session's first provider and passes the provider's
// verdict through untouched.
func (r *Router) primary(ctx context.Context, pid, method string, params json.RawMessage) (json.RawMessage, error) {
	resp, err := r.providers.ProxyRequest(ctx, pid, method, rawParams(params))
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// Capability listings are advisory: a provider that cannot answer simply
// offers no names this round.

func (r *Router) toolNames(ctx context.Context, pid string) []string {
	resp, err := r.providers.ProxyRequest(ctx, pid, protocol.MethodListTools, nil)
	if err != nil || resp.Error != nil {
		r.logger.Debug("tool listing unavailable", "provider", pid, "error", err)
		return nil
	}
	return protocol.DecodeToolNames(resp.Result)
}

func (r *Router) promptNames(ctx context.Context, pid string) []string {
	resp, err := r.providers.ProxyRequest(ctx, pid, protocol.MethodListPrompts, nil)
	if err != nil || resp.Error != nil {
		r.logger.Debug("prompt listing unavailable", "provider", pid, "error", err)
		return nil
	}
	return protocol.DecodePromptNames(resp.Result)
}

func (r *Router) resourceURIs(ctx context.Context, pid string) []string {
	resp, err := r.providers.ProxyRequest(ctx, pid, protocol.MethodListResources, nil)
	if err != nil || resp.Error != nil {
		r.logger.Debug("resource listing unavailable", "provider", pid, "error", err)
		return nil
	}
	return protocol.DecodeResourceURIs(resp.Result)
}

// extractItems pulls the item list out of a provider result. Providers
// return either a bare array or an object keyed by the method's canonical
// list name; anything else is carried as a single item.
func extractItems(method string, raw json.RawMessage) []any {
	if len(raw) == 0 {
		return nil
	}
	var arr []any
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	if inner, ok := obj[listKey(method)].([]any); ok {
		return inner
	}
	return []any{obj}
}

func listKey(method string) string {
	switch method {
	case protocol.MethodListTools:
		return "tools"
	case protocol.MethodListResources:
		return "resources"
	case protocol.MethodListPrompts:
		return "prompts"
	default:
		return ""
	}
}

func tagItems(items []any, pid string) []any {
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			m[providerIDKey] = pid
		}
	}
	return items
}

func stringParam(params json.RawMessage, key string) string {
	if len(params) == 0 {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal(params, &obj); err != nil {
		return ""
	}
	s, _ := obj[key].(string)
	return s
}

// rawParams keeps nil params out of the wire envelope while forwarding the
// caller's payload byte for byte.
func rawParams(params json.RawMessage) any {
	if len(params) == 0 {
		return nil
	}
	return params
}

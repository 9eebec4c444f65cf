// Package transport dials capability providers and exchanges JSON-RPC
// envelopes with them. Four wire flavors are supported: stdio subprocesses
// speaking newline-delimited JSON-RPC, and three HTTP variants that differ
// only in their probe and request paths.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mcphost/mcphost/pkg/protocol"
)

// Kind selects the wire flavor used to reach a provider.
type Kind string

const (
	KindStdio          Kind = "stdio"
	KindHTTP           Kind = "http"
	KindSSE            Kind = "sse"
	KindStreamableHTTP Kind = "streamable-http"
)

// Sentinel errors surfaced by transports. Callers classify failures with
// errors.Is rather than matching message text.
var (
	// ErrHandshakeFailed indicates the provider never produced a valid
	// JSON-RPC envelope (or a 2xx probe response) during Open.
	ErrHandshakeFailed = errors.New("transport: handshake failed")

	// ErrTimeout indicates the caller's deadline elapsed while the request
	// was in flight, including any time spent queued behind other writes.
	ErrTimeout = errors.New("transport: request timed out")

	// ErrClosed indicates the transport shut down, voluntarily or not,
	// before the request completed.
	ErrClosed = errors.New("transport: closed")
)

const (
	defaultHandshakeTimeout = 5 * time.Second

	// defaultPoolSize caps idle HTTP connections kept per provider.
	defaultPoolSize = 32
)

// Config describes how to reach a single provider.
type Config struct {
	Kind Kind

	// Stdio providers.
	Command string
	Args    []string
	Env     map[string]string

	// HTTP-family providers.
	Host       string
	Port       int
	HTTPClient *http.Client

	// HandshakeTimeout bounds the liveness probe performed by Open.
	// Zero selects the default.
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

func (c Config) handshakeTimeout() time.Duration {
	if c.HandshakeTimeout > 0 {
		return c.HandshakeTimeout
	}
	return defaultHandshakeTimeout
}

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Transport is one live connection to one provider. Send is safe for
// concurrent use; Close is idempotent.
type Transport interface {
	// Send issues a request and blocks until the matching response arrives
	// or ctx expires. Responses are matched by request identifier, never by
	// arrival order.
	Send(ctx context.Context, method string, params any) (*protocol.Response, error)

	// Close tears the connection down. In-flight Send calls fail with
	// ErrClosed before resources are released.
	Close() error
}

// Open dials the provider described by cfg and performs the kind-specific
// liveness handshake. A provider that cannot produce a well-formed response
// within the handshake window is reported via ErrHandshakeFailed.
func Open(ctx context.Context, cfg Config) (Transport, error) {
	switch cfg.Kind {
	case KindStdio:
		return openStdio(ctx, cfg)
	case KindHTTP, KindSSE, KindStreamableHTTP:
		return openHTTP(ctx, cfg)
	default:
		return nil, fmt.Errorf("transport: unsupported kind %q", cfg.Kind)
	}
}

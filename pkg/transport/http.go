package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/mcphost/mcphost/pkg/protocol"
)

// httpTransport covers the three HTTP-family flavors. They share request
// mechanics and differ only in which path answers the liveness probe and
// which path accepts JSON-RPC POSTs.
type httpTransport struct {
	kind   Kind
	base   string
	client *http.Client
	logger *slog.Logger
}

func openHTTP(ctx context.Context, cfg Config) (Transport, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, errors.New("transport: http provider needs host and port")
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: defaultPoolSize,
				MaxConnsPerHost:     defaultPoolSize,
			},
		}
	}

	t := &httpTransport{
		kind:   cfg.Kind,
		base:   fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		client: client,
		logger: cfg.logger().With("endpoint", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)),
	}

	hctx, cancel := context.WithTimeout(ctx, cfg.handshakeTimeout())
	defer cancel()
	if err := t.probe(hctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return t, nil
}

// probe issues the kind-specific liveness GET. Any 2xx answer counts as
// reachable; the body is not interpreted.
func (t *httpTransport) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.base+t.probePath(), nil)
	if err != nil {
		return err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe %s returned %s", t.probePath(), resp.Status)
	}
	return nil
}

func (t *httpTransport) Send(ctx context.Context, method string, params any) (*protocol.Response, error) {
	rpcReq, err := protocol.NewRequest(uuid.NewString(), method, params)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+t.rpcPath(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isURLTimeout(err) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, method)
		}
		return nil, fmt.Errorf("transport: %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("transport: %s returned %s", method, resp.Status)
	}

	var rpcResp protocol.Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("transport: decode response: %w", err)
	}
	if !rpcResp.Valid() {
		return nil, fmt.Errorf("transport: %s: not a JSON-RPC envelope", method)
	}
	return &rpcResp, nil
}

func (t *httpTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *httpTransport) probePath() string {
	switch t.kind {
	case KindSSE:
		return "/sse"
	case KindStreamableHTTP:
		return "/"
	default:
		return "/health"
	}
}

func (t *httpTransport) rpcPath() string {
	switch t.kind {
	case KindSSE:
		return "/sse"
	case KindStreamableHTTP:
		return "/"
	default:
		return "/mcp"
	}
}

func isURLTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

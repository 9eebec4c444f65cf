package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/mcphost/mcphost/pkg/protocol"
)

// fakeProvider records the paths hit and answers JSON-RPC POSTs by echoing
// the request identifier.
func fakeProvider(t *testing.T, probePath, rpcPath string) (*httptest.Server, Config, *[]string) {
	t.Helper()
	var hits []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits = append(hits, r.Method+" "+r.URL.Path)
		switch {
		case r.Method == http.MethodGet && r.URL.Path == probePath:
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == rpcPath:
			var req protocol.Request
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			id, _ := json.Marshal(req.ID)
			resp := protocol.Response{JSONRPC: protocol.Version, ID: id, Result: json.RawMessage(`{"ok":true}`)}
			_ = json.NewEncoder(w).Encode(&resp)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("server port: %v", err)
	}
	cfg := Config{Host: u.Hostname(), Port: port, HTTPClient: srv.Client(), HandshakeTimeout: 2 * time.Second}
	return srv, cfg, &hits
}

func TestHTTPKindsUseTheirPaths(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind      Kind
		probePath string
		rpcPath   string
	}{
		{KindHTTP, "/health", "/mcp"},
		{KindSSE, "/sse", "/sse"},
		{KindStreamableHTTP, "/", "/"},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			t.Parallel()

			_, cfg, hits := fakeProvider(t, tc.probePath, tc.rpcPath)
			cfg.Kind = tc.kind

			tr, err := Open(context.Background(), cfg)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer tr.Close()

			resp, err := tr.Send(context.Background(), protocol.MethodListTools, nil)
			if err != nil {
				t.Fatalf("send: %v", err)
			}
			if resp.Error != nil {
				t.Fatalf("unexpected rpc error: %v", resp.Error)
			}

			want := []string{"GET " + tc.probePath, "POST " + tc.rpcPath}
			if len(*hits) != len(want) {
				t.Fatalf("hits: got %v, want %v", *hits, want)
			}
			for i := range want {
				if (*hits)[i] != want[i] {
					t.Fatalf("hit %d: got %q, want %q", i, (*hits)[i], want[i])
				}
			}
		})
	}
}

func TestHTTPProbeFailureIsHandshakeFailed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	cfg := Config{Kind: KindHTTP, Host: u.Hostname(), Port: port, HTTPClient: srv.Client(), HandshakeTimeout: 2 * time.Second}

	_, err := Open(context.Background(), cfg)
	if !errors.Is(err, ErrHandshakeFailed) {
		t.Fatalf("want ErrHandshakeFailed, got %v", err)
	}
}

func TestHTTPSendNon2xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	u, _ := url.Parse(srv.URL)
	port, _ := strconv.Atoi(u.Port())
	cfg := Config{Kind: KindHTTP, Host: u.Hostname(), Port: port, HTTPClient: srv.Client(), HandshakeTimeout: 2 * time.Second}

	tr, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Close()

	if _, err := tr.Send(context.Background(), protocol.MethodListTools, nil); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestHTTPSendTimeout(t *testing.T) {
	t.Parallel()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			return
		}
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	u, _ := url.Parse(slow.URL)
	port, _ := strconv.Atoi(u.Port())
	cfg := Config{Kind: KindHTTP, Host: u.Hostname(), Port: port, HTTPClient: slow.Client(), HandshakeTimeout: 2 * time.Second}

	tr, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := tr.Send(ctx, protocol.MethodListTools, nil); !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
}

package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mcphost/mcphost/pkg/protocol"
)

const (
	// stdioMaxLine bounds a single response line. Providers shipping large
	// resource payloads stay well under this.
	stdioMaxLine = 16 * 1024 * 1024

	// stdioCloseGrace is how long a subprocess gets between SIGTERM and
	// SIGKILL during Close.
	stdioCloseGrace = 5 * time.Second
)

// stdioTransport runs a provider subprocess and speaks newline-delimited
// JSON-RPC over its pipes. Every request carries a fresh UUID identifier and
// responses are routed back to callers through a waiter table keyed by that
// identifier, so out-of-order replies reach the right caller.
type stdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	// writeMu serializes stdin writes so concurrent requests never
	// interleave bytes within a line.
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *protocol.Response
	err     error
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

func openStdio(ctx context.Context, cfg Config) (Transport, error) {
	if cfg.Command == "" {
		return nil, errors.New("transport: stdio provider has no command")
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		env := os.Environ()
		for k, v := range cfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transport: spawn %q: %w", cfg.Command, err)
	}

	t := &stdioTransport{
		cmd:     cmd,
		stdin:   stdin,
		logger:  cfg.logger().With("command", cfg.Command),
		pending: make(map[string]chan *protocol.Response),
		done:    make(chan struct{}),
	}
	go t.readLoop(stdout)
	go t.drainStderr(stderr)

	hctx, cancel := context.WithTimeout(ctx, cfg.handshakeTimeout())
	defer cancel()
	if _, err := t.Send(hctx, protocol.MethodPing, nil); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	return t, nil
}

func (t *stdioTransport) Send(ctx context.Context, method string, params any) (*protocol.Response, error) {
	req, err := protocol.NewRequest(uuid.NewString(), method, params)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal request: %w", err)
	}
	payload = append(payload, '\n')

	ch := make(chan *protocol.Response, 1)
	t.mu.Lock()
	if t.err != nil {
		failure := t.err
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrClosed, failure)
	}
	t.pending[req.ID] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, req.ID)
		t.mu.Unlock()
	}()

	t.writeMu.Lock()
	_, werr := t.stdin.Write(payload)
	t.writeMu.Unlock()
	if werr != nil {
		return nil, fmt.Errorf("transport: write request: %w", werr)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-t.done:
		return nil, fmt.Errorf("%w: %v", ErrClosed, t.failure())
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, method)
		}
		return nil, ctx.Err()
	}
}

// Close fails pending callers, closes stdin, and reaps the subprocess,
// escalating from SIGTERM to SIGKILL after a grace period.
func (t *stdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.fail(ErrClosed)
		_ = t.stdin.Close()
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Signal(syscall.SIGTERM)
		}

		waited := make(chan error, 1)
		go func() { waited <- t.cmd.Wait() }()
		select {
		case t.closeErr = <-waited:
		case <-time.After(stdioCloseGrace):
			t.logger.Warn("provider ignored SIGTERM, killing")
			if t.cmd.Process != nil {
				_ = t.cmd.Process.Kill()
			}
			t.closeErr = <-waited
		}
	})
	if t.closeErr != nil && !isExitError(t.closeErr) {
		return fmt.Errorf("transport: close: %w", t.closeErr)
	}
	return nil
}

// readLoop consumes stdout line by line, dispatching replies to waiters.
// A malformed line or a non-JSON-RPC envelope poisons the transport.
func (t *stdioTransport) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), stdioMaxLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var resp protocol.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			t.fail(fmt.Errorf("transport: malformed response line: %w", err))
			return
		}
		if !resp.Valid() {
			t.fail(fmt.Errorf("transport: not a JSON-RPC envelope: %.80s", line))
			return
		}
		if resp.IsNotification() {
			t.logger.Debug("dropping provider notification", "method", resp.Method)
			continue
		}
		t.dispatch(&resp)
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	t.fail(fmt.Errorf("transport: read: %w", err))
}

func (t *stdioTransport) dispatch(resp *protocol.Response) {
	id := resp.CorrelationID()
	t.mu.Lock()
	ch, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()
	if !ok {
		// Late answer to a caller that already timed out, or an
		// identifier the gateway never issued.
		t.logger.Warn("discarding unmatched response", "id", id)
		return
	}
	ch <- resp
}

// fail records the first terminal error and wakes all pending callers.
func (t *stdioTransport) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
		close(t.done)
	}
	t.mu.Unlock()
}

func (t *stdioTransport) failure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *stdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		t.logger.Debug("provider stderr", "line", scanner.Text())
	}
}

func isExitError(err error) bool {
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

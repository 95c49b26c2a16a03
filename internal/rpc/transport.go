package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/aristath/taskflow/internal/logging"
	"github.com/aristath/taskflow/internal/process"
)

// ErrTransportClosed is returned by calls on a closed transport.
var ErrTransportClosed = errors.New("transport closed")

// Transport delivers one JSON-RPC payload (a request object or a batch
// array) and returns the raw response payload. key is the id the response
// is matched on; for batches it is the id of the last request.
type Transport interface {
	Call(ctx context.Context, key string, payload []byte) ([]byte, error)
	Close() error
}

// HTTPTransport posts payloads to a provider URL.
type HTTPTransport struct {
	url     string
	client  *http.Client
	headers map[string]string
}

// NewHTTPTransport creates an HTTP transport. A nil client uses a client
// with a 60s timeout.
func NewHTTPTransport(url string, client *http.Client, headers map[string]string) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPTransport{url: url, client: client, headers: headers}
}

func (t *HTTPTransport) Call(ctx context.Context, _ string, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", t.url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("provider returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

func (t *HTTPTransport) Close() error { return nil }

// StdioConfig describes a provider subprocess.
type StdioConfig struct {
	Command string
	Args    []string
	Env     []string
	WorkDir string
}

// StdioTransport talks newline-delimited JSON-RPC to a subprocess. Requests
// may be in flight concurrently; responses are routed by id.
type StdioTransport struct {
	cfg StdioConfig
	pm  *process.Manager
	log *slog.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending map[string]chan []byte
	closed  bool
	done    chan struct{}
	cancel  context.CancelFunc
}

// NewStdioTransport creates a transport. The process starts on first call.
func NewStdioTransport(cfg StdioConfig, pm *process.Manager, log *slog.Logger) *StdioTransport {
	return &StdioTransport{
		cfg:     cfg,
		pm:      pm,
		log:     logging.Component(log, "rpc-stdio").With("command", cfg.Command),
		pending: make(map[string]chan []byte),
	}
}

func (t *StdioTransport) start() error {
	if t.cmd != nil {
		return nil
	}
	if t.closed {
		return ErrTransportClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := process.Command(ctx, t.cfg.Command, t.cfg.Args...)
	cmd.Dir = t.cfg.WorkDir
	if len(t.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), t.cfg.Env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start provider %s: %w", t.cfg.Command, err)
	}
	if t.pm != nil {
		t.pm.Track(cmd)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.cancel = cancel
	t.done = make(chan struct{})

	go t.drainStderr(stderr)
	go t.readLoop(stdout, t.done)
	t.log.Info("provider process started", "pid", cmd.Process.Pid)
	return nil
}

func (t *StdioTransport) Call(ctx context.Context, key string, payload []byte) ([]byte, error) {
	ch := make(chan []byte, 1)

	t.mu.Lock()
	if err := t.start(); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.pending[key] = ch
	stdin := t.stdin
	done := t.done
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
	}()

	line := append(bytes.TrimSpace(payload), '\n')
	t.writeMu.Lock()
	_, err := stdin.Write(line)
	t.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-done:
		return nil, fmt.Errorf("provider %s exited", t.cfg.Command)
	case <-ctx.Done():
		return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
	}
}

func (t *StdioTransport) readLoop(stdout io.Reader, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		data := append([]byte(nil), line...)

		keys, err := responseKeys(data)
		if err != nil {
			t.log.Warn("discarding unparsable provider output", "error", err)
			continue
		}

		t.mu.Lock()
		var ch chan []byte
		for _, k := range keys {
			if c, ok := t.pending[k]; ok {
				ch = c
				break
			}
		}
		t.mu.Unlock()

		if ch == nil {
			t.log.Warn("no pending call for provider response", "ids", keys)
			continue
		}
		select {
		case ch <- data:
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		t.log.Warn("provider read loop ended", "error", err)
	}
}

func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		t.log.Debug("provider stderr", "line", scanner.Text())
	}
}

// Close stops the provider process.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cmd, stdin, cancel, done := t.cmd, t.stdin, t.cancel, t.done
	t.mu.Unlock()

	if cmd == nil {
		return nil
	}
	_ = stdin.Close()
	cancel()
	<-done
	err := cmd.Wait()
	if t.pm != nil {
		t.pm.Untrack(cmd)
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return err
	}
	return nil
}

// responseKeys returns the ids carried by a response object or batch array.
func responseKeys(data []byte) ([]string, error) {
	if len(data) > 0 && data[0] == '[' {
		var items []struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(items))
		for i := len(items) - 1; i >= 0; i-- {
			keys = append(keys, (&Response{ID: items[i].ID}).IDString())
		}
		return keys, nil
	}
	var item struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	return []string{(&Response{ID: item.ID}).IDString()}, nil
}

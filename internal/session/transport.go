// Package session implements the default console-session transport: a
// WebSocket to the analytic server carrying numbered command/response
// frames plus server-pushed variable-change and log frames.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rjewell/console-bridge/internal/connection"
)

// Errors
var (
	ErrNotConnected  = errors.New("not connected")
	ErrAlreadyClosed = errors.New("already closed")
	ErrTimeout       = errors.New("command timeout")
)

// Config configures a session transport.
type Config struct {
	URL          string        // WebSocket URL of the console endpoint
	Token        string        // Bearer token, empty for anonymous servers
	ConsoleType  string        // Console type requested at session open
	ExecTimeout  time.Duration // Max wait for a command response
	WriteTimeout time.Duration // Write deadline for sends
	BufferSize   int           // Push-event channel buffer size
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ExecTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Second,
		BufferSize:   256,
	}
}

// command is a frame sent to the server.
type command struct {
	ID     int64  `json:"id"`
	Cmd    string `json:"cmd"`
	Params any    `json:"params,omitempty"`
}

// response is a command response from the server.
type response struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"` // "result", "error"
	Msg  json.RawMessage `json:"msg"`
}

// pushFrame is a server-initiated frame.
type pushFrame struct {
	Type string          `json:"type"` // "var_change", "log", "goodbye"
	Msg  json.RawMessage `json:"msg"`
}

type errorMsg struct {
	Code    string `json:"code"` // "unauthenticated", "unsupported_console_type", ...
	Message string `json:"message"`
}

type varChangeMsg struct {
	Name string `json:"name"`
	Type string `json:"var_type"`
	Op   string `json:"op"`
}

type logFrameMsg struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	TS      int64  `json:"ts"` // Unix millis
}

type execResultMsg struct {
	Changes   []varChangeMsg `json:"changes"`
	ElapsedMS int64          `json:"elapsed_ms"`
}

// Transport is a live WebSocket session. It implements
// connection.Session.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	conn *websocket.Conn

	vars chan connection.VariableChange
	logs chan connection.LogMessage
	done chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// Command/response correlation
	pendingMu sync.Mutex
	pending   map[int64]chan response
	cmdID     atomic.Int64

	mu     sync.Mutex
	closed bool
}

// Dial opens the WebSocket, requests a session of the configured
// console type, and starts the read loop.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ExecTimeout == 0 {
		cfg.ExecTimeout = DefaultConfig().ExecTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusUnauthorized) {
			return nil, fmt.Errorf("dial %s: %w", cfg.URL, connection.ErrBadGateway)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}

	t := &Transport{
		cfg:     cfg,
		logger:  logger,
		conn:    conn,
		vars:    make(chan connection.VariableChange, cfg.BufferSize),
		logs:    make(chan connection.LogMessage, cfg.BufferSize),
		done:    make(chan struct{}),
		pending: make(map[int64]chan response),
	}

	conn.SetPingHandler(func(data string) error {
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	go t.readLoop()

	// Open the session before handing the transport out. A rejected
	// console type surfaces here, not on first Exec.
	if err := t.open(ctx); err != nil {
		t.Close()
		return nil, err
	}

	t.logger.Debug("session transport connected", "url", cfg.URL)

	return t, nil
}

// open sends the session-open command and waits for the response.
func (t *Transport) open(ctx context.Context) error {
	_, err := t.roundTrip(ctx, "open_session", map[string]any{
		"console_type": t.cfg.ConsoleType,
	})
	return err
}

// Exec runs a console command.
func (t *Transport) Exec(ctx context.Context, code string) (connection.ExecResult, error) {
	start := time.Now()

	msg, err := t.roundTrip(ctx, "run_code", map[string]any{
		"code": code,
	})
	if err != nil {
		return connection.ExecResult{}, err
	}

	var res execResultMsg
	if err := json.Unmarshal(msg, &res); err != nil {
		return connection.ExecResult{}, fmt.Errorf("unmarshal exec result: %w", err)
	}

	out := connection.ExecResult{Elapsed: time.Since(start)}
	for _, ch := range res.Changes {
		out.Changes = append(out.Changes, connection.VariableChange{
			Name: ch.Name,
			Type: ch.Type,
			Op:   connection.ChangeOp(ch.Op),
		})
	}
	return out, nil
}

// roundTrip sends a command and waits for its correlated response.
func (t *Transport) roundTrip(ctx context.Context, cmd string, params any) (json.RawMessage, error) {
	id := t.cmdID.Add(1)
	respCh := make(chan response, 1)

	t.pendingMu.Lock()
	t.pending[id] = respCh
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	data, _ := json.Marshal(command{ID: id, Cmd: cmd, Params: params})
	if err := t.send(data); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrNotConnected
	case <-time.After(t.cfg.ExecTimeout):
		return nil, ErrTimeout
	case resp := <-respCh:
		if resp.Type == "error" {
			var em errorMsg
			json.Unmarshal(resp.Msg, &em)
			return nil, commandError(em)
		}
		return resp.Msg, nil
	}
}

// commandError maps a server error frame to a sentinel where one
// exists, so callers can classify without string matching.
func commandError(em errorMsg) error {
	switch em.Code {
	case "unauthenticated":
		return fmt.Errorf("%s: %w", em.Message, connection.ErrUnauthenticated)
	case "unsupported_console_type":
		return fmt.Errorf("%s: %w", em.Message, connection.ErrUnsupportedConsoleType)
	default:
		return fmt.Errorf("%s: %s", em.Code, em.Message)
	}
}

// send writes raw bytes to the connection.
func (t *Transport) send(data []byte) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotConnected
	}
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// VariableChanges returns the server-push variable update stream.
func (t *Transport) VariableChanges() <-chan connection.VariableChange {
	return t.vars
}

// Logs returns the server log stream.
func (t *Transport) Logs() <-chan connection.LogMessage {
	return t.logs
}

// Done is closed when the server side drops the session.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// Close ends the session. Idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	close(t.done)

	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return t.conn.Close()
}

// readLoop reads frames and routes them: responses to waiting
// roundTrips, push frames to the event channels.
func (t *Transport) readLoop() {
	defer close(t.vars)
	defer close(t.logs)

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			// Ignore errors after Close(); otherwise the server
			// dropped us.
			t.mu.Lock()
			closed := t.closed
			t.closed = true
			t.mu.Unlock()

			if !closed {
				t.logger.Debug("session read failed", "error", err)
				close(t.done)
				t.conn.Close()
			}
			return
		}

		if resp, ok := t.tryParseResponse(data); ok {
			t.routeResponse(resp)
			continue
		}

		var frame pushFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.logger.Debug("unparseable frame, dropping")
			continue
		}

		switch frame.Type {
		case "var_change":
			var vc varChangeMsg
			if err := json.Unmarshal(frame.Msg, &vc); err != nil {
				continue
			}
			select {
			case t.vars <- connection.VariableChange{
				Name: vc.Name,
				Type: vc.Type,
				Op:   connection.ChangeOp(vc.Op),
			}:
			default:
				t.logger.Warn("variable channel full, dropping update", "name", vc.Name)
			}

		case "log":
			var lm logFrameMsg
			if err := json.Unmarshal(frame.Msg, &lm); err != nil {
				continue
			}
			select {
			case t.logs <- connection.LogMessage{
				Level:   lm.Level,
				Message: lm.Message,
				At:      time.UnixMilli(lm.TS),
			}:
			default:
				t.logger.Warn("log channel full, dropping message")
			}

		case "goodbye":
			// Server-initiated shutdown.
			t.mu.Lock()
			closed := t.closed
			t.closed = true
			t.mu.Unlock()
			if !closed {
				close(t.done)
				t.conn.Close()
			}
			return
		}
	}
}

// tryParseResponse attempts to parse a frame as a command response.
func (t *Transport) tryParseResponse(data []byte) (response, bool) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return response{}, false
	}
	if resp.ID == 0 {
		return response{}, false
	}
	switch resp.Type {
	case "result", "error":
		return resp, true
	}
	return response{}, false
}

// routeResponse delivers a response to the waiting roundTrip.
func (t *Transport) routeResponse(resp response) {
	t.pendingMu.Lock()
	ch, ok := t.pending[resp.ID]
	if ok {
		delete(t.pending, resp.ID)
	}
	t.pendingMu.Unlock()

	if ok {
		select {
		case ch <- resp:
		default:
		}
	}
}

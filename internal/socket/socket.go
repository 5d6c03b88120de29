// Package socket implements RelaySocket: a single outbound WebSocket
// connection to one relay. It knows nothing about subscriptions, retries,
// or other relays — that is RelayPool's job (internal/pool).
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
)

// DefaultRelayTimeout bounds how long connect() and a ping reply may take.
const DefaultRelayTimeout = 5 * time.Second

const writeTimeout = 5 * time.Second

// ConnectError wraps the cause of a failed connect().
type ConnectError struct{ Cause error }

func (e *ConnectError) Error() string { return fmt.Sprintf("relay connect: %v", e.Cause) }
func (e *ConnectError) Unwrap() error { return e.Cause }

// OnMessage is invoked once per received text frame.
type OnMessage func(text string)

// OnDisconnect is invoked exactly once per connected→disconnected
// transition, whether the cause was a clean close or an error. err is nil
// for a caller-initiated Disconnect().
type OnDisconnect func(err error)

// RelaySocket is a single WebSocket connection to one relay URL.
type RelaySocket struct {
	URL          string
	RelayTimeout time.Duration
	OnMessage    OnMessage
	OnDisconnect OnDisconnect

	mu         sync.Mutex
	conn       *websocket.Conn
	open       bool
	generation uuid.UUID
	lastActive time.Time
}

// New creates a RelaySocket for url. Callers must set OnMessage and
// OnDisconnect (or accept the no-op zero values) before calling Connect.
func New(url string, onMessage OnMessage, onDisconnect OnDisconnect) *RelaySocket {
	return &RelaySocket{
		URL:          url,
		RelayTimeout: DefaultRelayTimeout,
		OnMessage:    onMessage,
		OnDisconnect: onDisconnect,
	}
}

// Connect opens the transport, bounded by RelayTimeout. It is idempotent:
// calling Connect on a socket that already holds an open transport returns
// nil immediately.
func (s *RelaySocket) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.open {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	timeout := s.RelayTimeout
	if timeout <= 0 {
		timeout = DefaultRelayTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, s.URL, nil)
	if err != nil {
		return &ConnectError{Cause: err}
	}
	conn.SetReadLimit(16 << 20)

	gen := uuid.New()
	s.mu.Lock()
	s.conn = conn
	s.open = true
	s.generation = gen
	s.lastActive = time.Now()
	s.mu.Unlock()

	go s.readLoop(gen, conn)
	return nil
}

func (s *RelaySocket) readLoop(gen uuid.UUID, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			s.transitionToDisconnected(gen, err)
			return
		}
		s.mu.Lock()
		s.lastActive = time.Now()
		s.mu.Unlock()
		if s.OnMessage != nil {
			s.OnMessage(string(data))
		}
	}
}

// transitionToDisconnected fires OnDisconnect exactly once for the
// connection generation gen, guarding against a racing explicit
// Disconnect() call and a readLoop error observing the same closed socket.
func (s *RelaySocket) transitionToDisconnected(gen uuid.UUID, cause error) {
	s.mu.Lock()
	if !s.open || s.generation != gen {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.open = false
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.CloseNow()
	}
	if s.OnDisconnect != nil {
		s.OnDisconnect(cause)
	}
}

// Disconnect closes the transport. Idempotent; a no-op if already closed.
func (s *RelaySocket) Disconnect() {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.open = false
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	if s.OnDisconnect != nil {
		s.OnDisconnect(nil)
	}
}

// IsOpen reports whether the transport is currently open.
func (s *RelaySocket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// LastActivityAt returns the timestamp of the last received message, or of
// the most recent successful connection if nothing has been received yet.
func (s *RelaySocket) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// SendText enqueues a text frame synchronously. It returns false if the
// transport is not open or the write fails.
func (s *RelaySocket) SendText(frame string) bool {
	s.mu.Lock()
	conn := s.conn
	open := s.open
	s.mu.Unlock()
	if !open || conn == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		slog.Debug("relay socket write failed", "url", s.URL, "error", err)
		return false
	}
	return true
}

// SendReq sends ["REQ", subID, filter...].
func (s *RelaySocket) SendReq(subID string, filters []nostr.Filter) bool {
	frame, err := encodeReq(subID, filters)
	if err != nil {
		return false
	}
	return s.SendText(frame)
}

// SendClose sends ["CLOSE", subID].
func (s *RelaySocket) SendClose(subID string) bool {
	frame, err := json.Marshal([]any{"CLOSE", subID})
	if err != nil {
		return false
	}
	return s.SendText(string(frame))
}

// SendEvent sends ["EVENT", event].
func (s *RelaySocket) SendEvent(evt *nostr.Event) bool {
	frame, err := json.Marshal([]any{"EVENT", evt})
	if err != nil {
		return false
	}
	return s.SendText(string(frame))
}

// PingSubID is the reserved subscription id used for zombie-connection
// detection.
const PingSubID = "__ping__"

// SendPing sends ["REQ", "__ping__", {"limit":0}].
func (s *RelaySocket) SendPing() bool {
	frame, err := json.Marshal([]any{"REQ", PingSubID, map[string]int{"limit": 0}})
	if err != nil {
		return false
	}
	return s.SendText(string(frame))
}

func encodeReq(subID string, filters []nostr.Filter) (string, error) {
	if len(filters) == 0 {
		return "", errors.New("socket: REQ requires at least one filter")
	}
	parts := make([]any, 0, len(filters)+2)
	parts = append(parts, "REQ", subID)
	for _, f := range filters {
		parts = append(parts, f)
	}
	b, err := json.Marshal(parts)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

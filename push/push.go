/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package push owns the persistent websocket connection that delivers
// call-control push events from the PBX. One Supervisor exists per
// session; it authenticates with the session's bearer token, hands
// decoded frames to a single consumer in arrival order, and drives a
// bounded reconnect loop when the connection is lost.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event types carried by a push frame.
const (
	EventUpsert = 0
	EventRemove = 1
)

// Frame is one decoded push event. Entity is a path-like string
// ("/callcontrol/{dn}/{kind}/{id}") from which the ingestion pipeline
// derives the owning line, entity kind and entity id.
type Frame struct {
	EventType int    `json:"event_type"`
	Entity    string `json:"entity"`
}

// wsMessage is the wire envelope for a push frame.
type wsMessage struct {
	Event Frame `json:"event"`
}

// TokenSource yields bearer tokens for the websocket handshake. It is
// satisfied by *pbxsdk.Client.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	InvalidateToken(tok string)
}

// StateFunc is invoked on every connectivity change. permanent is true
// only for the final notification after all reconnect attempts are spent.
type StateFunc func(connected, permanent bool)

// Config holds the configuration for the push Supervisor
type Config struct {
	// HandshakeTimeout bounds each websocket dial.
	HandshakeTimeout time.Duration

	// ReconnectDelay is the pause before each reconnect attempt.
	ReconnectDelay time.Duration

	// MaxReconnectAttempts bounds the reconnect loop. Once spent, the
	// supervisor stops permanently.
	MaxReconnectAttempts int

	// UseBackoff switches the reconnect policy from a fixed delay to
	// exponential backoff capped at BackoffMax. The upstream vendor
	// behavior is a fixed delay; backoff is offered as a policy knob.
	UseBackoff bool
	BackoffMax time.Duration

	// PingInterval / PongTimeout keep the connection alive and detect
	// silent failures.
	PingInterval time.Duration
	PongTimeout  time.Duration

	// FrameBuffer is the capacity of the frame channel.
	FrameBuffer int

	// Logger for transport operations. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration for the push Supervisor
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout:     10 * time.Second,
		ReconnectDelay:       5 * time.Second,
		MaxReconnectAttempts: 10,
		UseBackoff:           false,
		BackoffMax:           60 * time.Second,
		PingInterval:         30 * time.Second,
		PongTimeout:          10 * time.Second,
		FrameBuffer:          64,
	}
}

// Supervisor owns one push-event websocket connection. Frames are
// delivered on the Frames channel strictly in the order read from the
// transport; no reordering or coalescing is performed.
type Supervisor struct {
	wsURL  string
	tokens TokenSource
	config *Config
	logger *slog.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	reconnecting bool
	closed       bool

	frames    chan Frame
	closeCh   chan struct{}
	closeOnce sync.Once
	onState   StateFunc
}

// New creates a push Supervisor for the given websocket URL
// (e.g. "wss://pbx.example.com/callcontrol/ws").
func New(wsURL string, tokens TokenSource, config *Config) *Supervisor {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.FrameBuffer <= 0 {
		config.FrameBuffer = 64
	}

	return &Supervisor{
		wsURL:   wsURL,
		tokens:  tokens,
		config:  config,
		logger:  logger,
		frames:  make(chan Frame, config.FrameBuffer),
		closeCh: make(chan struct{}),
	}
}

// OnStateChange registers the connectivity callback. Must be called
// before Connect.
func (s *Supervisor) OnStateChange(fn StateFunc) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

// Frames returns the channel of decoded push frames. The channel is
// closed when the supervisor stops permanently.
func (s *Supervisor) Frames() <-chan Frame {
	return s.frames
}

// IsConnected reports whether the websocket is currently up.
func (s *Supervisor) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Connect establishes the initial websocket connection and starts the
// read loop. Reconnection on later loss is handled internally.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("supervisor is closed")
	}
	if s.connected {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.adopt(conn)
	return nil
}

// Close disposes the supervisor: the read loop terminates, any in-flight
// reconnect loop is suppressed, and the frame channel is closed.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.connected = false
	s.mu.Unlock()

	close(s.closeCh)
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session disposed"))
		_ = conn.Close()
	}
	s.closeOnce.Do(func() { close(s.frames) })
	return nil
}

// dial performs one authenticated websocket handshake using a freshly
// fetched token.
func (s *Supervisor) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching token for push transport: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{
		HandshakeTimeout: s.config.HandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, s.wsURL, headers)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			s.tokens.InvalidateToken(token)
		}
		return nil, fmt.Errorf("push transport dial failed: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Time{})
	})
	return conn, nil
}

// adopt installs a fresh connection and starts its read and ping loops.
func (s *Supervisor) adopt(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.connected = true
	onState := s.onState
	s.mu.Unlock()

	if onState != nil {
		onState(true, false)
	}

	go s.readLoop(conn)
	go s.pingLoop(conn)
}

// readLoop reads frames from the websocket until the connection fails or
// the supervisor is closed. Frames are forwarded in read order.
func (s *Supervisor) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.handleLoss(conn, err)
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.logger.Warn("dropping undecodable push frame", "error", err)
			continue
		}

		select {
		case s.frames <- msg.Event:
		case <-s.closeCh:
			return
		}
	}
}

// pingLoop keeps the connection alive. A failed ping surfaces as a read
// error in readLoop via the read deadline.
func (s *Supervisor) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			stale := s.conn != conn
			s.mu.Unlock()
			if stale {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.config.PingInterval + s.config.PongTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closeCh:
			return
		}
	}
}

// handleLoss reacts to a connection failure: flips the connectivity
// flag and starts a reconnect loop unless one is already active or the
// supervisor was deliberately closed.
func (s *Supervisor) handleLoss(conn *websocket.Conn, cause error) {
	_ = conn.Close()

	s.mu.Lock()
	if s.closed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.connected = false
	startLoop := !s.reconnecting
	if startLoop {
		s.reconnecting = true
	}
	onState := s.onState
	s.mu.Unlock()

	s.logger.Warn("push transport lost", "error", cause)
	if onState != nil {
		onState(false, false)
	}

	if startLoop {
		go s.reconnectLoop()
	}
}

// reconnectLoop attempts bounded re-connection, one attempt per delay
// interval, each with a freshly fetched token. Only one loop is ever
// active; the guard flag is set by handleLoss and cleared here.
func (s *Supervisor) reconnectLoop() {
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	delay := s.config.ReconnectDelay
	for attempt := 1; attempt <= s.config.MaxReconnectAttempts; attempt++ {
		select {
		case <-time.After(delay):
		case <-s.closeCh:
			return
		}

		if s.config.UseBackoff {
			delay *= 2
			if delay > s.config.BackoffMax {
				delay = s.config.BackoffMax
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.config.HandshakeTimeout)
		conn, err := s.dial(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("push transport reconnect failed",
				"attempt", attempt,
				"max", s.config.MaxReconnectAttempts,
				"error", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.mu.Unlock()

		s.logger.Info("push transport reconnected", "attempt", attempt)
		s.adopt(conn)
		return
	}

	// Attempts exhausted: report the permanent disconnect and stop delivering
	// frames. The session stays usable for HTTP actions.
	s.mu.Lock()
	onState := s.onState
	closed := s.closed
	s.mu.Unlock()

	s.logger.Error("push transport permanently down",
		"attempts", s.config.MaxReconnectAttempts)
	if onState != nil && !closed {
		onState(false, true)
	}
	s.closeOnce.Do(func() { close(s.frames) })
}

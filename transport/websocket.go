// Package transport provides a ready-made messaging transport over a
// websocket gateway, implementing the signaling.Transport contract so the
// toolkit can be wired to any IM backend that relays addressed JSON frames.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Frame is the addressed wire unit relayed by the gateway. Payload is the
// opaque signaling envelope; the transport never inspects it.
type Frame struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

// Config configures a websocket transport.
type Config struct {
	// URL of the websocket gateway.
	URL string

	// UserID and DeviceID form the authenticated local identity. An empty
	// UserID means the transport is unauthenticated.
	UserID   string
	DeviceID string

	// Header is sent with the dial request (auth tokens and the like).
	Header http.Header

	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration
}

// withDefaults fills unset keepalive values.
func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// WSTransport is a websocket-backed messaging transport. Writes are
// serialized with a mutex; reads run on a single pump goroutine that
// dispatches inbound frames to the registered handler.
type WSTransport struct {
	cfg Config

	mu      sync.Mutex
	conn    *websocket.Conn
	handler func(from string, payload []byte)

	done      chan struct{}
	closeOnce sync.Once
}

// NewWSTransport creates a transport; Connect must be called before Send.
func NewWSTransport(cfg Config) *WSTransport {
	return &WSTransport{
		cfg:  cfg.withDefaults(),
		done: make(chan struct{}),
	}
}

// Connect dials the gateway and starts the read and keepalive loops.
func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}
	if t.cfg.URL == "" {
		return errors.New("websocket url is empty")
	}

	logrus.WithFields(logrus.Fields{
		"url":     t.cfg.URL,
		"user_id": t.cfg.UserID,
	}).Info("Connecting websocket transport")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	t.conn = conn

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(t.cfg.PingInterval + t.cfg.PongTimeout))
	})
	if err := conn.SetReadDeadline(time.Now().Add(t.cfg.PingInterval + t.cfg.PongTimeout)); err != nil {
		conn.Close()
		t.conn = nil
		return fmt.Errorf("failed to set read deadline: %w", err)
	}

	go t.readPump(conn)
	go t.pingLoop(conn)
	return nil
}

// Send delivers an addressed payload to the gateway.
func (t *WSTransport) Send(to string, payload []byte) error {
	frame := Frame{From: t.cfg.UserID, To: to, Payload: payload}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return errors.New("websocket transport is not connected")
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("websocket write failed: %w", err)
	}
	return nil
}

// RegisterHandler registers the single inbound payload handler.
func (t *WSTransport) RegisterHandler(fn func(from string, payload []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

// LocalIdentity returns the configured identity, or an error when no user is
// authenticated.
func (t *WSTransport) LocalIdentity() (string, string, error) {
	if t.cfg.UserID == "" {
		return "", "", errors.New("transport has no authenticated identity")
	}
	return t.cfg.UserID, t.cfg.DeviceID, nil
}

// Close shuts the connection down. Safe to call more than once.
func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		conn := t.conn
		t.conn = nil
		t.mu.Unlock()
		if conn != nil {
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			err = conn.Close()
		}
	})
	return err
}

// readPump reads frames until the connection dies and dispatches them.
func (t *WSTransport) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
			default:
				logrus.WithFields(logrus.Fields{
					"error": err.Error(),
				}).Warn("Websocket read loop terminated")
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			logrus.WithFields(logrus.Fields{
				"size":  len(data),
				"error": err.Error(),
			}).Warn("Dropping undecodable websocket frame")
			continue
		}

		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler != nil {
			handler(frame.From, frame.Payload)
		}
	}
}

// pingLoop keeps the connection alive until Close or a write failure.
func (t *WSTransport) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				logrus.WithFields(logrus.Fields{
					"error": err.Error(),
				}).Warn("Websocket ping failed")
				return
			}
		}
	}
}

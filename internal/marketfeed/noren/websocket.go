package noren

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"papertrader/internal/marketfeed"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// defaultPingInterval is the default interval to send ping messages.
	defaultPingInterval = 20 * time.Second
	// defaultReconnectDelay is the fixed delay before reconnecting.
	defaultReconnectDelay = 5 * time.Second
	// defaultAuthTimeout bounds the wait for the connect acknowledgment.
	defaultAuthTimeout = 15 * time.Second
)

// WebSocketConfig holds configuration for the WebSocket manager.
type WebSocketConfig struct {
	// URL is the WebSocket server URL.
	URL string
	// PingInterval is the interval between ping messages.
	PingInterval time.Duration
	// Logger is the logger instance.
	Logger *zap.Logger
}

// WebSocketManager owns at most one live stream connection. Reconnection
// policy belongs to the caller: onClose fires once per connection that
// drops without Close having been called.
type WebSocketManager struct {
	config    WebSocketConfig
	conn      *websocket.Conn
	mu        sync.Mutex
	writeMu   sync.Mutex
	onMessage func([]byte)
	onClose   func(error)
	logger    *zap.Logger
}

// NewWebSocketManager creates a new WebSocket manager.
func NewWebSocketManager(cfg WebSocketConfig, onMessage func([]byte), onClose func(error)) *WebSocketManager {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}

	return &WebSocketManager{
		config:    cfg,
		onMessage: onMessage,
		onClose:   onClose,
		logger:    logger,
	}
}

// Dial opens a new connection, replacing any existing one, and starts its
// read and ping loops.
func (m *WebSocketManager) Dial(ctx context.Context) error {
	m.logger.Info("connecting to websocket", zap.String("url", m.config.URL))

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, m.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}

	m.mu.Lock()
	previous := m.conn
	m.conn = conn
	m.mu.Unlock()

	if previous != nil {
		previous.Close()
	}

	done := make(chan struct{})
	go m.readLoop(conn, done)
	go m.pingLoop(conn, done)

	m.logger.Info("websocket connected")
	return nil
}

// WriteJSON sends v on the current connection.
func (m *WebSocketManager) WriteJSON(v any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return marketfeed.ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// IsOpen returns true while a connection is held.
func (m *WebSocketManager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Close closes the connection without triggering onClose.
func (m *WebSocketManager) Close() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	}
}

// readLoop continuously reads messages from one connection.
func (m *WebSocketManager) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Warn("websocket read error", zap.Error(err))
			}
			m.handleClose(conn, err)
			return
		}

		m.onMessage(message)
	}
}

// handleClose notifies the owner if conn is still the current connection.
func (m *WebSocketManager) handleClose(conn *websocket.Conn, err error) {
	m.mu.Lock()
	current := m.conn == conn
	if current {
		m.conn = nil
	}
	m.mu.Unlock()

	conn.Close()

	if current && m.onClose != nil {
		m.onClose(err)
	}
}

// pingLoop sends periodic ping messages until the read loop exits.
func (m *WebSocketManager) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				m.logger.Warn("ping error", zap.Error(err))
			}
		}
	}
}

package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"toolmux/internal/async"
	"toolmux/internal/logging"
)

const (
	socketHandshakeTimeout = 15 * time.Second
	socketWriteTimeout     = 15 * time.Second
	socketReadLimit        = 16 * 1024 * 1024
)

// SocketConfig configures a websocket transport.
type SocketConfig struct {
	// URL is the ws:// or wss:// endpoint of the backend server.
	URL string
}

// Socket exchanges JSON frames with a backend server over a websocket.
type Socket struct {
	config SocketConfig
	logger logging.Logger

	connMu  sync.Mutex
	writeMu sync.Mutex

	conn   *websocket.Conn
	cancel context.CancelFunc

	connected  atomic.Bool
	messagesCh chan []byte
	errorsCh   chan error
}

// NewSocket creates a websocket transport. No connection is made until
// Connect.
func NewSocket(config SocketConfig, logger logging.Logger) *Socket {
	return &Socket{
		config:     config,
		logger:     logging.OrNop(logger),
		messagesCh: make(chan []byte, messageBacklog),
		errorsCh:   make(chan error, errorBacklog),
	}
}

// Connect dials the backend endpoint and starts the read pump.
func (t *Socket) Connect(ctx context.Context) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.connected.Load() {
		return nil
	}
	if t.conn != nil {
		// The message channel is closed when the read pump exits, so a
		// transport cannot be revived after Close. Callers open a fresh one.
		return fmt.Errorf("socket transport cannot be reused after Close")
	}

	u, err := url.Parse(t.config.URL)
	if err != nil {
		return fmt.Errorf("invalid socket URL %q: %w", t.config.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported socket scheme %q (want ws or wss)", u.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: socketHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", u.String(), err)
	}
	conn.SetReadLimit(socketReadLimit)

	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.conn = conn
	t.cancel = cancel
	t.connected.Store(true)
	t.logger.Info("Connected to backend socket: %s", u.String())

	async.Go(t.logger, "transport.socket.readPump", func() { t.readPump(pumpCtx) })

	return nil
}

// Send writes one text frame to the socket.
func (t *Socket) Send(data []byte) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}

	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write to socket: %w", err)
	}
	return nil
}

// Messages returns the inbound frame channel.
func (t *Socket) Messages() <-chan []byte {
	return t.messagesCh
}

// Errors returns the transport error channel.
func (t *Socket) Errors() <-chan error {
	return t.errorsCh
}

// Close shuts the websocket down.
func (t *Socket) Close() error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if !t.connected.Load() {
		return nil
	}
	t.connected.Store(false)

	if t.cancel != nil {
		t.cancel()
	}
	if t.conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return t.conn.Close()
	}
	return nil
}

// Connected reports whether the socket is open.
func (t *Socket) Connected() bool {
	return t.connected.Load()
}

func (t *Socket) readPump(ctx context.Context) {
	// Closing the channel releases any consumer ranging over Messages once
	// the socket is gone.
	defer close(t.messagesCh)

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.connected.Swap(false) {
				t.logger.Warn("Socket read failed: %v", err)
				select {
				case t.errorsCh <- fmt.Errorf("socket read error: %w", err):
				default:
				}
			}
			return
		}

		select {
		case t.messagesCh <- data:
		case <-ctx.Done():
			return
		}
	}
}

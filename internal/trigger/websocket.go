package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e7canasta/orion-snapnode/internal/types"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 20 * time.Second
)

// WebSocketConfig contains configuration for the WebSocket push trigger
type WebSocketConfig struct {
	// URL of the command endpoint (ws:// or wss://)
	URL string
	// Token is sent as a bearer Authorization header when set
	Token     string
	Sentinel  string
	Reconnect ReconnectConfig
	Dialer    Dialer
	// PingPeriod must be less than PongWait
	PingPeriod time.Duration
	PongWait   time.Duration
}

// WebSocketPush receives push commands over a WebSocket connection.
// It shares the command format and mailbox semantics of MQTTPush.
type WebSocketPush struct {
	cfg WebSocketConfig
	box mailbox

	connectMu   sync.Mutex
	mu          sync.Mutex // guards conn writes
	conn        *websocket.Conn
	connected   atomic.Bool
	everUp      atomic.Bool
	ignored     uint64
	parseErrors uint64
	reconnects  uint64
}

// NewWebSocketPush creates a WebSocket push trigger. The connection is
// opened on the first Poll.
func NewWebSocketPush(cfg WebSocketConfig) *WebSocketPush {
	if cfg.Sentinel == "" {
		cfg.Sentinel = DefaultSentinel
	}
	if cfg.Reconnect.RetryDelay <= 0 {
		cfg.Reconnect = DefaultReconnectConfig()
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = wsPongWait
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait / 3
	}
	return &WebSocketPush{cfg: cfg}
}

// Name implements Source
func (w *WebSocketPush) Name() string {
	return "websocket"
}

// Poll implements Source
func (w *WebSocketPush) Poll(ctx context.Context) (types.TriggerEvent, bool) {
	if !w.connected.Load() {
		if err := w.reconnect(ctx); err != nil {
			return types.TriggerEvent{}, false
		}
	}
	return w.box.take()
}

func (w *WebSocketPush) reconnect(ctx context.Context) error {
	w.connectMu.Lock()
	defer w.connectMu.Unlock()

	if w.connected.Load() {
		return nil
	}
	if w.everUp.Load() {
		atomic.AddUint64(&w.reconnects, 1)
		slog.Warn("trigger: websocket down, reconnecting", "url", w.cfg.URL)
	}
	return RunWithReconnect(ctx, w.Name(), w.connect, w.cfg.Reconnect)
}

func (w *WebSocketPush) connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	if w.cfg.Dialer != nil {
		dialer.NetDialContext = w.cfg.Dialer.DialContext
	}

	h := http.Header{}
	if w.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+w.cfg.Token)
	}

	conn, _, err := dialer.DialContext(ctx, w.cfg.URL, h)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.cfg.URL, err)
	}

	conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
		return nil
	})

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.connected.Store(true)
	w.everUp.Store(true)

	done := make(chan struct{})
	go w.readLoop(conn, done)
	go w.pingLoop(conn, done)

	slog.Info("trigger: websocket connected", "url", w.cfg.URL)
	return nil
}

func (w *WebSocketPush) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		close(done)
		w.connected.Store(false)
		conn.Close()
	}()

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("trigger: websocket read failed", "error", err)
			} else {
				slog.Info("trigger: websocket closed", "reason", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		deliverCommand(w.Name(), msg, w.cfg.Sentinel, &w.box, &w.ignored, &w.parseErrors)
	}
}

func (w *WebSocketPush) pingLoop(conn *websocket.Conn, done chan struct{}) {
	t := time.NewTicker(w.cfg.PingPeriod)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			w.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			w.mu.Unlock()
			if err != nil {
				slog.Debug("trigger: websocket ping failed", "error", err)
				return
			}
		case <-done:
			return
		}
	}
}

// Stats returns push statistics
func (w *WebSocketPush) Stats() PushStats {
	received, drops := w.box.counts()
	return PushStats{
		Connected:   w.connected.Load(),
		Received:    received,
		Ignored:     atomic.LoadUint64(&w.ignored),
		ParseErrors: atomic.LoadUint64(&w.parseErrors),
		Coalesced:   drops,
		Reconnects:  atomic.LoadUint64(&w.reconnects),
	}
}

// Close sends a close frame and drops the connection
func (w *WebSocketPush) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	_ = w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := w.conn.Close()
	w.conn = nil
	return err
}

package gateway

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// wsPingInterval is how often the gateway sends WebSocket ping frames.
	wsPingInterval = 30 * time.Second
	// wsPongWait is the maximum time to wait for a pong from the peer.
	wsPongWait = 60 * time.Second
	// wsWriteTimeout bounds a single write to a peer.
	wsWriteTimeout = 10 * time.Second
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

type wsConn struct {
	handle string
	conn   *websocket.Conn
	mu     sync.Mutex // guards all writes to conn

	msgTokens   float64
	msgLastTime time.Time
}

// allowFrame implements a token bucket for inbound frames.
func (c *wsConn) allowFrame(rate float64, burst float64) bool {
	now := time.Now()
	if c.msgLastTime.IsZero() {
		c.msgTokens = burst
	} else {
		c.msgTokens += now.Sub(c.msgLastTime).Seconds() * rate
		if c.msgTokens > burst {
			c.msgTokens = burst
		}
	}
	c.msgLastTime = now
	if c.msgTokens < 1 {
		return false
	}
	c.msgTokens--
	return true
}

// Options configures the WebSocket gateway.
type Options struct {
	AllowedOrigins  []string
	MaxMessageBytes int64   // max inbound frame size (default 64KB)
	FramesPerSecond float64 // inbound rate limit per connection (default 10)
	FrameBurst      float64 // burst allowance (default 20)
}

// WSGateway is the WebSocket implementation of Gateway.
type WSGateway struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	maxMessageBytes int64
	framesPerSec    float64
	frameBurst      float64

	sink EventSink

	mu    sync.RWMutex
	conns map[string]*wsConn
}

// NewWS creates a WebSocket gateway. The event sink is wired afterwards
// with SetSink, before the first connection is accepted.
func NewWS(logger *slog.Logger, opts Options) *WSGateway {
	maxBytes := opts.MaxMessageBytes
	if maxBytes == 0 {
		maxBytes = 64 * 1024
	}
	rate := opts.FramesPerSecond
	if rate == 0 {
		rate = 10
	}
	burst := opts.FrameBurst
	if burst == 0 {
		burst = 20
	}

	return &WSGateway{
		logger:          logger.With("component", "gateway"),
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		maxMessageBytes: maxBytes,
		framesPerSec:    rate,
		frameBurst:      burst,
		conns:           make(map[string]*wsConn),
	}
}

// SetSink installs the event sink. Must be called before serving.
func (g *WSGateway) SetSink(sink EventSink) {
	g.sink = sink
}

// HandleWS upgrades an HTTP request and runs the connection's read loop
// until the peer goes away.
func (g *WSGateway) HandleWS(w http.ResponseWriter, req *http.Request) {
	conn, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	conn.SetReadLimit(g.maxMessageBytes)

	c := &wsConn{
		handle: uuid.New().String(),
		conn:   conn,
	}

	g.mu.Lock()
	g.conns[c.handle] = c
	g.mu.Unlock()

	stopKeepalive := startKeepalive(conn, &c.mu)
	defer stopKeepalive()

	g.logger.Debug("connection opened", "handle", c.handle, "remote", req.RemoteAddr)
	g.sink.HandleConnect(c.handle)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if !c.allowFrame(g.framesPerSec, g.frameBurst) {
			g.logger.Warn("rate limit exceeded, dropping frame", "handle", c.handle)
			continue
		}
		g.sink.HandleFrame(c.handle, frame)
	}

	g.mu.Lock()
	delete(g.conns, c.handle)
	g.mu.Unlock()

	g.logger.Debug("connection closed", "handle", c.handle)
	g.sink.HandleDisconnect(c.handle)
}

// Deliver implements Gateway.
func (g *WSGateway) Deliver(handle string, payload []byte) Status {
	g.mu.RLock()
	c, ok := g.conns[handle]
	g.mu.RUnlock()
	if !ok {
		return Gone
	}

	c.mu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	err := c.conn.WriteMessage(websocket.TextMessage, payload)
	c.mu.Unlock()
	if err != nil {
		g.logger.Warn("write failed, closing connection", "handle", handle, "error", err)
		_ = c.conn.Close()
		return Error
	}
	return Ok
}

// CloseHandle implements Gateway.
func (g *WSGateway) CloseHandle(handle string) {
	g.mu.RLock()
	c, ok := g.conns[handle]
	g.mu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	_ = c.conn.Close()
}

// startKeepalive sets up WebSocket-level ping/pong on a connection. It sets
// a read deadline, installs a pong handler, and starts a goroutine that
// sends periodic pings. The returned cancel function stops the goroutine.
// The provided mutex must be the same one used for all writes to the
// connection.
func startKeepalive(conn *websocket.Conn, mu *sync.Mutex) (cancel func()) {
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
				mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}

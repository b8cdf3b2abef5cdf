package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/phrazzld/recipe-forge/internal/metrics"
	"github.com/phrazzld/recipe-forge/internal/progress"
)

// Frame event names.
const (
	EventProgress       = "progress"
	EventQueueStatus    = "queue-status"
	EventError          = "error"
	EventJoined         = "joined"
	EventJoinRoom       = "join-room"
	EventGetQueueStatus = "get-queue-status"
)

// Frame is the envelope of every websocket message.
type Frame struct {
	Event string `json:"event"`
	Room  string `json:"room,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// ErrorData is the payload of an error frame.
type ErrorData struct {
	Message string `json:"message"`
}

// Config tunes connection handling.
type Config struct {
	// SendBuffer is the number of frames queued per client before the client
	// is dropped.
	SendBuffer int

	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	MaxMessageSize int64

	// StatusTimeout bounds one queue-status query.
	StatusTimeout time.Duration

	// CheckOrigin is passed to the websocket upgrader. Nil accepts every
	// origin.
	CheckOrigin func(r *http.Request) bool
}

// DefaultConfig returns the settings used by the server.
func DefaultConfig() Config {
	return Config{
		SendBuffer:     64,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 4096,
		StatusTimeout:  5 * time.Second,
	}
}

// Gateway is an http.Handler serving the progress websocket.
type Gateway struct {
	events progress.Subscriber
	status StatusReader
	config Config
	logger *slog.Logger

	upgrader websocket.Upgrader

	subMu        sync.Mutex
	subscription progress.Subscription
	ctx          context.Context
	cancel       context.CancelFunc

	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a Gateway.
func New(events progress.Subscriber, status StatusReader, config Config, logger *slog.Logger) *Gateway {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}
	if config.PongWait <= 0 {
		config.PongWait = 60 * time.Second
	}
	if config.PingPeriod <= 0 || config.PingPeriod >= config.PongWait {
		config.PingPeriod = config.PongWait * 9 / 10
	}
	if config.WriteWait <= 0 {
		config.WriteWait = 10 * time.Second
	}
	if config.StatusTimeout <= 0 {
		config.StatusTimeout = 5 * time.Second
	}

	checkOrigin := config.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		events: events,
		status: status,
		config: config,
		logger: logger.With("component", "gateway"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		ctx:     ctx,
		cancel:  cancel,
		clients: make(map[*client]struct{}),
	}
}

// Start subscribes to progress events. Calling it again is a no-op.
func (g *Gateway) Start(ctx context.Context) error {
	return g.ensureSubscribed(ctx)
}

func (g *Gateway) ensureSubscribed(ctx context.Context) error {
	g.subMu.Lock()
	defer g.subMu.Unlock()

	if g.subscription != nil {
		return nil
	}
	if g.ctx.Err() != nil {
		return errors.New("gateway stopped")
	}

	sub, err := g.events.Subscribe(ctx, g.Broadcast)
	if err != nil {
		return err
	}
	g.subscription = sub
	g.logger.Info("subscribed to progress events")
	return nil
}

// Stop drops the subscription and disconnects every client.
func (g *Gateway) Stop() error {
	g.subMu.Lock()
	sub := g.subscription
	g.subscription = nil
	g.cancel()
	g.subMu.Unlock()

	var err error
	if sub != nil {
		err = sub.Close()
	}

	g.mu.Lock()
	for c := range g.clients {
		delete(g.clients, c)
		close(c.send)
	}
	g.mu.Unlock()
	metrics.GatewayClients.Set(0)
	return err
}

// ClientCount returns the number of connected clients.
func (g *Gateway) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// Broadcast sends ev to every client without blocking.
func (g *Gateway) Broadcast(ev progress.Event) {
	msg, err := json.Marshal(Frame{Event: EventProgress, Data: ev})
	if err != nil {
		g.logger.Error("failed to encode progress frame", "error", err)
		return
	}

	var slow []*client
	g.mu.RLock()
	for c := range g.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	g.mu.RUnlock()

	for _, c := range slow {
		if g.remove(c) {
			metrics.GatewayDroppedClientsTotal.Inc()
			g.logger.Warn("dropped slow websocket client")
		}
	}
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.ensureSubscribed(g.ctx); err != nil {
		g.logger.Error("progress subscription unavailable", "error", err)
		http.Error(w, "progress stream unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an error response.
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, g.config.SendBuffer)}
	if !g.add(c) {
		_ = conn.Close()
		return
	}

	go g.writePump(c)
	go g.readPump(c)
}

func (g *Gateway) add(c *client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx.Err() != nil {
		return false
	}
	g.clients[c] = struct{}{}
	metrics.GatewayClients.Set(float64(len(g.clients)))
	return true
}

// remove unregisters c and closes its send channel. It reports whether c
// was still registered.
func (g *Gateway) remove(c *client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.clients[c]; !ok {
		return false
	}
	delete(g.clients, c)
	close(c.send)
	metrics.GatewayClients.Set(float64(len(g.clients)))
	return true
}

// reply queues a frame for one client.
func (g *Gateway) reply(c *client, f Frame) {
	msg, err := json.Marshal(f)
	if err != nil {
		g.logger.Error("failed to encode frame", "event", f.Event, "error", err)
		return
	}

	g.mu.RLock()
	_, ok := g.clients[c]
	full := false
	if ok {
		select {
		case c.send <- msg:
		default:
			full = true
		}
	}
	g.mu.RUnlock()

	if full && g.remove(c) {
		metrics.GatewayDroppedClientsTotal.Inc()
	}
}

func (g *Gateway) readPump(c *client) {
	defer func() {
		g.remove(c)
		_ = c.conn.Close()
	}()

	if g.config.MaxMessageSize > 0 {
		c.conn.SetReadLimit(g.config.MaxMessageSize)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(g.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(g.config.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		g.handleMessage(c, data)
	}
}

func (g *Gateway) handleMessage(c *client, data []byte) {
	var in Frame
	if err := json.Unmarshal(data, &in); err != nil {
		g.reply(c, Frame{Event: EventError, Data: ErrorData{Message: "malformed message"}})
		return
	}

	switch in.Event {
	case EventJoinRoom:
		g.reply(c, Frame{Event: EventJoined, Room: in.Room})
	case EventGetQueueStatus:
		ctx, cancel := context.WithTimeout(g.ctx, g.config.StatusTimeout)
		defer cancel()
		s, err := g.status.QueueStatus(ctx)
		if err != nil {
			g.logger.Error("failed to read queue status", "error", err)
			g.reply(c, Frame{Event: EventError, Data: ErrorData{Message: "failed to get queue status"}})
			return
		}
		g.reply(c, Frame{Event: EventQueueStatus, Data: s})
	default:
		g.reply(c, Frame{Event: EventError, Data: ErrorData{Message: "unknown event: " + in.Event}})
	}
}

func (g *Gateway) writePump(c *client) {
	ticker := time.NewTicker(g.config.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(g.config.WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				g.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(g.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				g.remove(c)
				return
			}
		}
	}
}

package push

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"livetimeline/internal/auth"
	"livetimeline/internal/dispatcher"
	"livetimeline/internal/eventbus"
	"livetimeline/internal/timeline"
	logx "livetimeline/pkg/logx"
)

var (
	errUnauthorized = errors.New("admin token required")
	errRateLimited  = errors.New("too many commands")
	errHubClosed    = errors.New("push hub closed")
	errClientGone   = errors.New("client gone")
)

// Commander is the part of the dispatcher the hub drives.
type Commander interface {
	Submit(ctx context.Context, cmd timeline.Command) (dispatcher.Outcome, error)
	Attach(ctx context.Context, fn func(tl timeline.Timeline)) error
}

// TokenParser validates session tokens.
type TokenParser interface {
	Parse(raw string) (auth.User, error)
}

// Config controls per-client behaviour.
//
// Defaults (when fields are omitted/zero):
//   - send_buffer: 64 frames
//   - command_rate: 10/s, command_burst: 20
//   - ping_interval: 30s, write_timeout: 10s
type Config struct {
	SendBuffer     int
	CommandRate    float64
	CommandBurst   int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	RequireToken   bool
	AllowedOrigins []string
	// CommandTimeout bounds one Submit from a client.
	CommandTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.CommandRate <= 0 {
		c.CommandRate = 10
	}
	if c.CommandBurst <= 0 {
		c.CommandBurst = 20
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 10 * time.Second
	}
	return c
}

// ClientInfo is published on join/leave.
type ClientInfo struct {
	ID      uint64
	Remote  string
	Admin   bool
	Clients int
}

// Hub tracks connected clients. It implements dispatcher.Broadcaster.
type Hub struct {
	cfg    atomic.Pointer[Config]
	log    logx.Logger
	bus    eventbus.Bus
	cmd    Commander
	tokens TokenParser

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool

	seq     atomic.Uint64
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// NewHub builds a hub. tokens may be nil when RequireToken is off.
func NewHub(cfg Config, cmd Commander, tokens TokenParser, log logx.Logger, bus eventbus.Bus) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &Hub{
		log:     log,
		bus:     bus,
		cmd:     cmd,
		tokens:  tokens,
		clients: map[*client]struct{}{},
	}
	cfg = cfg.withDefaults()
	h.cfg.Store(&cfg)
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) config() Config { return *h.cfg.Load() }

// SetLimits changes the command rate limits, including for connected clients.
func (h *Hub) SetLimits(perSec float64, burst int) {
	cfg := h.config()
	cfg.CommandRate, cfg.CommandBurst = perSec, burst
	cfg = cfg.withDefaults()
	h.cfg.Store(&cfg)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.limiter.SetLimit(rate.Limit(cfg.CommandRate))
		c.limiter.SetBurst(cfg.CommandBurst)
	}
	h.log.Info("command limits updated", logx.Any("per_sec", cfg.CommandRate), logx.Int("burst", cfg.CommandBurst))
}

// SetRequireToken toggles admin token enforcement for subsequent commands.
func (h *Hub) SetRequireToken(on bool) {
	cfg := h.config()
	cfg.RequireToken = on
	h.cfg.Store(&cfg)
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many clients were disconnected for falling behind.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Broadcast encodes tl once and queues it to every client. Clients whose
// buffer is full are disconnected; they resync with a fresh snapshot on
// reconnect.
func (h *Hub) Broadcast(tl timeline.Timeline) {
	frame, err := encodeTimeline(tl)
	if err != nil {
		h.log.Error("encode snapshot failed", logx.Err(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.trySend(frame) {
			h.dropped.Add(1)
			h.log.Warn("slow client dropped", logx.Uint64("client", c.id))
			c.close()
		}
	}
}

// ServeHTTP upgrades the request and serves the client until it leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.config()

	var user *auth.User
	if raw := requestToken(r); raw != "" {
		if h.tokens == nil {
			http.Error(w, "tokens not enabled", http.StatusUnauthorized)
			return
		}
		u, err := h.tokens.Parse(raw)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		user = &u
	}

	h.mu.RLock()
	closed := h.closed
	if !closed {
		h.wg.Add(1)
	}
	h.mu.RUnlock()
	if closed {
		http.Error(w, errHubClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	defer h.wg.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		h.log.Debug("upgrade failed", logx.Err(err))
		return
	}

	c := newClient(h.seq.Add(1), conn, r.RemoteAddr, user, cfg)
	log := h.log.With(logx.Uint64("client", c.id))

	// Registration and the first snapshot happen inside the dispatcher loop.
	// The loop may still run fn after Attach gave up on ctx, so unregister
	// covers every exit path.
	defer h.unregister(c)
	ctx := r.Context()
	var regErr error
	err = h.cmd.Attach(ctx, func(tl timeline.Timeline) {
		if ctx.Err() != nil {
			return
		}
		if regErr = h.register(c); regErr != nil {
			return
		}
		frame, err := encodeTimeline(tl)
		if err != nil {
			regErr = err
			return
		}
		c.trySend(frame)
	})
	if err == nil {
		err = regErr
	}
	if err != nil {
		log.Warn("client rejected", logx.Err(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server unavailable"),
			time.Now().Add(time.Second))
		return
	}

	go c.writePump(log)
	c.readPump(ctx, h, log)
}

// Close disconnects every client and waits for their handlers to return,
// bounded by ctx. New connections are refused afterwards.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		c.close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) register(c *client) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errHubClosed
	}
	select {
	case <-c.done:
		h.mu.Unlock()
		return errClientGone
	default:
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Info("client connected", logx.Uint64("client", c.id), logx.String("remote", c.remote), logx.Bool("admin", c.user != nil), logx.Int("clients", n))
	h.publish(eventbus.TypeClientJoined, ClientInfo{ID: c.id, Remote: c.remote, Admin: c.user != nil, Clients: n})
	return nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	c.close()
	if !ok {
		return
	}
	h.log.Info("client disconnected", logx.Uint64("client", c.id), logx.Int("clients", n))
	h.publish(eventbus.TypeClientLeft, ClientInfo{ID: c.id, Remote: c.remote, Admin: c.user != nil, Clients: n})
}

// handle runs one inbound frame on behalf of c.
func (h *Hub) handle(ctx context.Context, c *client, env Envelope) error {
	cfg := h.config()
	if !strings.HasPrefix(env.Event, "admin:") {
		return ErrUnknownEvent
	}
	if cfg.RequireToken && c.user == nil {
		return errUnauthorized
	}
	if !c.limiter.Allow() {
		return errRateLimited
	}
	cmd, err := decodeCommand(env)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, cfg.CommandTimeout)
	defer cancel()
	_, err = h.cmd.Submit(cctx, cmd)
	return err
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origins := h.config().AllowedOrigins
	if len(origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

func (h *Hub) publish(typ string, data any) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func requestToken(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t
	}
	return auth.BearerToken(r.Header.Get("Authorization"))
}

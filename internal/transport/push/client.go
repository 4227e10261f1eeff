package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"livetimeline/internal/auth"
	logx "livetimeline/pkg/logx"
)

const maxFrameSize = 64 << 10

type client struct {
	id      uint64
	remote  string
	user    *auth.User
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	ping         time.Duration
	writeTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(id uint64, conn *websocket.Conn, remote string, user *auth.User, cfg Config) *client {
	return &client{
		id:           id,
		remote:       remote,
		user:         user,
		conn:         conn,
		send:         make(chan []byte, cfg.SendBuffer),
		limiter:      rate.NewLimiter(rate.Limit(cfg.CommandRate), cfg.CommandBurst),
		ping:         cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		done:         make(chan struct{}),
	}
}

// trySend queues frame without blocking. It reports false when the buffer
// is full.
func (c *client) trySend(frame []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

func (c *client) sendError(event, id string, err error) {
	frame, ferr := encodeFrame(EventError, ErrorPayload{
		Event:   event,
		ID:      id,
		Code:    errorCode(err),
		Message: err.Error(),
	})
	if ferr != nil {
		return
	}
	c.trySend(frame)
}

func (c *client) readPump(ctx context.Context, h *Hub, log logx.Logger) {
	defer c.close()

	pongWait := c.ping * 2
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug("read failed", logx.Err(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError("", "", errors.Join(ErrBadPayload, err))
			continue
		}
		if err := h.handle(ctx, c, env); err != nil {
			id, _ := decodeID(env.Data)
			log.Debug("command failed", logx.String("event", env.Event), logx.String("id", id), logx.Err(err))
			c.sendError(env.Event, id, err)
		}
	}
}

func (c *client) writePump(log logx.Logger) {
	t := time.NewTicker(c.ping)
	defer t.Stop()
	defer c.close()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug("write failed", logx.Err(err))
				return
			}
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				log.Debug("ping failed", logx.Err(err))
				return
			}
		case <-c.done:
			return
		}
	}
}

package chat

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"realtime-chat/internal/middleware"
	"realtime-chat/internal/registry"
	"realtime-chat/internal/types"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var newline = []byte{'\n'}

// Client is the server side of one websocket connection.
type Client struct {
	ID       registry.ConnID
	Conn     *websocket.Conn
	Send     chan []byte
	Hub      *Hub
	Limiter  *middleware.RateLimiter
	// Control budgets handshake, membership, typing and delete events.
	Control  *middleware.RateLimiter
	Verified string
	Addr     string

	maxMessageSize int64
	log            *zap.Logger
	once           sync.Once
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.Send)
			for i := 0; i < n; i++ {
				msg, ok := <-c.Send
				if !ok {
					break
				}
				w.Write(newline)
				w.Write(msg)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) ReadPump() {
	defer func() {
		c.Hub.unregister(c)
		c.Conn.Close()
	}()

	if c.maxMessageSize > 0 {
		c.Conn.SetReadLimit(c.maxMessageSize)
	}
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("unexpected close", zap.String("conn", string(c.ID)), zap.Error(err))
			}
			return
		}

		for _, raw := range bytes.Split(frame, newline) {
			raw = bytes.TrimSpace(raw)
			if len(raw) == 0 {
				continue
			}
			var env types.Envelope
			if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
				c.Hub.metrics.EventsDropped.WithLabelValues("malformed").Inc()
				continue
			}

			in := Inbound{Conn: c.ID, Verified: c.Verified, Event: env}
			if types.Metered(env.Type) {
				in.Throttled = c.Limiter != nil && !c.Limiter.Allow()
			} else if c.Control != nil && !c.Control.Allow() {
				c.Hub.metrics.EventsDropped.WithLabelValues("rate_limited").Inc()
				c.log.Debug("control budget exceeded, discarding event", zap.String("conn", string(c.ID)), zap.String("type", string(env.Type)))
				continue
			}
			if !c.Hub.submit(in) {
				return
			}
		}
	}
}

package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/capitalize-ai/bookchat/internal/model"
	"github.com/capitalize-ai/bookchat/internal/session"
)

// wsChannel adapts a websocket connection to session.Channel. Writes are
// serialized; reads belong to the handler goroutine.
type wsChannel struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSChannel(conn *websocket.Conn, writeTimeout time.Duration) *wsChannel {
	return &wsChannel{
		id:           uuid.New().String(),
		conn:         conn,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (c *wsChannel) ID() string {
	return c.id
}

// Send writes one envelope as a JSON text frame.
func (c *wsChannel) Send(ctx context.Context, env model.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("refusing to send envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.done:
		return session.ErrChannelClosed
	default:
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return errors.Join(session.ErrChannelClosed, err)
	}
	if err := c.conn.WriteJSON(env); err != nil {
		return errors.Join(session.ErrChannelClosed, err)
	}
	return nil
}

// Close closes the connection with a normal closure frame.
func (c *wsChannel) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

// closeWith sends a close frame with code and reason, then closes the
// connection. Only the first call has any effect.
func (c *wsChannel) closeWith(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
		err = c.conn.Close()
	})
	return err
}

// keepalive pings the peer every interval until the channel is closed.
func (c *wsChannel) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// Package gateway maintains one physical websocket push connection per bot
// identity and surfaces its lifecycle as callbacks.
package gateway

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const writeTimeout = 5 * time.Second

// Handler receives connection lifecycle events. The open event is implicit:
// Dial returns only after the connection is established.
type Handler interface {
	HandleMessage(bot string, env Envelope)
	HandleError(bot string, err error)
	HandleClose(bot string, code int, reason string)
}

// Conn is one live push connection for one bot identity. It has no logic
// beyond emitting lifecycle events and exposing send/close.
type Conn struct {
	bot    string
	ws     *websocket.Conn
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// Dial opens a push connection for the given bot address and starts the
// read loop. Lifecycle events are delivered to h until the connection dies.
func Dial(ctx context.Context, baseURL, bot string, h Handler) (*Conn, error) {
	wsURL, err := buildURL(baseURL, bot)
	if err != nil {
		return nil, fmt.Errorf("build gateway url: %w", err)
	}

	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("gateway dial %s: %w", bot, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{bot: bot, ws: ws, cancel: cancel}
	go c.readLoop(loopCtx, h)
	return c, nil
}

// Send writes an outbound frame as JSON, bounded by the write timeout.
func (c *Conn) Send(ctx context.Context, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, c.ws, v); err != nil {
		return fmt.Errorf("gateway send %s: %w", c.bot, err)
	}
	return nil
}

// Close tears the connection down. The read loop exits and emits its
// error/close events as usual; callers that must not react to them are
// expected to gate on their own shutdown state.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	return c.ws.Close(websocket.StatusCode(code), reason)
}

func (c *Conn) readLoop(ctx context.Context, h Handler) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			code := int(websocket.CloseStatus(err))
			h.HandleError(c.bot, err)
			h.HandleClose(c.bot, code, err.Error())
			return
		}

		env, err := DecodeEnvelope(data)
		if err != nil {
			// Malformed payloads are dropped, never retried. Keep the raw
			// frame in the log for diagnosis.
			logDecodeFailure(c.bot, data, err)
			continue
		}
		h.HandleMessage(c.bot, env)
	}
}

func buildURL(baseURL, bot string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/bots/" + url.PathEscape(bot)
	return u.String(), nil
}

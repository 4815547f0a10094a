// Package ws implements transport.Transport over a WebSocket client.
package ws

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/forestwatch/internal/errors"
	"codeberg.org/mutker/forestwatch/internal/logger"
	"codeberg.org/mutker/forestwatch/internal/transport"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write the close frame.
	writeWait = 2 * time.Second

	defaultHandshakeTimeout = 10 * time.Second
	defaultReadLimit        = 64 * 1024
)

type Config struct {
	HandshakeTimeout time.Duration
	ReadLimit        int64
	Header           http.Header
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: defaultHandshakeTimeout,
		ReadLimit:        defaultReadLimit,
	}
}

type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	log    logger.Logger
}

var _ transport.Transport = (*Transport)(nil)

func New(cfg Config) *Transport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}

	return &Transport{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log: logger.Component("transport.ws"),
	}
}

func (t *Transport) Open(ctx context.Context, endpoint string, h transport.Handler) (transport.Conn, error) {
	errFactory := errors.New()

	ws, resp, err := t.dialer.DialContext(ctx, endpoint, t.cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errFactory.Wrap(transport.ErrDial, err)
	}

	ws.SetReadLimit(t.cfg.ReadLimit)

	c := &conn{ws: ws, log: t.log}
	t.log.Debug().Str("endpoint", endpoint).Msg("WebSocket connected")

	go c.readPump(h)

	return c, nil
}

type conn struct {
	ws     *websocket.Conn
	log    logger.Logger
	closed atomic.Bool
	once   sync.Once
}

// readPump delivers inbound frames until the socket fails.
func (c *conn) readPump(h transport.Handler) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			c.ws.Close()
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("WebSocket closed unexpectedly")
			}
			h.OnClose(errors.New().Wrap(transport.ErrRead, err))
			return
		}
		if c.closed.Load() {
			return
		}
		h.OnMessage(data)
	}
}

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if werr := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); werr != nil {
			c.log.Debug().Err(werr).Msg("Failed to write close frame")
		}
		if cerr := c.ws.Close(); cerr != nil {
			err = errors.New().Wrap(transport.ErrClose, cerr)
		}
	})
	return err
}

// Package mqtt implements transport.Transport over an MQTT subscription. Each
// publish on the configured topic carries one telemetry wire message.
package mqtt

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/forestwatch/internal/errors"
	"codeberg.org/mutker/forestwatch/internal/logger"
	"codeberg.org/mutker/forestwatch/internal/transport"
	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultKeepAlive      = 30 * time.Second
	// grace period in milliseconds for in-flight work on disconnect
	disconnectQuiesce = 250
	inboxSize         = 64
)

type Config struct {
	Topic          string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Topic:          "forestwatch/+/events",
		ClientID:       "forestwatch",
		ConnectTimeout: defaultConnectTimeout,
		KeepAlive:      defaultKeepAlive,
	}
}

type Transport struct {
	cfg Config
	log logger.Logger
}

var _ transport.Transport = (*Transport)(nil)

func New(cfg Config) *Transport {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = defaultKeepAlive
	}

	return &Transport{
		cfg: cfg,
		log: logger.Component("transport.mqtt"),
	}
}

// Open connects to the broker at endpoint and subscribes to the topic.
// Reconnection is left to the caller, so the client never retries on its own.
func (t *Transport) Open(ctx context.Context, endpoint string, h transport.Handler) (transport.Conn, error) {
	errFactory := errors.New()

	c := &conn{
		h:     h,
		inbox: make(chan []byte, inboxSize),
		lost:  make(chan error, 1),
		done:  make(chan struct{}),
		log:   t.log,
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(endpoint)
	opts.SetClientID(t.cfg.ClientID)
	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
	}
	if t.cfg.Password != "" {
		opts.SetPassword(t.cfg.Password)
	}
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	opts.SetConnectTimeout(t.cfg.ConnectTimeout)
	opts.SetKeepAlive(t.cfg.KeepAlive)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		select {
		case c.lost <- err:
		default:
		}
	})

	client := paho.NewClient(opts)
	c.client = client

	if err := wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return nil, errFactory.Wrap(transport.ErrDial, err)
	}

	token := client.Subscribe(t.cfg.Topic, t.cfg.QoS, func(_ paho.Client, m paho.Message) {
		c.deliver(m.Payload())
	})
	if err := wait(ctx, token); err != nil {
		client.Disconnect(disconnectQuiesce)
		return nil, errFactory.Wrap(transport.ErrSubscribe, err)
	}

	t.log.Debug().
		Str("broker", endpoint).
		Str("topic", t.cfg.Topic).
		Msg("Subscribed to MQTT topic")

	go c.pump()

	return c, nil
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

type conn struct {
	client paho.Client
	h      transport.Handler
	inbox  chan []byte
	lost   chan error
	done   chan struct{}
	once   sync.Once
	log    logger.Logger
}

// deliver runs on the client's router goroutine and applies backpressure when
// the inbox is full.
func (c *conn) deliver(payload []byte) {
	select {
	case c.inbox <- payload:
	case <-c.done:
	}
}

func (c *conn) pump() {
	for {
		select {
		case <-c.done:
			return
		case p := <-c.inbox:
			c.h.OnMessage(p)
		case err := <-c.lost:
			c.drain()
			select {
			case <-c.done:
				return
			default:
			}
			c.log.Debug().Err(err).Msg("MQTT connection lost")
			c.h.OnClose(errors.New().Wrap(transport.ErrConnectionLost, err))
			return
		}
	}
}

func (c *conn) drain() {
	for {
		select {
		case p := <-c.inbox:
			c.h.OnMessage(p)
		default:
			return
		}
	}
}

func (c *conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.client.Disconnect(disconnectQuiesce)
	})
	return nil
}

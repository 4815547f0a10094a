package connection

import (
	"net/url"
	"time"

	"codeberg.org/mutker/forestwatch/internal/errors"
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 3 * time.Second
	DefaultSimulationInterval   = 3 * time.Second
	DefaultSimulationAlertLimit = 10
	DefaultDialTimeout          = 10 * time.Second

	// SimulationClientID is reported as the session id while simulating.
	SimulationClientID = "demo-mode"
)

type Config struct {
	Endpoint             string
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	SimulationInterval   time.Duration
	SimulationAlertLimit int
	DialTimeout          time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ReconnectDelay:       DefaultReconnectDelay,
		SimulationInterval:   DefaultSimulationInterval,
		SimulationAlertLimit: DefaultSimulationAlertLimit,
		DialTimeout:          DefaultDialTimeout,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return errFactory.Wrap(ErrInvalidEndpoint, err)
	}
	switch u.Scheme {
	case "ws", "wss", "tcp", "ssl", "tls", "mqtt", "mqtts":
	default:
		return errFactory.WithData(ErrInvalidEndpoint, c.Endpoint)
	}
	if u.Host == "" {
		return errFactory.WithData(ErrInvalidEndpoint, c.Endpoint)
	}

	if c.MaxReconnectAttempts < 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "max reconnect attempts must not be negative")
	}
	if c.ReconnectDelay <= 0 || c.SimulationInterval <= 0 || c.DialTimeout <= 0 {
		return errFactory.New(errors.ErrInvalidInterval)
	}
	if c.SimulationAlertLimit <= 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "simulation alert limit must be positive")
	}
	return nil
}

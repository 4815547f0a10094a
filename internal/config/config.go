package config

import (
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/forestwatch/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix = "FORESTWATCH"
	DefaultLogLevel  = string(LogLevelInfo)

	DefaultPageURL              = "http://localhost"
	DefaultTransport            = string(TransportWebSocket)
	DefaultMQTTBroker           = "tcp://127.0.0.1:1883"
	DefaultMQTTTopic            = "forestwatch/+/events"
	DefaultMQTTClientID         = "forestwatch"
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelayMS     = 3000
	DefaultSimulationIntervalMS = 3000
	DefaultDialTimeoutMS        = 10000
	DefaultHistoryLimit         = 60
	DefaultAlertLimit           = 20
	DefaultSimulationAlertLimit = 10
	DefaultFallbackDeviceID     = "ESP_klab"
	DefaultListen               = ":8080"
	DefaultArchiveDB            = "/var/lib/forestwatch/archive.db"

	// streamPort is the port the device backend broadcasts on when the
	// endpoint is derived from the page origin.
	streamPort = "8000"
	streamPath = "/ws"
)

type Config struct {
	WSURL                string `mapstructure:"ws_url"`
	PageURL              string `mapstructure:"page_url"`
	Transport            string `mapstructure:"transport"`
	MQTTBroker           string `mapstructure:"mqtt_broker"`
	MQTTTopic            string `mapstructure:"mqtt_topic"`
	MQTTClientID         string `mapstructure:"mqtt_client_id"`
	MaxReconnectAttempts int    `mapstructure:"max_reconnect_attempts"`
	ReconnectDelayMS     int    `mapstructure:"reconnect_delay_ms"`
	SimulationIntervalMS int    `mapstructure:"simulation_interval_ms"`
	DialTimeoutMS        int    `mapstructure:"dial_timeout_ms"`
	HistoryLimit         int    `mapstructure:"history_limit"`
	AlertLimit           int    `mapstructure:"alert_limit"`
	SimulationAlertLimit int    `mapstructure:"simulation_alert_limit"`
	FallbackDeviceID     string `mapstructure:"fallback_device_id"`
	Listen               string `mapstructure:"listen"`
	LogLevel             string `mapstructure:"log_level"`
	Archive              bool   `mapstructure:"archive"`
	ArchiveDB            string `mapstructure:"archive_db"`
	PIDFile              string `mapstructure:"pid_file"`
}

type flagSpec struct {
	key   string
	flag  string
	usage string
	def   any
}

var flagSpecs = []flagSpec{
	{"ws_url", "ws-url", "Explicit telemetry stream endpoint", ""},
	{"page_url", "page-url", "Origin the stream endpoint is derived from", DefaultPageURL},
	{"transport", "transport", "Stream transport: websocket or mqtt", DefaultTransport},
	{"mqtt_broker", "mqtt-broker", "MQTT broker URL", DefaultMQTTBroker},
	{"mqtt_topic", "mqtt-topic", "MQTT topic carrying telemetry messages", DefaultMQTTTopic},
	{"mqtt_client_id", "mqtt-client-id", "MQTT client identifier", DefaultMQTTClientID},
	{"max_reconnect_attempts", "max-reconnect-attempts", "Reconnect attempts before simulation", DefaultMaxReconnectAttempts},
	{"reconnect_delay_ms", "reconnect-delay-ms", "Fixed delay between reconnect attempts", DefaultReconnectDelayMS},
	{"simulation_interval_ms", "simulation-interval-ms", "Interval between synthetic readings", DefaultSimulationIntervalMS},
	{"dial_timeout_ms", "dial-timeout-ms", "Connection handshake timeout", DefaultDialTimeoutMS},
	{"history_limit", "history-limit", "Snapshots retained in history", DefaultHistoryLimit},
	{"alert_limit", "alert-limit", "Alerts retained while live", DefaultAlertLimit},
	{"simulation_alert_limit", "simulation-alert-limit", "Alerts retained while simulating", DefaultSimulationAlertLimit},
	{"fallback_device_id", "fallback-device-id", "Device id used when a message has none", DefaultFallbackDeviceID},
	{"listen", "listen", "HTTP listen address", DefaultListen},
	{"log_level", "log-level", "Log level (debug, info, warning, error)", DefaultLogLevel},
	{"archive", "archive", "Persist snapshots and alerts to SQLite", false},
	{"archive_db", "archive-db", "Archive database path", DefaultArchiveDB},
	{"pid_file", "pid-file", "PID file guarding against a second instance (default in the temp dir)", ""},
}

func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}
	if !o.argsSet {
		o.args = os.Args[1:]
	}

	v := viper.New()
	fs := pflag.NewFlagSet("forestwatch", pflag.ContinueOnError)

	for _, spec := range flagSpecs {
		v.SetDefault(spec.key, spec.def)
		switch def := spec.def.(type) {
		case string:
			fs.String(spec.flag, def, spec.usage)
		case int:
			fs.Int(spec.flag, def, spec.usage)
		case bool:
			fs.Bool(spec.flag, def, spec.usage)
		}
	}

	if err := fs.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	for _, spec := range flagSpecs {
		if err := v.BindPFlag(spec.key, fs.Lookup(spec.flag)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Load configuration from file
	path := o.configPath
	if path == "" {
		path = os.Getenv(o.envPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
	} else {
		v.SetConfigName("forestwatch")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc/forestwatch")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if !TransportKind(c.Transport).IsValid() {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "unknown transport "+c.Transport)
	}
	if c.ReconnectDelayMS <= 0 || c.SimulationIntervalMS <= 0 || c.DialTimeoutMS <= 0 {
		return errFactory.New(errors.ErrInvalidInterval)
	}
	if c.MaxReconnectAttempts < 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "max_reconnect_attempts must not be negative")
	}
	if c.HistoryLimit <= 0 || c.AlertLimit <= 0 || c.SimulationAlertLimit <= 0 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "retention limits must be positive")
	}
	if c.Archive && c.ArchiveDB == "" {
		return errFactory.WithMessage(errors.ErrMissingConfig, "archive_db is required when archive is enabled")
	}
	if c.WSURL == "" {
		if _, err := url.Parse(c.PageURL); err != nil {
			return errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	return nil
}

// ResolveEndpoint returns the stream endpoint. An explicit ws_url wins; otherwise
// the endpoint is derived from the page origin: wss for https pages, ws otherwise,
// on the page host at port 8000, path /ws.
func (c *Config) ResolveEndpoint() string {
	if c.WSURL != "" {
		return c.WSURL
	}

	scheme := "ws"
	host := "localhost"
	if u, err := url.Parse(c.PageURL); err == nil {
		if u.Scheme == "https" {
			scheme = "wss"
		}
		if h := u.Hostname(); h != "" {
			host = h
		}
	}

	return scheme + "://" + net.JoinHostPort(host, streamPort) + streamPath
}

func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMS) * time.Millisecond
}

func (c *Config) SimulationInterval() time.Duration {
	return time.Duration(c.SimulationIntervalMS) * time.Millisecond
}

func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMS) * time.Millisecond
}

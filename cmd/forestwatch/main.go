package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/forestwatch/internal/api"
	"codeberg.org/mutker/forestwatch/internal/archive"
	"codeberg.org/mutker/forestwatch/internal/config"
	"codeberg.org/mutker/forestwatch/internal/connection"
	"codeberg.org/mutker/forestwatch/internal/errors"
	"codeberg.org/mutker/forestwatch/internal/logger"
	"codeberg.org/mutker/forestwatch/internal/pid"
	"codeberg.org/mutker/forestwatch/internal/protocol"
	"codeberg.org/mutker/forestwatch/internal/store"
	"codeberg.org/mutker/forestwatch/internal/transport"
	"codeberg.org/mutker/forestwatch/internal/transport/mqtt"
	"codeberg.org/mutker/forestwatch/internal/transport/ws"
)

const archiveEventBuffer = 256

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.ParseLevel(cfg.LogLevel), logger.IsService())
	logger.Debug().Msg("Config loaded")
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := run(ctx, cancel); err != nil {
		logger.Error().
			Err(err).
			Str("error_code", string(errors.CodeOf(err))).
			Msg("Exiting with error")
		os.Exit(1)
	}
	logger.Info().Msg("Exiting...")
}

func run(ctx context.Context, cancel context.CancelFunc) error {
	errFactory := errors.New()

	release, err := pid.Acquire(cfg.PIDFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(); err != nil {
			logger.Error().Err(err).Msg("Failed to remove PID file")
		}
	}()

	st := store.New(store.Config{
		HistoryLimit: cfg.HistoryLimit,
		AlertLimit:   cfg.AlertLimit,
	})

	rec, err := openArchive(ctx, st)
	if err != nil {
		return errFactory.Wrap(errors.ErrOpenArchive, err)
	}
	defer func() {
		if err := rec.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close archive")
		}
	}()

	followDone := make(chan struct{})
	if cfg.Archive {
		events, unsubscribe := st.Subscribe(archiveEventBuffer)
		defer func() {
			unsubscribe()
			<-followDone
		}()
		// Follow outlives the signal context; unsubscribe ends it once the
		// manager has stopped and the buffered events are recorded.
		go func() {
			defer close(followDone)
			archive.Follow(context.WithoutCancel(ctx), rec, events)
		}()
	} else {
		close(followDone)
	}

	t, endpoint := newTransport()
	mgr, err := connection.New(connection.Config{
		Endpoint:             endpoint,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectDelay:       cfg.ReconnectDelay(),
		SimulationInterval:   cfg.SimulationInterval(),
		SimulationAlertLimit: cfg.SimulationAlertLimit,
		DialTimeout:          cfg.DialTimeout(),
	}, t, st, connection.WithNormalizer(protocol.NewNormalizer(cfg.FallbackDeviceID, time.Now)))
	if err != nil {
		return errFactory.Wrap(errors.ErrInitTransport, err)
	}
	defer mgr.Teardown()

	server := api.New(cfg.Listen, st, mgr)
	server.Start(ctx, cancel)
	defer func() {
		if err := server.Shutdown(); err != nil {
			logger.Error().Err(err).Msg("Failed to shut down API server")
		}
	}()

	logger.Info().
		Str("transport", cfg.Transport).
		Str("endpoint", endpoint).
		Int("max_reconnect_attempts", cfg.MaxReconnectAttempts).
		Bool("archive", cfg.Archive).
		Msg("Starting forestwatch")

	// The first dial may take up to the dial timeout; Teardown cancels it.
	go mgr.Connect()

	<-ctx.Done()
	return nil
}

// openArchive opens the archive and seeds the store with what it retained.
// A failed load is logged and the store starts empty.
func openArchive(ctx context.Context, st *store.Store) (archive.Recorder, error) {
	archiveCfg := archive.DefaultConfig()
	archiveCfg.Enabled = cfg.Archive
	archiveCfg.DBPath = cfg.ArchiveDB

	rec, err := archive.NewService(archiveCfg)
	if err != nil {
		return nil, err
	}

	history, alerts, err := rec.LoadRecent(ctx, cfg.HistoryLimit, cfg.AlertLimit)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load archived telemetry")
		return rec, nil
	}
	st.Seed(history, alerts)

	if len(history) > 0 || len(alerts) > 0 {
		logger.Info().
			Int("snapshots", len(history)).
			Int("alerts", len(alerts)).
			Msg("Restored archived telemetry")
	}
	return rec, nil
}

func newTransport() (transport.Transport, string) {
	if config.TransportKind(cfg.Transport) == config.TransportMQTT {
		mqttCfg := mqtt.DefaultConfig()
		mqttCfg.Topic = cfg.MQTTTopic
		mqttCfg.ClientID = cfg.MQTTClientID
		mqttCfg.ConnectTimeout = cfg.DialTimeout()
		return mqtt.New(mqttCfg), cfg.MQTTBroker
	}

	wsCfg := ws.DefaultConfig()
	wsCfg.HandshakeTimeout = cfg.DialTimeout()
	return ws.New(wsCfg), cfg.ResolveEndpoint()
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

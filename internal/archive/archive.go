// Package archive persists snapshots and alerts to SQLite so history survives
// restarts.
package archive

import (
	"context"

	"codeberg.org/mutker/forestwatch/internal/errors"
	"codeberg.org/mutker/forestwatch/internal/logger"
	"codeberg.org/mutker/forestwatch/internal/telemetry"
)

type service struct {
	repo Repository
	cfg  Config
}

// No-op implementation
type noopRecorder struct{}

func NewService(cfg Config) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	log := logger.Component("archive")

	// If archiving is disabled, return a no-op recorder
	if !cfg.Enabled {
		log.Debug().Msg("Archive disabled, using no-op recorder")
		return &noopRecorder{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		log.Debug().Err(err).Msg("Failed to create archive repository")
		return nil, err
	}

	log.Debug().
		Str("db_path", cfg.DBPath).
		Bool("enabled", cfg.Enabled).
		Msg("Archive service initialized successfully")

	return &service{
		repo: repo,
		cfg:  cfg,
	}, nil
}

func (s *service) RecordSnapshot(ctx context.Context, snapshot telemetry.Snapshot) error {
	errFactory := errors.New()

	if snapshot.DeviceID == "" {
		return errFactory.New(ErrInvalidRecord)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.RecordSnapshot(snapshot); err != nil {
			return errFactory.Wrap(ErrRecordFailed, err)
		}
	}

	return nil
}

func (s *service) RecordAlert(ctx context.Context, alert telemetry.Alert) error {
	errFactory := errors.New()

	if alert.ID == "" {
		return errFactory.New(ErrInvalidRecord)
	}

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.RecordAlert(alert); err != nil {
			return errFactory.Wrap(ErrRecordFailed, err)
		}
	}

	return nil
}

func (s *service) ResolveAlert(ctx context.Context, id string) error {
	errFactory := errors.New()

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.ResolveAlert(id); err != nil {
			return errFactory.Wrap(ErrRecordFailed, err)
		}
	}

	return nil
}

func (s *service) LoadRecent(ctx context.Context, snapshots, alerts int) ([]telemetry.Snapshot, []telemetry.Alert, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, errors.New().Wrap(ErrOperationTimeout, err)
	}
	return s.repo.LoadRecent(snapshots, alerts)
}

func (s *service) Close() error {
	errFactory := errors.New()

	if err := s.repo.Close(); err != nil {
		return errFactory.Wrap(ErrServiceShutdown, err)
	}
	return nil
}

// No-op implementation
func (*noopRecorder) RecordSnapshot(_ context.Context, _ telemetry.Snapshot) error {
	return nil
}

func (*noopRecorder) RecordAlert(_ context.Context, _ telemetry.Alert) error {
	return nil
}

func (*noopRecorder) ResolveAlert(_ context.Context, _ string) error {
	return nil
}

func (*noopRecorder) LoadRecent(_ context.Context, _, _ int) ([]telemetry.Snapshot, []telemetry.Alert, error) {
	return nil, nil, nil
}

func (*noopRecorder) Close() error {
	return nil
}

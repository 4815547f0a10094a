package archive

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/forestwatch/internal/errors"
	"codeberg.org/mutker/forestwatch/internal/logger"
	"codeberg.org/mutker/forestwatch/internal/telemetry"
	_ "github.com/mattn/go-sqlite3"
)

// repository buffers snapshots and writes them in batches; alerts are rare
// and written through immediately.
type repository struct {
	db            *sql.DB
	logger        logger.Logger
	cfg           Config
	mu            sync.Mutex
	buffer        []telemetry.Snapshot
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
	closeOnce     sync.Once
}

func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := "file:" + cfg.DBPath + "?_journal=WAL&_auto_vacuum=2&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}
	db.SetMaxOpenConns(1)

	// Validate if schema is current, with backup if needed
	if err := ValidateAndUpdateSchema(db, cfg, log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Msg("Archive repository initialized")

	repo := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		buffer:        make([]telemetry.Snapshot, 0, max(cfg.BatchSize, 1)),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	// Start background goroutine for periodic flushing if batching is enabled
	if cfg.BatchSize > 0 && cfg.BatchTimeout > 0 {
		repo.flushTicker = time.NewTicker(cfg.BatchTimeout)
		go repo.flusher()
	} else {
		close(repo.flushDoneChan)
	}

	return repo, nil
}

func (r *repository) RecordSnapshot(snapshot telemetry.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(r.buffer, snapshot)

	if len(r.buffer) >= r.cfg.BatchSize {
		return r.flush()
	}

	return nil
}

func (r *repository) RecordAlert(alert telemetry.Alert) error {
	var stage any
	if alert.FireStage != nil {
		stage = int64(*alert.FireStage)
	}
	var risk any
	if alert.FireRisk != nil {
		risk = *alert.FireRisk
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Exec(insertAlertSQL,
		alert.ID,
		alert.DeviceID,
		alert.Severity.String(),
		string(alert.Category),
		alert.Message,
		risk,
		stage,
		alert.Timestamp.UnixMilli(),
		boolToInt(alert.Resolved),
	)
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}
	return nil
}

func (r *repository) ResolveAlert(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.db.Exec(resolveAlertSQL, id); err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}
	return nil
}

func (r *repository) LoadRecent(snapshots, alerts int) ([]telemetry.Snapshot, []telemetry.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	errFactory := errors.New()

	if err := r.flush(); err != nil {
		return nil, nil, err
	}

	snaps, err := r.loadSnapshots(snapshots)
	if err != nil {
		return nil, nil, errFactory.Wrap(ErrLoadFailed, err)
	}

	recent, err := r.loadAlerts(alerts)
	if err != nil {
		return nil, nil, errFactory.Wrap(ErrLoadFailed, err)
	}

	return snaps, recent, nil
}

func (r *repository) loadSnapshots(limit int) ([]telemetry.Snapshot, error) {
	rows, err := r.db.Query(selectSnapshotsSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []telemetry.Snapshot
	for rows.Next() {
		var (
			s                   telemetry.Snapshot
			ts                  int64
			stage               int64
			chainsaw, tempSpike int64
		)
		if err := rows.Scan(
			&s.DeviceID, &ts,
			&s.Temperature, &s.Humidity, &s.Smoke,
			&s.BackgroundRMS, &s.PeakAmplitude,
			&s.FireRisk, &stage,
			&s.ChainsawProbability, &chainsaw, &tempSpike,
		); err != nil {
			return nil, err
		}
		s.Timestamp = time.UnixMilli(ts).UTC()
		s.FireStage = telemetry.FireStage(stage)
		s.ChainsawDetected = chainsaw == 1
		s.TempSpike = tempSpike == 1
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// newest first from the query; callers want arrival order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *repository) loadAlerts(limit int) ([]telemetry.Alert, error) {
	rows, err := r.db.Query(selectAlertsSQL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []telemetry.Alert
	for rows.Next() {
		var (
			a                  telemetry.Alert
			severity, category string
			risk               sql.NullFloat64
			stage              sql.NullInt64
			ts, resolved       int64
		)
		if err := rows.Scan(&a.ID, &a.DeviceID, &severity, &category, &a.Message, &risk, &stage, &ts, &resolved); err != nil {
			return nil, err
		}
		a.Severity, _ = telemetry.ParseSeverity(severity)
		a.Category = telemetry.Category(category)
		if risk.Valid {
			v := risk.Float64
			a.FireRisk = &v
		}
		if stage.Valid {
			v := int(stage.Int64)
			a.FireStage = &v
		}
		a.Timestamp = time.UnixMilli(ts).UTC()
		a.Resolved = resolved == 1
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *repository) Close() error {
	var closeErr error
	r.closeOnce.Do(func() {
		closeErr = r.close()
	})
	return closeErr
}

func (r *repository) close() error {
	// Signal the flusher goroutine to stop
	close(r.shutdownChan)

	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}

	// Wait for the flusher to finish its final flush
	<-r.flushDoneChan

	r.mu.Lock()
	err := r.flush()
	r.mu.Unlock()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to flush archive on close")
	}

	// Checkpoint WAL and cleanup on close
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Msg("Archive repository closed gracefully")

	return nil
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.logger.Error().Err(err).Msg("Periodic archive flush failed")
			}
			r.mu.Unlock()
		case <-r.shutdownChan:
			return
		}
	}
}

// flush must be called with r.mu held.
func (r *repository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to begin transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.Prepare(insertSnapshotSQL)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to prepare statement")
		if err := tx.Rollback(); err != nil {
			r.logger.Error().Err(err).Msg("Failed to roll back transaction")
		}
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for _, s := range r.buffer {
		values := []interface{}{
			s.DeviceID,
			s.Timestamp.UnixMilli(),
			s.Temperature,
			s.Humidity,
			s.Smoke,
			s.BackgroundRMS,
			s.PeakAmplitude,
			s.FireRisk,
			int64(s.FireStage),
			s.ChainsawProbability,
			int64(boolToInt(s.ChainsawDetected)),
			int64(boolToInt(s.TempSpike)),
		}

		if _, err := stmt.Exec(values...); err != nil {
			r.logger.Error().Err(err).Msg("Failed to execute insert")
			if err := tx.Rollback(); err != nil {
				r.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error().Err(err).Msg("Failed to commit transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.logger.Debug().Int("records", len(r.buffer)).Msg("Flushed snapshots to archive")
	r.buffer = r.buffer[:0]

	return nil
}

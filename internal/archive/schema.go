package archive

import (
	"database/sql"

	"codeberg.org/mutker/forestwatch/internal/errors"
	"codeberg.org/mutker/forestwatch/internal/logger"
)

const (
	SchemaVersion = 1

	// SQL statements derived from schema
	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS snapshots (
	       id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	       device_id            TEXT    NOT NULL,
	       timestamp            INTEGER NOT NULL CHECK (typeof(timestamp) = 'integer'),
	       temperature          REAL    NOT NULL,
	       humidity             REAL    NOT NULL,
	       smoke                REAL    NOT NULL,
	       background_rms       REAL    NOT NULL,
	       peak_amplitude       REAL    NOT NULL,
	       fire_risk            REAL    NOT NULL,
	       fire_stage           INTEGER NOT NULL CHECK (typeof(fire_stage) = 'integer'),
	       chainsaw_probability REAL    NOT NULL,
	       chainsaw_detected    INTEGER NOT NULL CHECK (chainsaw_detected IN (0, 1)),
	       temp_spike           INTEGER NOT NULL CHECK (temp_spike IN (0, 1))
	   );
	   CREATE INDEX IF NOT EXISTS idx_snapshots_timestamp ON snapshots (timestamp);
	   CREATE TABLE IF NOT EXISTS alerts (
	       id         TEXT    PRIMARY KEY,
	       device_id  TEXT    NOT NULL,
	       severity   TEXT    NOT NULL,
	       category   TEXT    NOT NULL,
	       message    TEXT    NOT NULL,
	       fire_risk  REAL,
	       fire_stage INTEGER,
	       timestamp  INTEGER NOT NULL CHECK (typeof(timestamp) = 'integer'),
	       resolved   INTEGER NOT NULL CHECK (resolved IN (0, 1))
	   );`

	insertSnapshotSQL = `
    INSERT INTO snapshots (
        device_id, timestamp,
        temperature, humidity, smoke,
        background_rms, peak_amplitude,
        fire_risk, fire_stage,
        chainsaw_probability, chainsaw_detected, temp_spike
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertAlertSQL = `
    INSERT OR IGNORE INTO alerts (
        id, device_id, severity, category, message,
        fire_risk, fire_stage, timestamp, resolved
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	resolveAlertSQL = `UPDATE alerts SET resolved = 1 WHERE id = ?`

	selectSnapshotsSQL = `
    SELECT device_id, timestamp,
           temperature, humidity, smoke,
           background_rms, peak_amplitude,
           fire_risk, fire_stage,
           chainsaw_probability, chainsaw_detected, temp_spike
    FROM snapshots
    ORDER BY timestamp DESC, id DESC
    LIMIT ?`

	selectAlertsSQL = `
    SELECT id, device_id, severity, category, message,
           fire_risk, fire_stage, timestamp, resolved
    FROM alerts
    ORDER BY rowid DESC
    LIMIT ?`
)

var archiveTables = []string{"snapshots", "alerts", "schema_versions"}

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	// Track transaction state
	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				// Only log if it's not the "already committed" error
				if !errors.Is(err, sql.ErrTxDone) {
					log.Debug().Err(err).Msg("Failed to rollback transaction")
				}
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			SQL   string
		}{
			Error: err.Error(),
			SQL:   createTablesSQL,
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	errFactory := errors.New()
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}

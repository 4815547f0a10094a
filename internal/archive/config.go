package archive

import (
	"path/filepath"
	"time"

	"codeberg.org/mutker/forestwatch/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm      = 0o755
	defaultDBPath       = "/var/lib/forestwatch/archive.db"
	defaultBatchSize    = 20
	defaultBatchTimeout = 5 * time.Second
)

type Config struct {
	DBPath          string
	BackupDir       string
	BackupOnMigrate bool
	Enabled         bool
	BatchSize       int
	BatchTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		DBPath:          defaultDBPath,
		BackupOnMigrate: true,
		Enabled:         false, // Disabled by default
		BatchSize:       defaultBatchSize,
		BatchTimeout:    defaultBatchTimeout,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate DBPath if the archive is enabled
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 || c.BatchTimeout < 0 {
		return errFactory.WithMessage(ErrInvalidConfig, "batch size and timeout must not be negative")
	}
	return nil
}

func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(filepath.Dir(c.DBPath), "backups")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

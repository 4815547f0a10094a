package archive

import (
	"context"

	"codeberg.org/mutker/forestwatch/internal/telemetry"
)

// Recorder persists telemetry for inspection and warm restarts.
type Recorder interface {
	RecordSnapshot(ctx context.Context, snapshot telemetry.Snapshot) error
	RecordAlert(ctx context.Context, alert telemetry.Alert) error
	ResolveAlert(ctx context.Context, id string) error
	// LoadRecent returns up to snapshots readings, oldest first, and up to
	// alerts alerts, most recent first.
	LoadRecent(ctx context.Context, snapshots, alerts int) ([]telemetry.Snapshot, []telemetry.Alert, error)
	Close() error
}

// Repository defines the interface for archive data storage
type Repository interface {
	RecordSnapshot(snapshot telemetry.Snapshot) error
	RecordAlert(alert telemetry.Alert) error
	ResolveAlert(id string) error
	LoadRecent(snapshots, alerts int) ([]telemetry.Snapshot, []telemetry.Alert, error)
	Close() error
}

// Package store holds the live telemetry state: the latest snapshot, a bounded
// history, a bounded alert list and the connection status. Every mutation is
// serialized and published to subscribers in the order it was applied.
package store

import (
	"sync"

	"codeberg.org/mutker/forestwatch/internal/logger"
	"codeberg.org/mutker/forestwatch/internal/telemetry"
)

const (
	DefaultHistoryLimit = 60
	DefaultAlertLimit   = 20
)

type EventKind int

const (
	EventSnapshot EventKind = iota
	EventAlert
	EventAlertResolved
	EventStatus
	// EventSnapshotMerged replaces the latest snapshot without a new reading.
	EventSnapshotMerged
)

func (k EventKind) String() string {
	switch k {
	case EventSnapshot:
		return "snapshot"
	case EventAlert:
		return "alert"
	case EventAlertResolved:
		return "alert_resolved"
	case EventStatus:
		return "status"
	case EventSnapshotMerged:
		return "snapshot_merged"
	default:
		return "unknown"
	}
}

// Event describes one applied mutation. Only the field matching Kind is set.
type Event struct {
	Kind     EventKind
	Snapshot *telemetry.Snapshot
	Alert    *telemetry.Alert
	Status   *telemetry.ConnectionStatus
}

type Config struct {
	HistoryLimit int
	AlertLimit   int
}

func DefaultConfig() Config {
	return Config{
		HistoryLimit: DefaultHistoryLimit,
		AlertLimit:   DefaultAlertLimit,
	}
}

// View is a detached copy of the store contents.
type View struct {
	Latest       *telemetry.Snapshot        `json:"latest"`
	History      []telemetry.Snapshot       `json:"history"`
	Alerts       []telemetry.Alert          `json:"alerts"`
	Status       telemetry.ConnectionStatus `json:"status"`
	ActiveAlerts int                        `json:"activeAlerts"`
}

type Store struct {
	mu           sync.Mutex
	log          logger.Logger
	historyLimit int
	alertLimit   int

	latest  *telemetry.Snapshot
	history []telemetry.Snapshot
	alerts  []telemetry.Alert
	status  telemetry.ConnectionStatus

	subs    map[int]chan Event
	nextSub int
}

func New(cfg Config) *Store {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.AlertLimit <= 0 {
		cfg.AlertLimit = DefaultAlertLimit
	}

	return &Store{
		log:          logger.Component("store"),
		historyLimit: cfg.HistoryLimit,
		alertLimit:   cfg.AlertLimit,
		history:      make([]telemetry.Snapshot, 0, cfg.HistoryLimit),
		alerts:       make([]telemetry.Alert, 0, cfg.AlertLimit),
		subs:         make(map[int]chan Event),
	}
}

// SetSnapshot replaces the latest snapshot and appends it to history,
// dropping the oldest entries beyond the history limit.
func (s *Store) SetSnapshot(snap telemetry.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = &snap
	s.history = appendBounded(s.history, snap, s.historyLimit)
	s.publish(Event{Kind: EventSnapshot, Snapshot: &snap})
}

// MergeLatest replaces the latest snapshot with fn applied to it and publishes
// EventSnapshotMerged. History is left untouched. It reports false, without
// calling fn, when there is no latest snapshot yet.
func (s *Store) MergeLatest(fn func(telemetry.Snapshot) telemetry.Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest == nil {
		return false
	}

	merged := fn(*s.latest)
	s.latest = &merged
	s.publish(Event{Kind: EventSnapshotMerged, Snapshot: &merged})
	return true
}

// PushAlert prepends a to the alert list, dropping the oldest alerts beyond the
// current limit. An alert whose id is already retained is rejected.
func (s *Store) PushAlert(a telemetry.Alert) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.alerts {
		if s.alerts[i].ID == a.ID {
			s.log.Debug().Str("alert_id", a.ID).Msg("Dropping alert with duplicate id")
			return false
		}
	}

	a = a.Clone()
	s.alerts = append(s.alerts, telemetry.Alert{})
	copy(s.alerts[1:], s.alerts)
	s.alerts[0] = a
	if len(s.alerts) > s.alertLimit {
		s.alerts = s.alerts[:s.alertLimit]
	}

	out := a.Clone()
	s.publish(Event{Kind: EventAlert, Alert: &out})
	return true
}

// SetAlertLimit changes the alert retention limit, trimming the oldest alerts
// when the list is already longer.
func (s *Store) SetAlertLimit(limit int) {
	if limit <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.alertLimit = limit
	if len(s.alerts) > limit {
		s.alerts = s.alerts[:limit]
	}
}

// Dismiss marks the alert resolved. It reports whether an alert with that id
// is retained; dismissing an already resolved alert changes nothing.
func (s *Store) Dismiss(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.alerts {
		if s.alerts[i].ID != id {
			continue
		}
		if !s.alerts[i].Resolved {
			s.alerts[i].Resolved = true
			out := s.alerts[i].Clone()
			s.publish(Event{Kind: EventAlertResolved, Alert: &out})
		}
		return true
	}
	return false
}

// UpdateStatus applies fn to the connection status as one atomic change.
func (s *Store) UpdateStatus(fn func(*telemetry.ConnectionStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.status)
	out := s.status.Clone()
	s.publish(Event{Kind: EventStatus, Status: &out})
}

// Seed loads previously archived state without publishing events. Snapshots
// are oldest first, alerts most recent first.
func (s *Store) Seed(history []telemetry.Snapshot, alerts []telemetry.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snap := range history {
		s.history = appendBounded(s.history, snap, s.historyLimit)
	}
	if n := len(s.history); n > 0 && s.latest == nil {
		latest := s.history[n-1]
		s.latest = &latest
	}

	seen := make(map[string]struct{}, len(s.alerts))
	for _, a := range s.alerts {
		seen[a.ID] = struct{}{}
	}
	for _, a := range alerts {
		if len(s.alerts) >= s.alertLimit {
			break
		}
		if _, dup := seen[a.ID]; dup {
			continue
		}
		seen[a.ID] = struct{}{}
		s.alerts = append(s.alerts, a.Clone())
	}
}

func appendBounded(history []telemetry.Snapshot, snap telemetry.Snapshot, limit int) []telemetry.Snapshot {
	history = append(history, snap)
	if over := len(history) - limit; over > 0 {
		copy(history, history[over:])
		history = history[:limit]
	}
	return history
}

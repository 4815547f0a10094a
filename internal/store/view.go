package store

import "codeberg.org/mutker/forestwatch/internal/telemetry"

// View returns a copy of everything the store holds.
func (s *Store) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		History:      make([]telemetry.Snapshot, len(s.history)),
		Alerts:       make([]telemetry.Alert, len(s.alerts)),
		Status:       s.status.Clone(),
		ActiveAlerts: s.activeAlerts(),
	}
	copy(v.History, s.history)
	for i := range s.alerts {
		v.Alerts[i] = s.alerts[i].Clone()
	}
	if s.latest != nil {
		latest := *s.latest
		v.Latest = &latest
	}
	return v
}

func (s *Store) Latest() (telemetry.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.latest == nil {
		return telemetry.Snapshot{}, false
	}
	return *s.latest, true
}

func (s *Store) History() []telemetry.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]telemetry.Snapshot, len(s.history))
	copy(out, s.history)
	return out
}

// Alerts returns the retained alerts, most recent first. When activeOnly is
// set, resolved alerts are skipped.
func (s *Store) Alerts(activeOnly bool) []telemetry.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]telemetry.Alert, 0, len(s.alerts))
	for i := range s.alerts {
		if activeOnly && s.alerts[i].Resolved {
			continue
		}
		out = append(out, s.alerts[i].Clone())
	}
	return out
}

func (s *Store) Status() telemetry.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.status.Clone()
}

// ActiveAlerts counts unresolved alerts.
func (s *Store) ActiveAlerts() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.activeAlerts()
}

func (s *Store) activeAlerts() int {
	n := 0
	for i := range s.alerts {
		if !s.alerts[i].Resolved {
			n++
		}
	}
	return n
}

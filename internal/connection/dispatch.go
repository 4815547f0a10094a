package connection

import (
	"codeberg.org/mutker/forestwatch/internal/errors"
	"codeberg.org/mutker/forestwatch/internal/protocol"
	"codeberg.org/mutker/forestwatch/internal/telemetry"
)

func (m *Manager) handleMessage(gen uint64, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || gen != m.gen {
		return
	}
	// Messages can arrive between the transport handshake and Open returning.
	if m.state != StateConnected && m.state != StateConnecting {
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		m.log.Warn().
			Err(err).
			Str("error_code", string(errors.CodeOf(err))).
			Msg("Dropping malformed message")
		return
	}

	m.dispatch(msg)
}

func (m *Manager) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeConnected:
		clientID, ok := msg.ClientID()
		now := m.sched.Now()
		m.store.UpdateStatus(func(s *telemetry.ConnectionStatus) {
			if ok {
				s.ClientID = &clientID
			}
			s.LastContact = &now
		})
		event := m.log.Info()
		if ok {
			event.Str("client_id", clientID)
		}
		event.Msg("Session acknowledged")

	case protocol.TypeFireUpdate, protocol.TypeSensorData:
		snapshot := m.normalizer.Snapshot(msg)
		m.store.SetSnapshot(snapshot)
		m.touchLocked()
		m.log.Debug().
			Str("device_id", snapshot.DeviceID).
			Float64("fire_risk", snapshot.FireRisk).
			Int("fire_stage", int(snapshot.FireStage)).
			Msg("Snapshot received")

	case protocol.TypeSoundUpdate:
		merged := m.store.MergeLatest(func(prev telemetry.Snapshot) telemetry.Snapshot {
			return m.normalizer.MergeSound(prev, msg)
		})
		if !merged {
			m.log.Debug().Msg("Ignoring sound update before first snapshot")
		}

	case protocol.TypeAlert:
		alert := m.normalizer.Alert(msg)
		if m.store.PushAlert(alert) {
			m.log.Info().
				Str("alert_id", alert.ID).
				Str("severity", alert.Severity.String()).
				Str("category", string(alert.Category)).
				Msg(alert.Message)
		}

	case protocol.TypeHeartbeat, protocol.TypePong:
		m.touchLocked()

	default:
		m.log.Debug().Str("type", string(msg.Type)).Msg("Ignoring unknown message type")
	}
}

func (m *Manager) touchLocked() {
	now := m.sched.Now()
	m.store.UpdateStatus(func(s *telemetry.ConnectionStatus) {
		s.LastContact = &now
	})
}

package telemetry

import "time"

// Snapshot is one complete reading from a sensing device. Values are replaced
// wholesale by the next snapshot; FireRisk and FireStage are carried as reported
// and never reconciled against each other.
type Snapshot struct {
	DeviceID            string    `json:"deviceId"`
	Timestamp           time.Time `json:"timestamp"`
	Temperature         float64   `json:"temperature"`
	Humidity            float64   `json:"humidity"`
	Smoke               float64   `json:"smoke"`
	BackgroundRMS       float64   `json:"backgroundRms"`
	PeakAmplitude       float64   `json:"peakAmplitude"`
	FireRisk            float64   `json:"fireRisk"`
	FireStage           FireStage `json:"fireStage"`
	ChainsawProbability float64   `json:"chainsawProbability"`
	ChainsawDetected    bool      `json:"chainsawDetected"`
	TempSpike           bool      `json:"tempSpike"`
}

// SoundReading carries the acoustic subset of a snapshot. Nil fields were
// absent from the message and leave the previous value in place.
type SoundReading struct {
	BackgroundRMS       *float64
	PeakAmplitude       *float64
	ChainsawProbability *float64
	ChainsawDetected    *bool
}

// Apply returns a copy of s with the present sound fields overwritten.
func (r SoundReading) Apply(s Snapshot) Snapshot {
	if r.BackgroundRMS != nil {
		s.BackgroundRMS = *r.BackgroundRMS
	}
	if r.PeakAmplitude != nil {
		s.PeakAmplitude = *r.PeakAmplitude
	}
	if r.ChainsawProbability != nil {
		s.ChainsawProbability = *r.ChainsawProbability
	}
	if r.ChainsawDetected != nil {
		s.ChainsawDetected = *r.ChainsawDetected
	}
	return s
}

// Alert is a discrete notable event.
type Alert struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"deviceId"`
	Severity  Severity  `json:"severity"`
	Category  Category  `json:"type"`
	Message   string    `json:"message"`
	FireRisk  *float64  `json:"fireRisk,omitempty"`
	FireStage *int      `json:"fireStage,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Resolved  bool      `json:"resolved"`
}

// ConnectionStatus describes the link to the telemetry source.
type ConnectionStatus struct {
	Connected         bool       `json:"connected"`
	LastContact       *time.Time `json:"lastPing,omitempty"`
	ClientID          *string    `json:"clientId,omitempty"`
	ReconnectAttempts int        `json:"reconnectAttempts"`
	Simulated         bool       `json:"simulated"`
}

// Clone returns a copy that shares no pointers with c.
func (c ConnectionStatus) Clone() ConnectionStatus {
	out := c
	if c.LastContact != nil {
		t := *c.LastContact
		out.LastContact = &t
	}
	if c.ClientID != nil {
		id := *c.ClientID
		out.ClientID = &id
	}
	return out
}

// Clone returns a copy that shares no pointers with a.
func (a Alert) Clone() Alert {
	out := a
	if a.FireRisk != nil {
		v := *a.FireRisk
		out.FireRisk = &v
	}
	if a.FireStage != nil {
		v := *a.FireStage
		out.FireStage = &v
	}
	return out
}

package protocol

import (
	"fmt"
	"time"

	"codeberg.org/mutker/forestwatch/internal/telemetry"
	"github.com/google/uuid"
)

// DefaultFallbackDeviceID identifies records that carry no device id.
const DefaultFallbackDeviceID = "ESP_klab"

// Field aliases, most preferred first. Snapshots are snake_case on the wire,
// alerts camelCase; both conventions are accepted everywhere.
var (
	keyDeviceID         = []string{"deviceId", "device_id"}
	keyTimestamp        = []string{"timestamp", "ts"}
	keyBackgroundRMS    = []string{"background_rms", "backgroundRms"}
	keyPeakAmplitude    = []string{"peak_amplitude", "peakAmplitude"}
	keyFireRisk         = []string{"fire_risk", "fireRisk"}
	keyFireStage        = []string{"fire_stage", "fireStage"}
	keyChainsawProb     = []string{"chainsaw_prob", "chainsawProbability", "chainsaw_probability"}
	keyChainsawDetected = []string{"chainsaw_detected", "chainsawDetected"}
	keyTempSpike        = []string{"temp_spike", "tempSpike"}

	keyAlertFireRisk         = []string{"fireRisk", "fire_risk"}
	keyAlertFireStage        = []string{"fireStage", "fire_stage"}
	keyAlertChainsawDetected = []string{"chainsawDetected", "chainsaw_detected"}
	keyAlertTempSpike        = []string{"tempSpike", "temp_spike"}
)

// Normalizer turns decoded messages into canonical records. It never fails:
// absent numbers become 0, absent flags false, and absent identities fall back
// to configured defaults.
type Normalizer struct {
	FallbackDeviceID string
	Now              func() time.Time
	NewID            func() string
}

// NewNormalizer returns a Normalizer stamping missing timestamps with now.
func NewNormalizer(fallbackDeviceID string, now func() time.Time) *Normalizer {
	return &Normalizer{
		FallbackDeviceID: fallbackDeviceID,
		Now:              now,
		NewID:            NewID,
	}
}

// NewID returns a time-ordered unique identifier.
func NewID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

func (n *Normalizer) deviceID(m Message) string {
	if id, ok := m.text(keyDeviceID...); ok {
		return id
	}
	return n.FallbackDeviceID
}

func (n *Normalizer) stamp(m Message) time.Time {
	if ts, ok := m.timestamp(keyTimestamp...); ok {
		return ts
	}
	return n.Now()
}

func (m Message) numberOrZero(keys ...string) float64 {
	v, _ := m.number(keys...)
	return v
}

func (m Message) boolOrFalse(keys ...string) bool {
	v, _ := m.boolean(keys...)
	return v
}

// Snapshot normalizes a fire_update or sensor_data record.
func (n *Normalizer) Snapshot(m Message) telemetry.Snapshot {
	return telemetry.Snapshot{
		DeviceID:            n.deviceID(m),
		Timestamp:           n.stamp(m),
		Temperature:         m.numberOrZero("temperature"),
		Humidity:            m.numberOrZero("humidity"),
		Smoke:               m.numberOrZero("smoke"),
		BackgroundRMS:       m.numberOrZero(keyBackgroundRMS...),
		PeakAmplitude:       m.numberOrZero(keyPeakAmplitude...),
		FireRisk:            m.numberOrZero(keyFireRisk...),
		FireStage:           telemetry.FireStage(int(m.numberOrZero(keyFireStage...))),
		ChainsawProbability: m.numberOrZero(keyChainsawProb...),
		ChainsawDetected:    m.boolOrFalse(keyChainsawDetected...),
		TempSpike:           m.boolOrFalse(keyTempSpike...),
	}
}

// Sound extracts the acoustic fields present in a sound_update record.
func (n *Normalizer) Sound(m Message) telemetry.SoundReading {
	var r telemetry.SoundReading
	if v, ok := m.number(keyBackgroundRMS...); ok {
		r.BackgroundRMS = &v
	}
	if v, ok := m.number(keyPeakAmplitude...); ok {
		r.PeakAmplitude = &v
	}
	if v, ok := m.number(keyChainsawProb...); ok {
		r.ChainsawProbability = &v
	}
	if v, ok := m.boolean(keyChainsawDetected...); ok {
		r.ChainsawDetected = &v
	}
	return r
}

// MergeSound overlays the sound fields present in m onto prev.
func (n *Normalizer) MergeSound(prev telemetry.Snapshot, m Message) telemetry.Snapshot {
	return n.Sound(m).Apply(prev)
}

// Alert normalizes an alert record.
func (n *Normalizer) Alert(m Message) telemetry.Alert {
	a := telemetry.Alert{
		DeviceID:  n.deviceID(m),
		Timestamp: n.stamp(m),
		Severity:  telemetry.SeverityMedium,
	}

	if id, ok := m.text("id"); ok {
		a.ID = id
	} else {
		a.ID = "alert_" + n.NewID()
	}

	if s, ok := m.text("severity"); ok {
		a.Severity, _ = telemetry.ParseSeverity(s)
	}

	switch {
	case m.boolOrFalse(keyAlertChainsawDetected...):
		a.Category = telemetry.CategoryChainsaw
	case m.boolOrFalse(keyAlertTempSpike...):
		a.Category = telemetry.CategoryTempSpike
	default:
		a.Category = telemetry.CategoryFire
	}

	if risk, ok := m.number(keyAlertFireRisk...); ok {
		a.FireRisk = &risk
	}
	if stage, ok := m.number(keyAlertFireStage...); ok {
		s := int(stage)
		a.FireStage = &s
	}

	if msg, ok := m.text("message"); ok {
		a.Message = msg
	} else {
		a.Message = defaultAlertMessage(a)
	}

	return a
}

func defaultAlertMessage(a telemetry.Alert) string {
	switch a.Category {
	case telemetry.CategoryChainsaw:
		return "Chainsaw activity detected"
	case telemetry.CategoryTempSpike:
		return "Temperature spike detected"
	default:
		if a.FireRisk != nil {
			return fmt.Sprintf("Fire risk at %.0f%%", *a.FireRisk)
		}
		return "Fire risk alert"
	}
}

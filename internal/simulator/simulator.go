// Package simulator produces plausible synthetic telemetry for when the real
// source is unreachable.
package simulator

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"codeberg.org/mutker/forestwatch/internal/telemetry"
)

const (
	DeviceID = "DEMO_ESP32"

	baseTemperature   = 25.0
	temperatureSpread = 15.0
	spikeThreshold    = 0.95
	spikeDelta        = 15.0
	humidityBase      = 40.0
	humiditySpread    = 40.0
	smokeSpread       = 30.0
	spikeSmoke        = 40.0
	alertChance       = 0.5
)

// Generator yields one synthetic reading per call to Next. It is not safe for
// concurrent use; the connection manager calls it from its own serialized tick.
type Generator struct {
	rng   *rand.Rand
	now   func() time.Time
	NewID func() string
}

// New returns a Generator drawing from rng and stamping readings with now.
func New(rng *rand.Rand, now func() time.Time, newID func() string) *Generator {
	return &Generator{rng: rng, now: now, NewID: newID}
}

// Next produces a snapshot and, on some temperature spikes, an alert.
func (g *Generator) Next() (telemetry.Snapshot, *telemetry.Alert) {
	now := g.now()

	temperature := baseTemperature + g.rng.Float64()*temperatureSpread
	spike := g.rng.Float64() > spikeThreshold
	if spike {
		temperature += spikeDelta
	}

	humidity := humidityBase + g.rng.Float64()*humiditySpread
	smoke := g.rng.Float64() * smokeSpread
	if spike {
		smoke += spikeSmoke
	}

	risk := FireRisk(temperature, humidity, smoke)
	stage := telemetry.StageForRisk(risk)

	snapshot := telemetry.Snapshot{
		DeviceID:            DeviceID,
		Timestamp:           now,
		Temperature:         temperature,
		Humidity:            humidity,
		Smoke:               smoke,
		BackgroundRMS:       0.02 + g.rng.Float64()*0.08,
		PeakAmplitude:       0.1 + g.rng.Float64()*0.3,
		FireRisk:            risk,
		FireStage:           stage,
		ChainsawProbability: g.rng.Float64() * 0.15,
		ChainsawDetected:    false,
		TempSpike:           spike,
	}

	if !spike || g.rng.Float64() <= alertChance {
		return snapshot, nil
	}

	stageValue := int(stage)
	return snapshot, &telemetry.Alert{
		ID:        "demo_alert_" + g.NewID(),
		DeviceID:  DeviceID,
		Severity:  telemetry.SeverityHigh,
		Category:  telemetry.CategoryTempSpike,
		Message:   fmt.Sprintf("Demo: Temperature spike detected (%.1f°C)", temperature),
		FireRisk:  &risk,
		FireStage: &stageValue,
		Timestamp: now,
	}
}

// FireRisk scores weather and smoke on a 0-100 scale.
func FireRisk(temperature, humidity, smoke float64) float64 {
	risk := (temperature-25)*2 + (100-humidity)*0.5 + smoke*0.8
	return math.Max(0, math.Min(100, risk))
}

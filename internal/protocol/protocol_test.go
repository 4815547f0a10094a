package protocol_test

import (
	"testing"
	"time"

	"codeberg.org/mutker/forestwatch/internal/errors"
	"codeberg.org/mutker/forestwatch/internal/protocol"
	"codeberg.org/mutker/forestwatch/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newNormalizer() *protocol.Normalizer {
	n := protocol.NewNormalizer("ESP_klab", func() time.Time { return fixedNow })
	n.NewID = func() string { return "fixed" }
	return n
}

func decode(t *testing.T, raw string) protocol.Message {
	t.Helper()
	m, err := protocol.Decode([]byte(raw))
	require.NoError(t, err)
	return m
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, raw := range []string{"", "{not json", "[1,2,3]", `"text"`, "42", "null"} {
		_, err := protocol.Decode([]byte(raw))
		require.Error(t, err, "input %q", raw)
		assert.True(t, errors.HasCode(err, protocol.ErrMalformedMessage), "input %q", raw)
	}
}

func TestDecodeType(t *testing.T) {
	assert.Equal(t, protocol.TypeFireUpdate, decode(t, `{"type":"fire_update"}`).Type)
	assert.Equal(t, protocol.MessageType(""), decode(t, `{"temperature":20}`).Type)
	assert.Equal(t, protocol.MessageType("mystery"), decode(t, `{"type":"mystery"}`).Type)
}

func TestSnapshotFullRecord(t *testing.T) {
	m := decode(t, `{
		"type":"fire_update","deviceId":"ESP_1","timestamp":"2024-05-01T10:00:00Z",
		"temperature":31.5,"humidity":42,"smoke":12.5,
		"background_rms":0.05,"peak_amplitude":0.3,
		"fire_risk":44.2,"fire_stage":2,
		"chainsaw_prob":0.12,"chainsaw_detected":false,"temp_spike":true
	}`)

	s := newNormalizer().Snapshot(m)

	assert.Equal(t, telemetry.Snapshot{
		DeviceID:            "ESP_1",
		Timestamp:           time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Temperature:         31.5,
		Humidity:            42,
		Smoke:               12.5,
		BackgroundRMS:       0.05,
		PeakAmplitude:       0.3,
		FireRisk:            44.2,
		FireStage:           telemetry.StageElevated,
		ChainsawProbability: 0.12,
		TempSpike:           true,
	}, s)
}

func TestSnapshotDefaults(t *testing.T) {
	s := newNormalizer().Snapshot(decode(t, `{"type":"fire_update","temperature":null,"humidity":"n/a"}`))

	assert.Equal(t, "ESP_klab", s.DeviceID)
	assert.Equal(t, fixedNow, s.Timestamp)
	assert.Zero(t, s.Temperature)
	assert.Zero(t, s.Humidity)
	assert.Zero(t, s.FireRisk)
	assert.Equal(t, telemetry.StageNormal, s.FireStage)
	assert.False(t, s.ChainsawDetected)
	assert.False(t, s.TempSpike)
}

func TestSnapshotAcceptsCamelCase(t *testing.T) {
	s := newNormalizer().Snapshot(decode(t, `{"fireRisk":61,"fireStage":3,"backgroundRms":0.07,"chainsawDetected":true}`))

	assert.Equal(t, 61.0, s.FireRisk)
	assert.Equal(t, telemetry.StageModerate, s.FireStage)
	assert.Equal(t, 0.07, s.BackgroundRMS)
	assert.True(t, s.ChainsawDetected)
}

func TestSnapshotPrefersSnakeCase(t *testing.T) {
	s := newNormalizer().Snapshot(decode(t, `{"fire_risk":10,"fireRisk":90}`))
	assert.Equal(t, 10.0, s.FireRisk)
}

func TestTimestampFormats(t *testing.T) {
	n := newNormalizer()
	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"rfc3339 with offset", `{"timestamp":"2024-05-01T12:00:00+02:00"}`, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{"fractional seconds", `{"timestamp":"2024-05-01T10:00:00.250Z"}`, time.Date(2024, 5, 1, 10, 0, 0, 250e6, time.UTC)},
		{"zone-less iso", `{"timestamp":"2024-05-01T10:00:00"}`, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{"space separated", `{"timestamp":"2024-05-01 10:00:00"}`, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{"epoch seconds", `{"timestamp":1714557600}`, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{"epoch millis", `{"timestamp":1714557600000}`, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)},
		{"unparseable falls back", `{"timestamp":"yesterday"}`, fixedNow},
		{"object falls back", `{"timestamp":{"s":1}}`, fixedNow},
		{"negative falls back", `{"timestamp":-5}`, fixedNow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := n.Snapshot(decode(t, tt.raw))
			assert.True(t, tt.want.Equal(s.Timestamp), "got %v want %v", s.Timestamp, tt.want)
		})
	}
}

func TestMergeSoundKeepsAbsentFields(t *testing.T) {
	n := newNormalizer()
	prev := telemetry.Snapshot{
		DeviceID:            "ESP_1",
		Temperature:         28,
		BackgroundRMS:       0.05,
		PeakAmplitude:       0.2,
		ChainsawProbability: 0.1,
		ChainsawDetected:    false,
	}

	merged := n.MergeSound(prev, decode(t, `{"type":"sound_update","chainsaw_prob":0.85,"chainsaw_detected":true}`))

	assert.Equal(t, 0.85, merged.ChainsawProbability)
	assert.True(t, merged.ChainsawDetected)
	assert.Equal(t, 0.05, merged.BackgroundRMS)
	assert.Equal(t, 0.2, merged.PeakAmplitude)
	assert.Equal(t, 28.0, merged.Temperature)
	assert.Equal(t, "ESP_1", merged.DeviceID)
}

func TestAlertNormalization(t *testing.T) {
	n := newNormalizer()

	a := n.Alert(decode(t, `{
		"type":"alert","id":"a-17","deviceId":"ESP_2","timestamp":"2024-05-01T10:00:00Z",
		"severity":"critical","message":"Saw detected","chainsawDetected":true,"tempSpike":true,
		"fire_risk":20,"fireStage":1
	}`))

	assert.Equal(t, "a-17", a.ID)
	assert.Equal(t, "ESP_2", a.DeviceID)
	assert.Equal(t, telemetry.SeverityCritical, a.Severity)
	assert.Equal(t, telemetry.CategoryChainsaw, a.Category, "chainsaw wins over temp spike")
	assert.Equal(t, "Saw detected", a.Message)
	require.NotNil(t, a.FireRisk)
	assert.Equal(t, 20.0, *a.FireRisk)
	require.NotNil(t, a.FireStage)
	assert.Equal(t, 1, *a.FireStage)
	assert.False(t, a.Resolved)
}

func TestAlertDefaults(t *testing.T) {
	a := newNormalizer().Alert(decode(t, `{"type":"alert","severity":"extreme"}`))

	assert.Equal(t, "alert_fixed", a.ID)
	assert.Equal(t, "ESP_klab", a.DeviceID)
	assert.Equal(t, telemetry.SeverityMedium, a.Severity)
	assert.Equal(t, telemetry.CategoryFire, a.Category)
	assert.Equal(t, fixedNow, a.Timestamp)
	assert.Nil(t, a.FireRisk)
	assert.Nil(t, a.FireStage)
	assert.NotEmpty(t, a.Message)
}

func TestAlertCategoryPrecedence(t *testing.T) {
	n := newNormalizer()
	assert.Equal(t, telemetry.CategoryTempSpike, n.Alert(decode(t, `{"tempSpike":true}`)).Category)
	assert.Equal(t, telemetry.CategoryTempSpike, n.Alert(decode(t, `{"temp_spike":true,"chainsawDetected":false}`)).Category)
	assert.Equal(t, telemetry.CategoryFire, n.Alert(decode(t, `{"fireRisk":90}`)).Category)
}

func TestAlertPrefersCamelCase(t *testing.T) {
	a := newNormalizer().Alert(decode(t, `{"fireRisk":80,"fire_risk":10}`))
	require.NotNil(t, a.FireRisk)
	assert.Equal(t, 80.0, *a.FireRisk)
}

func TestClientID(t *testing.T) {
	id, ok := decode(t, `{"type":"connected","clientId":"c-42"}`).ClientID()
	assert.True(t, ok)
	assert.Equal(t, "c-42", id)

	_, ok = decode(t, `{"type":"connected"}`).ClientID()
	assert.False(t, ok)
}

func TestNewIDIsUnique(t *testing.T) {
	assert.NotEqual(t, protocol.NewID(), protocol.NewID())
}

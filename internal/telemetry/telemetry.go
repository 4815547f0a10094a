package telemetry

import "strings"

// FireStage is the discrete fire danger level, 0 (normal) to 5 (critical).
type FireStage int

const (
	StageNormal FireStage = iota
	StageLowRisk
	StageElevated
	StageModerate
	StageHigh
	StageCritical
)

var stageLabels = [...]string{"Normal", "Low Risk", "Elevated", "Moderate", "High", "Critical"}

// Label returns the display label for the stage. Out-of-range stages are
// reported as received by the device, so they get a generic label.
func (s FireStage) Label() string {
	if s < StageNormal || s > StageCritical {
		return "Unknown"
	}
	return stageLabels[s]
}

// StageForRisk maps a 0-100 risk score onto the stage bands.
func StageForRisk(risk float64) FireStage {
	switch {
	case risk < 15:
		return StageNormal
	case risk < 30:
		return StageLowRisk
	case risk < 50:
		return StageElevated
	case risk < 70:
		return StageModerate
	case risk < 85:
		return StageHigh
	default:
		return StageCritical
	}
}

// Severity orders alerts: low < medium < high < critical.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"low", "medium", "high", "critical"}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return "medium"
	}
	return severityNames[s]
}

// ParseSeverity maps a wire value to a Severity. ok is false for unknown values.
func ParseSeverity(v string) (Severity, bool) {
	for i, name := range severityNames {
		if strings.EqualFold(v, name) {
			return Severity(i), true
		}
	}
	return SeverityMedium, false
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	*s, _ = ParseSeverity(string(b))
	return nil
}

// Category classifies an alert.
type Category string

const (
	CategoryFire       Category = "fire"
	CategoryChainsaw   Category = "chainsaw"
	CategoryTempSpike  Category = "temp_spike"
	CategoryConnection Category = "connection"
)

package classifier

import (
	"sort"

	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/telemetry"
)

// MaxRiskLevel is the top of the 0-5 risk scale
const MaxRiskLevel = 5

// SensorWeights weight each sensor's contribution to the risk score
type SensorWeights struct {
	Temperature float64 `json:"temperature" yaml:"temperature"`
	Humidity    float64 `json:"humidity" yaml:"humidity"`
	Smoke       float64 `json:"smoke" yaml:"smoke"`
	CO          float64 `json:"co" yaml:"co"`
	Flame       float64 `json:"flame" yaml:"flame"`
}

// SeveritySpans is how far past its threshold a sensor must go to reach full severity
type SeveritySpans struct {
	Temperature float64 `json:"temperature" yaml:"temperature"`
	Humidity    float64 `json:"humidity" yaml:"humidity"`
	Smoke       float64 `json:"smoke" yaml:"smoke"`
	CO          float64 `json:"co" yaml:"co"`
}

// RiskModel maps a reading to a 0-5 risk level.
//
// Each breached sensor contributes weight*severity to a score, severity being
// the distance past threshold over the sensor's span, clamped to [0,1]. A
// breach scores level 1 plus one per cutoff the score reaches. Flame, two or
// more breaches, or any sensor at full severity lift the level to SevereFloor.
// No breach is level 0.
type RiskModel struct {
	Weights     SensorWeights `json:"weights" yaml:"weights"`
	Spans       SeveritySpans `json:"spans" yaml:"spans"`
	Cutoffs     []float64     `json:"cutoffs" yaml:"cutoffs"`
	SevereFloor int           `json:"severe_floor" yaml:"severe_floor"`
}

// DefaultRiskModel uses the node firmware weights
func DefaultRiskModel() RiskModel {
	return RiskModel{
		Weights: SensorWeights{
			Temperature: 0.25,
			Humidity:    0.15,
			Smoke:       0.35,
			CO:          0.15,
			Flame:       0.10,
		},
		Spans: SeveritySpans{
			Temperature: 30,
			Humidity:    30,
			Smoke:       400,
			CO:          150,
		},
		Cutoffs:     []float64{0.10, 0.25, 0.45, 0.65},
		SevereFloor: 4,
	}
}

// Validate checks the model is usable and monotone
func (m RiskModel) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.Invalidf(errors.ErrInvalidConfig, "RiskModel", "Validate", format, args...)
	}

	w := m.Weights
	if w.Temperature < 0 || w.Humidity < 0 || w.Smoke < 0 || w.CO < 0 || w.Flame < 0 {
		return invalid("weights must not be negative")
	}
	s := m.Spans
	if s.Temperature <= 0 || s.Humidity <= 0 || s.Smoke <= 0 || s.CO <= 0 {
		return invalid("severity spans must be positive")
	}
	if len(m.Cutoffs) > MaxRiskLevel-1 {
		return invalid("at most %d cutoffs, got %d", MaxRiskLevel-1, len(m.Cutoffs))
	}
	if !sort.Float64sAreSorted(m.Cutoffs) {
		return invalid("cutoffs must be ascending")
	}
	if m.SevereFloor < 0 || m.SevereFloor > MaxRiskLevel {
		return invalid("severe_floor %d outside 0-%d", m.SevereFloor, MaxRiskLevel)
	}
	return nil
}

// Assessment is the breakdown behind a risk level
type Assessment struct {
	Breaches int
	Score    float64
	Level    int
}

// Breached reports whether any threshold was crossed
func (a Assessment) Breached() bool {
	return a.Breaches > 0
}

// Assess evaluates r against thresholds. Flame counts as a breach.
func (m RiskModel) Assess(t telemetry.Thresholds, r telemetry.Reading) Assessment {
	var a Assessment
	severe := false

	add := func(over bool, distance, span, weight float64) {
		if !over {
			return
		}
		a.Breaches++
		sev := clamp01(distance / span)
		if sev >= 1 {
			severe = true
		}
		a.Score += weight * sev
	}

	add(r.Temperature > t.Temperature, r.Temperature-t.Temperature, m.Spans.Temperature, m.Weights.Temperature)
	add(r.Humidity < t.Humidity, t.Humidity-r.Humidity, m.Spans.Humidity, m.Weights.Humidity)
	add(float64(r.Smoke) > t.Smoke, float64(r.Smoke)-t.Smoke, m.Spans.Smoke, m.Weights.Smoke)
	add(float64(r.CO) > t.CO, float64(r.CO)-t.CO, m.Spans.CO, m.Weights.CO)
	if r.FlameDetected {
		a.Breaches++
		severe = true
		a.Score += m.Weights.Flame
	}

	if a.Breaches == 0 {
		return a
	}

	level := 1
	for _, cutoff := range m.Cutoffs {
		if a.Score >= cutoff {
			level++
		}
	}
	if (severe || a.Breaches >= 2) && level < m.SevereFloor {
		level = m.SevereFloor
	}
	a.Level = min(level, MaxRiskLevel)
	return a
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Package classifier maps a node's configuration, last reading and liveness to a
// status and risk level. It performs no I/O and holds no state.
package classifier

import (
	"time"

	"github.com/amoahfrank/firewatch/errors"
	"github.com/amoahfrank/firewatch/telemetry"
)

// Default staleness thresholds
const (
	DefaultWarningAfter = 10 * time.Minute
	DefaultOfflineAfter = 30 * time.Minute
)

// Config holds the staleness thresholds and the risk model
type Config struct {
	WarningAfter time.Duration `json:"warning_after" yaml:"warning_after"`
	OfflineAfter time.Duration `json:"offline_after" yaml:"offline_after"`
	Risk         RiskModel     `json:"risk" yaml:"risk"`
}

// DefaultConfig returns the 10m/30m thresholds and the default risk model
func DefaultConfig() Config {
	return Config{
		WarningAfter: DefaultWarningAfter,
		OfflineAfter: DefaultOfflineAfter,
		Risk:         DefaultRiskModel(),
	}
}

// Validate checks threshold ordering and the risk model
func (c Config) Validate() error {
	if c.WarningAfter <= 0 || c.OfflineAfter <= 0 {
		return errors.Invalidf(errors.ErrInvalidConfig, "classifier", "Validate",
			"staleness thresholds must be positive")
	}
	if c.WarningAfter >= c.OfflineAfter {
		return errors.Invalidf(errors.ErrInvalidConfig, "classifier", "Validate",
			"warning_after %s must be below offline_after %s", c.WarningAfter, c.OfflineAfter)
	}
	return c.Risk.Validate()
}

// Input is everything a classification depends on.
// Reading is nil when re-evaluating liveness without new data.
type Input struct {
	Config         telemetry.NodeConfig
	PreviousStatus telemetry.Status
	PreviousRisk   int
	Reading        *telemetry.Reading
	LastSeen       time.Time
	Now            time.Time
}

// Result is the classification outcome
type Result struct {
	Status    telemetry.Status
	RiskLevel int
}

// Classifier is safe for concurrent use; it is a value holding only configuration.
type Classifier struct {
	cfg Config
}

// New returns a Classifier for cfg
func New(cfg Config) *Classifier {
	return &Classifier{cfg: cfg}
}

// Config returns the classifier configuration
func (c *Classifier) Config() Config {
	return c.cfg
}

// Classify computes status and risk for in.
//
// Without a reading the previous risk level is carried forward: the node is
// offline past OfflineAfter, warning past WarningAfter, and otherwise keeps its
// previous status. A node that has never reported stays as it was.
func (c *Classifier) Classify(in Input) Result {
	if in.Reading == nil {
		keep := Result{Status: in.PreviousStatus, RiskLevel: in.PreviousRisk}
		if in.LastSeen.IsZero() {
			return keep
		}
		silence := in.Now.Sub(in.LastSeen)
		switch {
		case silence > c.cfg.OfflineAfter:
			return Result{Status: telemetry.StatusOffline, RiskLevel: in.PreviousRisk}
		case silence > c.cfg.WarningAfter:
			if in.PreviousStatus == telemetry.StatusOffline {
				return keep
			}
			return Result{Status: telemetry.StatusWarning, RiskLevel: in.PreviousRisk}
		}
		return keep
	}

	assessment := c.cfg.Risk.Assess(in.Config.Thresholds, *in.Reading)
	switch {
	case !assessment.Breached():
		return Result{Status: telemetry.StatusNormal, RiskLevel: 0}
	case in.Config.AlertEnabled:
		return Result{Status: telemetry.StatusAlert, RiskLevel: assessment.Level}
	default:
		return Result{Status: telemetry.StatusWarning, RiskLevel: assessment.Level}
	}
}

// IsStale reports whether a node last seen at lastSeen is past the warning threshold
func (c *Classifier) IsStale(lastSeen, now time.Time) bool {
	return !lastSeen.IsZero() && now.Sub(lastSeen) > c.cfg.WarningAfter
}

// Package telemetry defines the node, reading and status-change types shared by
// every component, together with payload decoding and the topic layout.
package telemetry

import (
	"time"
)

// Status is the operational classification of a node
type Status string

// Node statuses
const (
	StatusUnknown Status = "unknown"
	StatusNormal  Status = "normal"
	StatusWarning Status = "warning"
	StatusAlert   Status = "alert"
	StatusOffline Status = "offline"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusUnknown, StatusNormal, StatusWarning, StatusAlert, StatusOffline:
		return true
	}
	return false
}

// Thresholds are the per-node breach limits. Humidity breaches when the
// reading falls below the limit, every other field when it rises above.
type Thresholds struct {
	Temperature float64 `json:"temperature" yaml:"temperature"`
	Humidity    float64 `json:"humidity" yaml:"humidity"`
	Smoke       float64 `json:"smoke" yaml:"smoke"`
	CO          float64 `json:"co" yaml:"co"`
}

// NodeConfig is an immutable configuration snapshot. Intervals are seconds.
type NodeConfig struct {
	SampleInterval   int        `json:"sampleInterval" yaml:"sample_interval"`
	TransmitInterval int        `json:"transmitInterval" yaml:"transmit_interval"`
	Thresholds       Thresholds `json:"thresholds" yaml:"thresholds"`
	LowPowerMode     bool       `json:"lowPowerMode" yaml:"low_power_mode"`
	AlertEnabled     bool       `json:"alertEnabled" yaml:"alert_enabled"`
}

// DefaultNodeConfig is applied to nodes that report before any config write.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		SampleInterval:   300,
		TransmitInterval: 900,
		Thresholds: Thresholds{
			Temperature: 50,
			Humidity:    30,
			Smoke:       100,
			CO:          70,
		},
		AlertEnabled: true,
	}
}

// Reading is one validated telemetry sample. Superseded, never merged.
type Reading struct {
	NodeID         string    `json:"nodeId"`
	Timestamp      time.Time `json:"timestamp"`
	Temperature    float64   `json:"temperature"`
	Humidity       float64   `json:"humidity"`
	Smoke          int       `json:"smoke"`
	CO             int       `json:"co"`
	FlameDetected  bool      `json:"flameDetected"`
	Battery        float64   `json:"battery"`
	SolarVoltage   *float64  `json:"solarVoltage,omitempty"`
	SignalStrength *int      `json:"signalStrength,omitempty"`
}

// NodeState is the current state of one node as held by the registry.
// Seq increases by one with every StatusChange emitted for the node.
type NodeState struct {
	NodeID      string     `json:"nodeId"`
	Config      NodeConfig `json:"config"`
	LastReading *Reading   `json:"lastReading,omitempty"`
	LastSeen    time.Time  `json:"lastSeen"`
	Status      Status     `json:"status"`
	RiskLevel   int        `json:"riskLevel"`
	Seq         uint64     `json:"seq"`
}

// Sources of a StatusChange
const (
	SourceReading = "reading"
	SourceSweep   = "sweep"
)

// StatusChange is emitted when a node's status or risk level changes
type StatusChange struct {
	NodeID         string
	Seq            uint64
	PreviousStatus Status
	PreviousRisk   int
	Status         Status
	RiskLevel      int
	Reading        *Reading
	Timestamp      time.Time
	Source         string
	// State is the node snapshot after the change
	State NodeState
}

// Event is the outbound normalized status event
type Event struct {
	NodeID    string    `json:"nodeId"`
	Status    Status    `json:"status"`
	RiskLevel int       `json:"riskLevel"`
	Reading   *Reading  `json:"reading"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Event converts the change to its wire form
func (c StatusChange) Event() Event {
	return Event{
		NodeID:    c.NodeID,
		Status:    c.Status,
		RiskLevel: c.RiskLevel,
		Reading:   c.Reading,
		Timestamp: c.Timestamp,
		Seq:       c.Seq,
	}
}

// Alert is published on the alert channels when a node enters or stays in alert
type Alert struct {
	Type      string    `json:"type"`
	NodeID    string    `json:"nodeId"`
	Status    Status    `json:"status"`
	RiskLevel int       `json:"riskLevel"`
	Reading   *Reading  `json:"reading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// AlertTypeFireRisk is the only alert type emitted
const AlertTypeFireRisk = "fire-risk"

// Alert converts the change to an alert payload
func (c StatusChange) Alert() Alert {
	return Alert{
		Type:      AlertTypeFireRisk,
		NodeID:    c.NodeID,
		Status:    c.Status,
		RiskLevel: c.RiskLevel,
		Reading:   c.Reading,
		Timestamp: c.Timestamp,
		Seq:       c.Seq,
	}
}

// Presence values
const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"
)

// Presence is the retained gateway liveness record
type Presence struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

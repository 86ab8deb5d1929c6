package testutil

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/amoahfrank/firewatch/telemetry"
)

// BaseTime is a fixed instant used across tests
var BaseTime = time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)

// NormalReading returns a reading under the default thresholds
func NormalReading(nodeID string, ts time.Time) telemetry.Reading {
	return telemetry.Reading{
		NodeID:      nodeID,
		Timestamp:   ts,
		Temperature: 25,
		Humidity:    55,
		Smoke:       10,
		CO:          5,
		Battery:     3.9,
	}
}

// HotReading returns a reading breaching the default temperature threshold
func HotReading(nodeID string, ts time.Time) telemetry.Reading {
	r := NormalReading(nodeID, ts)
	r.Temperature = 62
	r.Humidity = 18
	return r
}

// Payload encodes r the way node firmware does
func Payload(r telemetry.Reading) []byte {
	wire := map[string]any{
		"temperature": r.Temperature,
		"humidity":    r.Humidity,
		"smoke":       r.Smoke,
		"co":          r.CO,
		"flame":       r.FlameDetected,
		"battery":     r.Battery,
	}
	if !r.Timestamp.IsZero() {
		wire["timestamp"] = r.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if r.SolarVoltage != nil {
		wire["solar"] = *r.SolarVoltage
	}
	if r.SignalStrength != nil {
		wire["rssi"] = *r.SignalStrength
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		panic(err)
	}
	return raw
}

// Clock is a manually advanced time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts at t
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

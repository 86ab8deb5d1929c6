package telemetry

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/amoahfrank/firewatch/errors"
)

const readingSchemaJSON = `{
  "type": "object",
  "required": ["temperature", "humidity", "smoke", "co", "flame", "battery"],
  "properties": {
    "nodeId":      {"type": "string"},
    "temperature": {"type": "number", "minimum": -40, "maximum": 125},
    "humidity":    {"type": "number", "minimum": 0, "maximum": 100},
    "smoke":       {"type": "integer", "minimum": 0, "maximum": 10000},
    "co":          {"type": "integer", "minimum": 0, "maximum": 1000},
    "flame":       {"type": "boolean"},
    "battery":     {"type": "number", "minimum": 0, "maximum": 5},
    "solar":       {"type": "number", "minimum": 0, "maximum": 25},
    "rssi":        {"type": "integer", "minimum": -150, "maximum": 0},
    "timestamp":   {"type": "string"}
  }
}`

const nodeConfigSchemaJSON = `{
  "type": "object",
  "properties": {
    "sampleInterval":   {"type": "integer", "minimum": 10, "maximum": 3600},
    "transmitInterval": {"type": "integer", "minimum": 60, "maximum": 86400},
    "lowPowerMode":     {"type": "boolean"},
    "alertEnabled":     {"type": "boolean"},
    "thresholds": {
      "type": "object",
      "properties": {
        "temperature": {"type": "number", "minimum": 30, "maximum": 100},
        "humidity":    {"type": "number", "minimum": 0, "maximum": 100},
        "smoke":       {"type": "number", "minimum": 0},
        "co":          {"type": "number", "minimum": 0}
      }
    }
  }
}`

var (
	readingSchema    = mustSchema(readingSchemaJSON)
	nodeConfigSchema = mustSchema(nodeConfigSchemaJSON)

	nodeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,64}$`)
)

func mustSchema(src string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("telemetry: compile schema: %v", err))
	}
	return s
}

// wireReading is the inbound payload as sent by the node firmware
type wireReading struct {
	Temperature float64  `json:"temperature"`
	Humidity    float64  `json:"humidity"`
	Smoke       float64  `json:"smoke"`
	CO          float64  `json:"co"`
	Flame       bool     `json:"flame"`
	Battery     float64  `json:"battery"`
	Solar       *float64 `json:"solar"`
	RSSI        *float64 `json:"rssi"`
	Timestamp   string   `json:"timestamp"`
}

// ValidateNodeID rejects ids that cannot be used as a single topic level
func ValidateNodeID(nodeID string) error {
	if !nodeIDPattern.MatchString(nodeID) {
		return errors.Invalidf(errors.ErrInvalidReading, "telemetry", "ValidateNodeID",
			"node id %q must be 1-64 characters of [A-Za-z0-9_.:-]", nodeID)
	}
	return nil
}

// DefaultMaxClockSkew bounds how far ahead of receive time a node clock may run
const DefaultMaxClockSkew = 5 * time.Minute

// DecodeReading validates raw against the reading schema and builds a Reading.
// A missing timestamp takes received; an unparseable one is rejected, as is one
// more than maxSkew ahead of received. maxSkew <= 0 accepts any future timestamp.
func DecodeReading(nodeID string, raw []byte, received time.Time, maxSkew time.Duration) (Reading, error) {
	if err := ValidateNodeID(nodeID); err != nil {
		return Reading{}, err
	}
	if err := validateAgainst(readingSchema, raw, errors.ErrInvalidReading, "DecodeReading"); err != nil {
		return Reading{}, err
	}

	var w wireReading
	if err := json.Unmarshal(raw, &w); err != nil {
		return Reading{}, errors.Invalidf(errors.ErrInvalidReading, "telemetry", "DecodeReading",
			"decode payload: %v", err)
	}

	ts := received.UTC()
	if w.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return Reading{}, errors.Invalidf(errors.ErrInvalidReading, "telemetry", "DecodeReading",
				"timestamp %q is not ISO-8601", w.Timestamp)
		}
		ts = parsed.UTC()
		if maxSkew > 0 && ts.Sub(received) > maxSkew {
			return Reading{}, errors.Invalidf(errors.ErrInvalidReading, "telemetry", "DecodeReading",
				"timestamp %s is %s ahead of receive time", w.Timestamp, ts.Sub(received).Round(time.Second))
		}
	}

	r := Reading{
		NodeID:        nodeID,
		Timestamp:     ts,
		Temperature:   w.Temperature,
		Humidity:      w.Humidity,
		Smoke:         int(w.Smoke),
		CO:            int(w.CO),
		FlameDetected: w.Flame,
		Battery:       w.Battery,
		SolarVoltage:  w.Solar,
	}
	if w.RSSI != nil {
		rssi := int(*w.RSSI)
		r.SignalStrength = &rssi
	}
	return r, nil
}

// DecodeNodeConfig builds a full NodeConfig from raw. Fields absent from raw take
// their DefaultNodeConfig values; the result replaces the node's config wholesale.
func DecodeNodeConfig(raw []byte) (NodeConfig, error) {
	if err := validateAgainst(nodeConfigSchema, raw, errors.ErrInvalidConfig, "DecodeNodeConfig"); err != nil {
		return NodeConfig{}, err
	}

	cfg := DefaultNodeConfig()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return NodeConfig{}, errors.Invalidf(errors.ErrInvalidConfig, "telemetry", "DecodeNodeConfig",
			"decode payload: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func validateAgainst(schema *gojsonschema.Schema, raw []byte, sentinel error, method string) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return errors.Invalidf(sentinel, "telemetry", method, "malformed JSON: %v", err)
	}
	if result.Valid() {
		return nil
	}

	reasons := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		reasons = append(reasons, re.String())
	}
	return errors.Invalidf(sentinel, "telemetry", method, "%s", strings.Join(reasons, "; "))
}

// Validate checks the range constraints shared with the node configuration UI
func (c NodeConfig) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.Invalidf(errors.ErrInvalidConfig, "NodeConfig", "Validate", format, args...)
	}

	switch {
	case c.SampleInterval < 10 || c.SampleInterval > 3600:
		return invalid("sampleInterval %d outside 10-3600s", c.SampleInterval)
	case c.TransmitInterval < 60 || c.TransmitInterval > 86400:
		return invalid("transmitInterval %d outside 60-86400s", c.TransmitInterval)
	case c.Thresholds.Temperature < 30 || c.Thresholds.Temperature > 100:
		return invalid("temperature threshold %.1f outside 30-100", c.Thresholds.Temperature)
	case c.Thresholds.Humidity < 0 || c.Thresholds.Humidity > 100:
		return invalid("humidity threshold %.1f outside 0-100", c.Thresholds.Humidity)
	case c.Thresholds.Smoke < 0:
		return invalid("smoke threshold %.1f is negative", c.Thresholds.Smoke)
	case c.Thresholds.CO < 0:
		return invalid("co threshold %.1f is negative", c.Thresholds.CO)
	}
	return nil
}

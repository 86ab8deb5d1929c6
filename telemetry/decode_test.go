package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoahfrank/firewatch/errors"
)

var received = time.Date(2024, 8, 1, 12, 0, 0, 0, time.UTC)

func TestDecodeReading_Valid(t *testing.T) {
	raw := []byte(`{"temperature":55.2,"humidity":40,"smoke":20,"co":10,"flame":false,
		"battery":3.9,"solar":5.5,"rssi":-70,"timestamp":"2024-08-01T11:59:30Z"}`)

	r, err := DecodeReading("n1", raw, received, DefaultMaxClockSkew)
	require.NoError(t, err)

	assert.Equal(t, "n1", r.NodeID)
	assert.Equal(t, 55.2, r.Temperature)
	assert.Equal(t, 20, r.Smoke)
	assert.Equal(t, 10, r.CO)
	assert.False(t, r.FlameDetected)
	require.NotNil(t, r.SolarVoltage)
	assert.Equal(t, 5.5, *r.SolarVoltage)
	require.NotNil(t, r.SignalStrength)
	assert.Equal(t, -70, *r.SignalStrength)
	assert.Equal(t, time.Date(2024, 8, 1, 11, 59, 30, 0, time.UTC), r.Timestamp)
}

func TestDecodeReading_MissingTimestampUsesReceiveTime(t *testing.T) {
	raw := []byte(`{"temperature":20,"humidity":50,"smoke":0,"co":0,"flame":false,"battery":4}`)

	r, err := DecodeReading("n1", raw, received, DefaultMaxClockSkew)
	require.NoError(t, err)
	assert.Equal(t, received, r.Timestamp)
	assert.Nil(t, r.SolarVoltage)
}

func TestDecodeReading_ClockSkew(t *testing.T) {
	payload := func(ts time.Time) []byte {
		return []byte(`{"temperature":20,"humidity":50,"smoke":0,"co":0,"flame":false,"battery":4,"timestamp":"` +
			ts.Format(time.RFC3339) + `"}`)
	}

	r, err := DecodeReading("n1", payload(received.Add(DefaultMaxClockSkew)), received, DefaultMaxClockSkew)
	require.NoError(t, err, "a clock exactly at the limit is accepted")
	assert.Equal(t, received.Add(DefaultMaxClockSkew), r.Timestamp)

	_, err = DecodeReading("n1", payload(received.Add(DefaultMaxClockSkew+time.Second)), received, DefaultMaxClockSkew)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidReading)
	assert.Contains(t, err.Error(), "ahead of receive time")

	_, err = DecodeReading("n1", payload(received.AddDate(1, 0, 0)), received, 0)
	assert.NoError(t, err, "zero skew disables the check")

	_, err = DecodeReading("n1", payload(received.AddDate(-1, 0, 0)), received, DefaultMaxClockSkew)
	assert.NoError(t, err, "old timestamps are left to the registry")
}

func TestDecodeReading_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		nodeID string
		raw    string
	}{
		{"malformed json", "n1", `{"temperature":`},
		{"missing field", "n1", `{"temperature":20,"humidity":50,"smoke":0,"co":0,"flame":false}`},
		{"temperature too high", "n1", `{"temperature":126,"humidity":50,"smoke":0,"co":0,"flame":false,"battery":4}`},
		{"humidity negative", "n1", `{"temperature":20,"humidity":-1,"smoke":0,"co":0,"flame":false,"battery":4}`},
		{"smoke not integer", "n1", `{"temperature":20,"humidity":50,"smoke":1.5,"co":0,"flame":false,"battery":4}`},
		{"co out of range", "n1", `{"temperature":20,"humidity":50,"smoke":0,"co":1001,"flame":false,"battery":4}`},
		{"battery out of range", "n1", `{"temperature":20,"humidity":50,"smoke":0,"co":0,"flame":false,"battery":5.1}`},
		{"solar out of range", "n1", `{"temperature":20,"humidity":50,"smoke":0,"co":0,"flame":false,"battery":4,"solar":30}`},
		{"flame wrong type", "n1", `{"temperature":20,"humidity":50,"smoke":0,"co":0,"flame":"yes","battery":4}`},
		{"bad timestamp", "n1", `{"temperature":20,"humidity":50,"smoke":0,"co":0,"flame":false,"battery":4,"timestamp":"yesterday"}`},
		{"timestamp a year ahead", "n1", `{"temperature":20,"humidity":50,"smoke":0,"co":0,"flame":false,"battery":4,"timestamp":"2025-08-01T12:00:00Z"}`},
		{"not an object", "n1", `[1,2,3]`},
		{"wildcard node id", "n+", `{"temperature":20,"humidity":50,"smoke":0,"co":0,"flame":false,"battery":4}`},
		{"empty node id", "", `{"temperature":20,"humidity":50,"smoke":0,"co":0,"flame":false,"battery":4}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeReading(tt.nodeID, []byte(tt.raw), received, DefaultMaxClockSkew)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidReading)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestDecodeNodeConfig(t *testing.T) {
	cfg, err := DecodeNodeConfig([]byte(`{"sampleInterval":60,"thresholds":{"temperature":45}}`))
	require.NoError(t, err)

	assert.Equal(t, 60, cfg.SampleInterval)
	assert.Equal(t, 900, cfg.TransmitInterval, "absent fields take defaults")
	assert.Equal(t, 45.0, cfg.Thresholds.Temperature)
	assert.Equal(t, 30.0, cfg.Thresholds.Humidity)
	assert.True(t, cfg.AlertEnabled)
}

func TestDecodeNodeConfig_Invalid(t *testing.T) {
	for _, raw := range []string{
		`{"sampleInterval":5}`,
		`{"transmitInterval":100000}`,
		`{"thresholds":{"temperature":20}}`,
		`{"thresholds":{"smoke":-1}}`,
		`not json`,
	} {
		_, err := DecodeNodeConfig([]byte(raw))
		assert.ErrorIs(t, err, errors.ErrInvalidConfig, raw)
	}
}

func TestNodeConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultNodeConfig().Validate())

	cfg := DefaultNodeConfig()
	cfg.Thresholds.Humidity = 101
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "humidity threshold")
}

func TestTopics(t *testing.T) {
	topics := NewTopics("")
	assert.Equal(t, "forest-fire/nodes/+/data", topics.TelemetryPattern())
	assert.Equal(t, "forest-fire/gateway/status", topics.Presence())
	assert.Equal(t, "forest-fire/alerts/dashboard", topics.Dashboard())
	assert.Equal(t, "forest-fire/nodes/n1/config", topics.Config("n1"))
	assert.Equal(t, "forest-fire/events/n1", topics.Event("n1"))
	assert.Equal(t, "forest-fire/nodes/n1/commands", topics.Command("n1"))
	assert.False(t, MatchTopic(topics.TelemetryPattern(), topics.Command("n1")))

	id, kind, ok := topics.ParseNodeTopic("forest-fire/nodes/n7/data")
	require.True(t, ok)
	assert.Equal(t, "n7", id)
	assert.Equal(t, "data", kind)

	_, _, ok = topics.ParseNodeTopic("forest-fire/alerts/n7")
	assert.False(t, ok)
	_, _, ok = topics.ParseNodeTopic("forest-fire/nodes/n7/data/extra")
	assert.False(t, ok)
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern, topic string
		want           bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
		{"a/+", "a/b/c", false},
		{"a/#", "a/b/c", true},
		{"a/#", "a", true},
		{"#", "x/y", true},
		{"a/b", "a", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchTopic(tt.pattern, tt.topic), "%s vs %s", tt.pattern, tt.topic)
	}
}

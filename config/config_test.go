package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoahfrank/firewatch/errors"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "forest-fire/gateway/status", cfg.Subscription.PresenceTopic)
	assert.Equal(t, 300, cfg.NodeDefaults.SampleInterval)
	assert.Equal(t, 10*time.Minute, cfg.Classifier.WarningAfter)
}

func TestLoader_LoadJSON(t *testing.T) {
	path := writeFile(t, "firewatch.json", `{
		"topic_root": "park-7",
		"mqtt": {"broker_url": "tcp://broker:1883", "keep_alive": "45s"},
		"subscription": {"reconnect": {"max_attempts": 5, "max_delay": "1m"}},
		"classifier": {"warning_after": "5m", "offline_after": "20m"},
		"persistence": {"nats": {"enabled": true, "store": {"max_age": "14d"}}},
		"node_defaults": {"alertEnabled": false}
	}`)

	cfg, err := NewLoader().WithEnv(noEnv).LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "park-7", cfg.TopicRoot)
	assert.Equal(t, "park-7/gateway/status", cfg.Subscription.PresenceTopic)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.BrokerURL)
	assert.Equal(t, 45*time.Second, cfg.MQTT.KeepAlive)
	assert.Equal(t, 5, cfg.Subscription.Reconnect.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Subscription.Reconnect.MaxDelay)
	assert.Equal(t, 5*time.Minute, cfg.Classifier.WarningAfter)
	assert.Equal(t, 14*24*time.Hour, cfg.Persistence.NATS.Store.MaxAge)
	assert.True(t, cfg.Persistence.NATS.Enabled)
	assert.False(t, cfg.NodeDefaults.AlertEnabled)

	// untouched keys keep their defaults
	assert.Equal(t, "firewatch", cfg.MQTT.ClientIDPrefix)
	assert.Equal(t, Default().Classifier.Risk, cfg.Classifier.Risk)
	assert.Equal(t, 900, cfg.NodeDefaults.TransmitInterval)
}

func TestLoader_LoadYAML(t *testing.T) {
	path := writeFile(t, "firewatch.yaml", strings.Join([]string{
		"mqtt:",
		"  broker_url: ssl://broker:8883",
		"  username: gateway",
		"sweep:",
		"  interval: 30s",
		"kafka:",
		"  enabled: true",
		"  sink:",
		"    brokers: ['kafka-1:9092', 'kafka-2:9092']",
		"    batch_timeout: 100ms",
		"",
	}, "\n"))

	cfg, err := NewLoader().WithEnv(noEnv).LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "ssl://broker:8883", cfg.MQTT.BrokerURL)
	assert.Equal(t, "gateway", cfg.MQTT.Username)
	assert.Equal(t, 30*time.Second, cfg.Sweep.Interval)
	assert.True(t, cfg.Kafka.Enabled)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Sink.Brokers)
	assert.Equal(t, 100*time.Millisecond, cfg.Kafka.Sink.BatchTimeout)
	assert.Equal(t, "firewatch.alerts", cfg.Kafka.Sink.Topic)
	require.NoError(t, cfg.Validate())
}

func TestLoader_LayersOverrideInOrder(t *testing.T) {
	base := writeFile(t, "base.json", `{"http": {"addr": ":8080"}, "sweep": {"interval": "2m"}}`)
	prod := writeFile(t, "prod.yaml", "http:\n  addr: \":9090\"\n")

	l := NewLoader().WithEnv(noEnv)
	l.AddLayer(base)
	l.AddLayer(prod)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 2*time.Minute, cfg.Sweep.Interval)
}

func TestLoader_EnvOverrides(t *testing.T) {
	l := NewLoader().WithEnv(envMap(map[string]string{
		"FIREWATCH_MQTT_BROKER_URL": "tcp://env-broker:1883",
		"FIREWATCH_SWEEP_INTERVAL":  "15s",
		"FIREWATCH_NATS_ENABLED":    "true",
		"FIREWATCH_NATS_URLS":       "nats://a:4222,nats://b:4222",
		"FIREWATCH_TOPIC_ROOT":      "reserve",
	}))
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "tcp://env-broker:1883", cfg.MQTT.BrokerURL)
	assert.Equal(t, 15*time.Second, cfg.Sweep.Interval)
	assert.True(t, cfg.Persistence.NATS.Enabled)
	assert.Equal(t, "nats://a:4222,nats://b:4222", cfg.Persistence.NATS.URL())
	assert.Equal(t, "reserve/gateway/status", cfg.Subscription.PresenceTopic)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name   string
		file   string
		body   string
		env    map[string]string
		errMsg string
	}{
		{name: "bad duration", file: "c.json", body: `{"sweep": {"interval": "soon"}}`, errMsg: "invalid duration"},
		{name: "unsupported extension", file: "c.toml", body: `x = 1`, errMsg: "unsupported config file extension"},
		{name: "malformed json", file: "c.json", body: `{"mqtt": {`, errMsg: "unclosed brackets"},
		{name: "bad env bool", file: "c.json", body: `{}`, env: map[string]string{"FIREWATCH_KAFKA_ENABLED": "maybe"}, errMsg: "FIREWATCH_KAFKA_ENABLED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.file, tt.body)
			_, err := NewLoader().WithEnv(envMap(tt.env)).LoadFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	_, err := NewLoader().WithEnv(noEnv).LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "wildcard topic root", mutate: func(c *Config) { c.TopicRoot = "forest/+" }},
		{name: "missing broker", mutate: func(c *Config) { c.MQTT.BrokerURL = "" }},
		{name: "warning after offline", mutate: func(c *Config) { c.Classifier.WarningAfter = time.Hour }},
		{name: "sweep slower than warning", mutate: func(c *Config) { c.Sweep.Interval = 11 * time.Minute }},
		{name: "qos out of range", mutate: func(c *Config) { c.Ingest.QoS = 3 }},
		{name: "sqlite without path", mutate: func(c *Config) { c.Persistence.SQLite.Path = "" }},
		{name: "kafka without brokers", mutate: func(c *Config) { c.Kafka.Enabled = true }},
		{name: "config watch without nats", mutate: func(c *Config) { c.Persistence.NATS.WatchConfigs = true }},
		{name: "invalid node defaults", mutate: func(c *Config) { c.NodeDefaults.SampleInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err), "expected invalid error, got %v", err)
		})
	}
}

func TestLoader_ValidationEnabled(t *testing.T) {
	path := writeFile(t, "c.json", `{"mqtt": {"broker_url": ""}}`)
	l := NewLoader().WithEnv(noEnv)
	l.EnableValidation(true)
	_, err := l.LoadFile(path)
	assert.Error(t, err)
}

func TestConfig_StringMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.MQTT.Password = "hunter2"
	cfg.Persistence.NATS.Token = "s3cret"

	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, "***")
	assert.Equal(t, "hunter2", cfg.MQTT.Password)
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": "{[not brackets]}"}`)))
	assert.Error(t, validateJSONDepth([]byte(strings.Repeat("[", maxJSONDepth+1)+strings.Repeat("]", maxJSONDepth+1))))
	assert.Error(t, validateJSONDepth([]byte(`{]}`)))
}

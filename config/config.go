package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/amoahfrank/firewatch/classifier"
	"github.com/amoahfrank/firewatch/errors"
	gwhttp "github.com/amoahfrank/firewatch/gateway/http"
	"github.com/amoahfrank/firewatch/gateway/websocket"
	"github.com/amoahfrank/firewatch/ingest"
	"github.com/amoahfrank/firewatch/output/kafka"
	"github.com/amoahfrank/firewatch/store"
	"github.com/amoahfrank/firewatch/store/natskv"
	"github.com/amoahfrank/firewatch/subscription"
	"github.com/amoahfrank/firewatch/telemetry"
	"github.com/amoahfrank/firewatch/transport/mqtt"
)

// DefaultTopicRoot prefixes every topic
const DefaultTopicRoot = "forest-fire"

// Config is the complete gateway configuration
type Config struct {
	TopicRoot    string               `json:"topic_root" yaml:"topic_root"`
	MQTT         mqtt.Config          `json:"mqtt" yaml:"mqtt"`
	Subscription subscription.Config  `json:"subscription" yaml:"subscription"`
	Classifier   classifier.Config    `json:"classifier" yaml:"classifier"`
	NodeDefaults telemetry.NodeConfig `json:"node_defaults" yaml:"node_defaults"`
	Sweep        SweepConfig          `json:"sweep" yaml:"sweep"`
	Ingest       ingest.Config        `json:"ingest" yaml:"ingest"`
	Fanout       FanoutConfig         `json:"fanout" yaml:"fanout"`
	Persistence  PersistenceConfig    `json:"persistence" yaml:"persistence"`
	Kafka        KafkaConfig          `json:"kafka" yaml:"kafka"`
	HTTP         gwhttp.Config        `json:"http" yaml:"http"`
	WebSocket    websocket.Config     `json:"websocket" yaml:"websocket"`
}

// SweepConfig schedules the staleness sweep
type SweepConfig struct {
	Interval time.Duration `json:"interval" yaml:"interval"`
}

// FanoutConfig sizes observer buffers
type FanoutConfig struct {
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`
}

// PersistenceConfig selects and tunes the storage backends. Every enabled
// backend receives every write.
type PersistenceConfig struct {
	Writer store.WriterConfig `json:"writer" yaml:"writer"`
	SQLite SQLiteConfig       `json:"sqlite" yaml:"sqlite"`
	NATS   NATSConfig         `json:"nats" yaml:"nats"`
}

// SQLiteConfig enables the local store
type SQLiteConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// NATSConfig enables the JetStream store
type NATSConfig struct {
	Enabled       bool          `json:"enabled" yaml:"enabled"`
	URLs          []string      `json:"urls" yaml:"urls"`
	Username      string        `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string        `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string        `json:"token,omitempty" yaml:"token,omitempty"`
	MaxReconnects int           `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait time.Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	Store         natskv.Config `json:"store" yaml:"store"`
	// WatchConfigs applies node configs written to the config bucket
	WatchConfigs bool   `json:"watch_configs" yaml:"watch_configs"`
	ConfigBucket string `json:"config_bucket" yaml:"config_bucket"`
}

// URL joins URLs the way the NATS client expects
func (c NATSConfig) URL() string {
	return strings.Join(c.URLs, ",")
}

// KafkaConfig enables the secondary alert channel
type KafkaConfig struct {
	Enabled bool         `json:"enabled" yaml:"enabled"`
	Sink    kafka.Config `json:"sink" yaml:"sink"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	sub := subscription.DefaultConfig()
	sub.PresenceTopic = telemetry.NewTopics(DefaultTopicRoot).Presence()

	return &Config{
		TopicRoot:    DefaultTopicRoot,
		MQTT:         mqtt.DefaultConfig(),
		Subscription: sub,
		Classifier:   classifier.DefaultConfig(),
		NodeDefaults: telemetry.DefaultNodeConfig(),
		Sweep:        SweepConfig{Interval: time.Minute},
		Ingest:       ingest.DefaultConfig(),
		Fanout:       FanoutConfig{BufferSize: 64},
		Persistence: PersistenceConfig{
			Writer: store.DefaultWriterConfig(),
			SQLite: SQLiteConfig{Enabled: true, Path: "firewatch.db"},
			NATS: NATSConfig{
				URLs:          []string{"nats://localhost:4222"},
				MaxReconnects: -1,
				ReconnectWait: 2 * time.Second,
				Store:         natskv.DefaultConfig(),
				ConfigBucket:  natskv.DefaultConfigBucket,
			},
		},
		Kafka:     KafkaConfig{Sink: kafka.DefaultConfig()},
		HTTP:      gwhttp.DefaultConfig(),
		WebSocket: websocket.DefaultConfig(),
	}
}

// Topics returns the topic layout under TopicRoot
func (c *Config) Topics() telemetry.Topics {
	return telemetry.NewTopics(c.TopicRoot)
}

// Validate checks every section and the constraints between them
func (c *Config) Validate() error {
	if c.TopicRoot == "" || strings.ContainsAny(c.TopicRoot, "+#") {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate",
			"topic_root must be non-empty and free of wildcards")
	}

	checks := []struct {
		section string
		check   func() error
	}{
		{"mqtt", c.MQTT.Validate},
		{"subscription.reconnect", c.Subscription.Reconnect.Validate},
		{"classifier", c.Classifier.Validate},
		{"node_defaults", c.NodeDefaults.Validate},
		{"http", c.HTTP.Validate},
		{"websocket", c.WebSocket.Validate},
	}
	if c.Persistence.NATS.Enabled {
		checks = append(checks, struct {
			section string
			check   func() error
		}{"persistence.nats.store", c.Persistence.NATS.Store.Validate})
	}
	if c.Kafka.Enabled {
		checks = append(checks, struct {
			section string
			check   func() error
		}{"kafka.sink", c.Kafka.Sink.Validate})
	}
	for _, s := range checks {
		if err := s.check(); err != nil {
			return fmt.Errorf("%s: %w", s.section, err)
		}
	}

	if c.Sweep.Interval <= 0 {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate", "sweep.interval must be positive")
	}
	if c.Sweep.Interval > c.Classifier.WarningAfter {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate",
			"sweep.interval %s exceeds classifier.warning_after %s", c.Sweep.Interval, c.Classifier.WarningAfter)
	}
	if c.Ingest.MaxClockSkew < 0 {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate", "ingest.max_clock_skew must not be negative")
	}
	if c.Ingest.QoS > 2 || c.Subscription.SubscribeQoS > 2 || c.Subscription.PresenceQoS > 2 {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate", "qos must be 0, 1 or 2")
	}
	if c.Persistence.Writer.Workers < 1 || c.Persistence.Writer.QueueSize < 1 {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate",
			"persistence.writer workers and queue_size must be positive")
	}
	if c.Persistence.SQLite.Enabled && c.Persistence.SQLite.Path == "" {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate", "persistence.sqlite.path is required")
	}
	if c.Persistence.NATS.Enabled && len(c.Persistence.NATS.URLs) == 0 {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate", "persistence.nats.urls is required")
	}
	if c.Persistence.NATS.WatchConfigs && !c.Persistence.NATS.Enabled {
		return errors.Invalidf(errors.ErrInvalidConfig, "Config", "Validate",
			"persistence.nats.watch_configs requires persistence.nats.enabled")
	}
	return nil
}

// Clone returns a deep copy
func (c *Config) Clone() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String renders the configuration with credentials masked
func (c *Config) String() string {
	masked := c.Clone()
	for _, secret := range []*string{
		&masked.MQTT.Password,
		&masked.Persistence.NATS.Password,
		&masked.Persistence.NATS.Token,
	} {
		if *secret != "" {
			*secret = "***"
		}
	}
	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{topic_root: %s}", c.TopicRoot)
	}
	return string(data)
}

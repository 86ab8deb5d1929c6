package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix prefixes environment overrides, e.g. FIREWATCH_MQTT_BROKER_URL
const DefaultEnvPrefix = "FIREWATCH"

var durationType = reflect.TypeOf(time.Duration(0))

// Loader builds a Config from defaults, file layers and environment overrides.
// Later layers override earlier ones key by key.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a loader reading the process environment
func NewLoader() *Loader {
	return &Loader{
		envPrefix: DefaultEnvPrefix,
		lookupEnv: os.LookupEnv,
	}
}

// AddLayer adds a JSON or YAML file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation makes Load run Config.Validate
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// WithEnv replaces the environment lookup
func (l *Loader) WithEnv(lookup func(string) (string, bool)) *Loader {
	l.lookupEnv = lookup
	return l
}

// LoadFile loads a single file layer over the defaults
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges all layers and applies environment overrides
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		cfg, err = l.mergeFromMap(cfg, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw reads a layer as a generic map with duration strings converted
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}
	format, err := formatOf(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch format {
	case FormatJSON:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}

	if err := parseDurations(raw, reflect.TypeOf(Config{})); err != nil {
		return nil, err
	}
	return raw, nil
}

// parseDurations walks data alongside the struct type t and converts duration
// strings ("30s", "7d") at time.Duration fields to nanoseconds.
func parseDurations(data map[string]any, t reflect.Type) error {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := jsonName(field)
		if key == "" {
			continue
		}
		v, ok := data[key]
		if !ok {
			continue
		}

		switch {
		case field.Type == durationType:
			s, ok := v.(string)
			if !ok {
				continue
			}
			d, err := parseDurationWithDays(s)
			if err != nil {
				return fmt.Errorf("%s: invalid duration %q: %w", key, s, err)
			}
			data[key] = d.Nanoseconds()
		case field.Type.Kind() == reflect.Struct:
			if nested, ok := v.(map[string]any); ok {
				if err := parseDurations(nested, field.Type); err != nil {
					return fmt.Errorf("%s.%w", key, err)
				}
			}
		}
	}
	return nil
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return ""
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return f.Name
	}
	return name
}

// parseDurationWithDays parses durations that may be given in days (e.g. "7d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// mergeFromMap overrides only the keys present in override
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies FIREWATCH_* variables, the deployment-time knobs
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) error {
		return l.env(name, func(v string) error {
			*dst = v
			return nil
		})
	}
	dur := func(name string, dst *time.Duration) error {
		return l.env(name, func(v string) error {
			d, err := parseDurationWithDays(v)
			if err != nil {
				return err
			}
			*dst = d
			return nil
		})
	}
	boolean := func(name string, dst *bool) error {
		return l.env(name, func(v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return err
			}
			*dst = b
			return nil
		})
	}
	list := func(name string, dst *[]string) error {
		return l.env(name, func(v string) error {
			*dst = strings.Split(v, ",")
			return nil
		})
	}

	overrides := []error{
		str("TOPIC_ROOT", &cfg.TopicRoot),
		str("MQTT_BROKER_URL", &cfg.MQTT.BrokerURL),
		str("MQTT_USERNAME", &cfg.MQTT.Username),
		str("MQTT_PASSWORD", &cfg.MQTT.Password),
		str("MQTT_CLIENT_ID_PREFIX", &cfg.MQTT.ClientIDPrefix),
		dur("SWEEP_INTERVAL", &cfg.Sweep.Interval),
		dur("WARNING_AFTER", &cfg.Classifier.WarningAfter),
		dur("OFFLINE_AFTER", &cfg.Classifier.OfflineAfter),
		str("HTTP_ADDR", &cfg.HTTP.Addr),
		boolean("SQLITE_ENABLED", &cfg.Persistence.SQLite.Enabled),
		str("SQLITE_PATH", &cfg.Persistence.SQLite.Path),
		boolean("NATS_ENABLED", &cfg.Persistence.NATS.Enabled),
		list("NATS_URLS", &cfg.Persistence.NATS.URLs),
		str("NATS_USERNAME", &cfg.Persistence.NATS.Username),
		str("NATS_PASSWORD", &cfg.Persistence.NATS.Password),
		str("NATS_TOKEN", &cfg.Persistence.NATS.Token),
		boolean("KAFKA_ENABLED", &cfg.Kafka.Enabled),
		list("KAFKA_BROKERS", &cfg.Kafka.Sink.Brokers),
		str("KAFKA_TOPIC", &cfg.Kafka.Sink.Topic),
	}
	for _, err := range overrides {
		if err != nil {
			return err
		}
	}

	if cfg.Subscription.PresenceTopic == Default().Subscription.PresenceTopic {
		cfg.Subscription.PresenceTopic = cfg.Topics().Presence()
	}
	return nil
}

func (l *Loader) env(name string, apply func(string) error) error {
	key := l.envPrefix + "_" + name
	v, ok := l.lookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	if err := validateEnvVar(key, v); err != nil {
		return err
	}
	if err := apply(v); err != nil {
		return fmt.Errorf("environment variable %s: %w", key, err)
	}
	return nil
}

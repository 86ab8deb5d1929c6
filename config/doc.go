// Package config loads the gateway configuration.
//
// Configuration is built in layers: built-in defaults, then each file added
// with AddLayer (JSON or YAML, chosen by extension), then FIREWATCH_*
// environment variables. A layer only overrides the keys it sets. Keys use the
// JSON field names of the component configs in both formats, and durations may
// be written as Go duration strings or whole days ("7d").
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/firewatch/firewatch.yaml")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
package config

package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	AccessLog       bool
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

// configPaths collects repeated -config flags as layers
type configPaths []string

func (p *configPaths) String() string {
	return fmt.Sprint([]string(*p))
}

func (p *configPaths) Set(v string) error {
	*p = append(*p, v)
	return nil
}

func parseFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}

	var paths configPaths
	fs.Var(&paths, "config", "Configuration file, JSON or YAML; repeat to layer (env: FIREWATCH_CONFIG)")
	fs.Var(&paths, "c", "Configuration file (shorthand for -config)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("FIREWATCH_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: FIREWATCH_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("FIREWATCH_LOG_FORMAT", "json"),
		"Log format: json, text (env: FIREWATCH_LOG_FORMAT)")

	fs.BoolVar(&cfg.AccessLog, "access-log",
		getEnvBool("FIREWATCH_ACCESS_LOG", false),
		"Write HTTP access logs to stdout (env: FIREWATCH_ACCESS_LOG)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("FIREWATCH_DEBUG", false),
		"Enable debug mode (env: FIREWATCH_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("FIREWATCH_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: FIREWATCH_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		printDetailedHelp(fs)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.ConfigPaths = paths
	if len(cfg.ConfigPaths) == 0 {
		if path := os.Getenv("FIREWATCH_CONFIG"); path != "" {
			cfg.ConfigPaths = []string{path}
		}
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	for _, path := range cfg.ConfigPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("config file not found: %s", path)
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	out := fs.Output()
	_, _ = fmt.Fprintf(out, `%s - forest fire sensor network gateway

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(out, `
Examples:
  # Run with built-in defaults (local broker, SQLite in ./firewatch.db)
  %[1]s

  # Layer a site config over a base config
  %[1]s -config=base.yaml -config=site.yaml

  # Override deployment knobs from the environment
  export FIREWATCH_MQTT_BROKER_URL=ssl://broker.example:8883
  export FIREWATCH_NATS_ENABLED=true
  %[1]s

  # Validate configuration only
  %[1]s -config=site.yaml -validate

Version: %[2]s
Build: %[3]s
`, os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

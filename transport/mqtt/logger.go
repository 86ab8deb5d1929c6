package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// slogAdapter satisfies paho.Logger by forwarding to slog at a fixed level
type slogAdapter struct {
	logger *slog.Logger
	level  slog.Level
}

func (a slogAdapter) Println(v ...interface{}) {
	a.logger.Log(context.Background(), a.level, strings.TrimSpace(fmt.Sprintln(v...)))
}

func (a slogAdapter) Printf(format string, v ...interface{}) {
	a.logger.Log(context.Background(), a.level, strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// InstallLogger routes paho's package-level loggers into logger.
// Paho debug output stays disabled.
func InstallLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "paho")
	paho.CRITICAL = slogAdapter{logger: logger, level: slog.LevelError}
	paho.ERROR = slogAdapter{logger: logger, level: slog.LevelError}
	paho.WARN = slogAdapter{logger: logger, level: slog.LevelWarn}
}

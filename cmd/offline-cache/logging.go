package main

import (
	"io"
	"os"

	"github.com/always-cache/offline-cache/config"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger logs to stdout, and also to a rotated file if one is configured.
// The returned closer is nil when there is no log file.
func newLogger(cfg config.LoggingConfig, trace bool) (zerolog.Logger, io.Closer) {
	logLevel, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		logLevel = zerolog.DebugLevel
	}
	if trace {
		logLevel = zerolog.TraceLevel
	}

	logOutputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	var closer io.Closer
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			LocalTime:  true,
		}
		logOutputs = append(logOutputs, rotator)
		closer = rotator
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	return zerolog.New(multiWriter).Level(logLevel).
		With().Timestamp().Str("build", buildVersion).Logger(), closer
}

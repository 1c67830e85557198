package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// InitLogger builds the application logger from the logging config. File
// output rotates via lumberjack; empty file means stderr.
func InitLogger(cfg LoggingConfig) (*log.Logger, error) {
	var writer io.Writer = os.Stderr
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, err
		}
		writer = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize, // megabytes
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge, // days
			Compress:   cfg.Compress,
		}
	}

	logger := log.NewWithOptions(writer, log.Options{
		ReportTimestamp: true,
		Level:           parseLevel(cfg.Level),
	})
	if strings.EqualFold(cfg.Format, "json") {
		logger.SetFormatter(log.JSONFormatter)
	}

	log.SetDefault(logger)
	return logger, nil
}

func parseLevel(s string) log.Level {
	switch strings.ToLower(s) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

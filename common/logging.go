// Package common provides the shared logging infrastructure for the LODE
// extraction toolkit. Log output is routed by severity: error-level lines go
// to stderr, everything else to stdout, so shell pipelines and container
// log collectors can treat the two streams differently.
//
// The package exposes a global Logger that all components share. Commands
// reconfigure its level and format once at startup via NewLogger-style
// settings; long-lived components receive the logger (or an entry derived
// from it) through their constructors.
package common

import (
	"bytes"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stderr or stdout depending
// on their level marker. It inspects the rendered output for the literal
// "level=error" produced by the logrus text and JSON formatters, so it works
// regardless of which formatter is configured.
type OutputSplitter struct{}

// Write implements io.Writer. Lines containing "level=error" are written to
// os.Stderr, all other lines to os.Stdout.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance shared by all LODE components.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// LoggerConfig controls level and output format of a logger.
type LoggerConfig struct {
	Level  string // debug, info, warn, error
	Format string // "text" or "json"
}

// ConfigureLogger applies a LoggerConfig to an existing logger. Unknown
// levels fall back to info.
func ConfigureLogger(logger *logrus.Logger, config LoggerConfig) {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if config.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}
	logger.SetOutput(&OutputSplitter{})
}

// NewLogger creates a configured logger instance with split output routing.
func NewLogger(config LoggerConfig) *logrus.Logger {
	logger := logrus.New()
	ConfigureLogger(logger, config)
	return logger
}

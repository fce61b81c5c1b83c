package common

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// TestOutputSplitter_WriteReturnsLength tests Write returns correct length
func TestOutputSplitter_WriteReturnsLength(t *testing.T) {
	splitter := &OutputSplitter{}

	tests := []struct {
		name    string
		message []byte
	}{
		{
			name:    "ErrorLevel",
			message: []byte(`time="2026-01-15T10:30:00Z" level=error msg="sink unavailable"`),
		},
		{
			name:    "InfoLevel",
			message: []byte(`time="2026-01-15T10:30:00Z" level=info msg="plan started"`),
		},
		{
			name:    "ErrorWordButInfoLevel",
			message: []byte(`level=info msg="error counter incremented"`),
		},
		{
			name:    "EmptyMessage",
			message: []byte(``),
		},
		{
			name:    "WithNewlines",
			message: []byte("line 1\nline 2\n"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := splitter.Write(tt.message)
			assert.NoError(t, err)
			assert.Equal(t, len(tt.message), n)
		})
	}
}

// TestLogger_Initialization tests that the global Logger is wired to the splitter
func TestLogger_Initialization(t *testing.T) {
	assert.NotNil(t, Logger)
	_, ok := Logger.Out.(*OutputSplitter)
	assert.True(t, ok, "Logger should use OutputSplitter")
}

// TestConfigureLogger_Levels tests level parsing with fallback
func TestConfigureLogger_Levels(t *testing.T) {
	tests := []struct {
		name  string
		level string
		want  logrus.Level
	}{
		{name: "Debug", level: "debug", want: logrus.DebugLevel},
		{name: "Info", level: "info", want: logrus.InfoLevel},
		{name: "Warn", level: "warn", want: logrus.WarnLevel},
		{name: "Error", level: "error", want: logrus.ErrorLevel},
		{name: "UnknownFallsBackToInfo", level: "noisy", want: logrus.InfoLevel},
		{name: "EmptyFallsBackToInfo", level: "", want: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(LoggerConfig{Level: tt.level, Format: "text"})
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

// TestConfigureLogger_Formats tests formatter selection
func TestConfigureLogger_Formats(t *testing.T) {
	jsonLogger := NewLogger(LoggerConfig{Level: "info", Format: "json"})
	_, isJSON := jsonLogger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON, "json format should select JSONFormatter")

	textLogger := NewLogger(LoggerConfig{Level: "info", Format: "text"})
	_, isText := textLogger.Formatter.(*logrus.TextFormatter)
	assert.True(t, isText, "text format should select TextFormatter")
}

package logger

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var redactEnabled atomic.Bool

// Setup initializes the global logger with log buffer capture
func Setup(level, format string, redact bool) {
	logLevel := parseLevel(level)
	zerolog.SetGlobalLevel(logLevel)
	redactEnabled.Store(redact)

	var baseOutput io.Writer = os.Stdout
	if strings.ToLower(format) == "console" {
		baseOutput = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	// Wrap output to capture logs to buffer
	output := NewLogBufferWriter(baseOutput)

	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

// parseLevel converts string level to zerolog.Level
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// Get returns a logger with the given component name
func Get(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Redact replaces user-supplied content in log fields when redaction is
// enabled. Field names, namespaces and error codes are never redacted, only
// values that may contain document contents.
func Redact(value string) string {
	if redactEnabled.Load() {
		return "###"
	}
	return value
}

package logger

import (
	"os"

	"github.com/rs/zerolog"
)

var Logger zerolog.Logger

// Init initializes the global logger from LOG_LEVEL / LOG_FORMAT.
func Init() {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	base := zerolog.New(os.Stdout).With().
		Timestamp().
		Str("service", "profile-service").
		Logger().
		Level(logLevel)

	if os.Getenv("LOG_FORMAT") == "console" {
		base = base.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	Logger = base
}

// WithComponent returns a logger tagged with a component name.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}

// WithCorrelationID tags a logger with the correlation id of the inbound event.
func WithCorrelationID(correlationID string) zerolog.Logger {
	if correlationID == "" {
		return Logger
	}
	return Logger.With().Str("correlation_id", correlationID).Logger()
}

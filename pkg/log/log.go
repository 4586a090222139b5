// Package log provides the structured logging used across opscore.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// Scoped wraps a child logger with the package's single-string-argument
// convenience methods, so call sites never touch zerolog's Event/Msg chain
// directly.
type Scoped struct {
	zerolog.Logger
}

func (s Scoped) Info(msg string)  { s.Logger.Info().Msg(msg) }
func (s Scoped) Debug(msg string) { s.Logger.Debug().Msg(msg) }
func (s Scoped) Warn(msg string)  { s.Logger.Warn().Msg(msg) }
func (s Scoped) Error(msg string) { s.Logger.Error().Msg(msg) }

// WithComponent creates a child logger scoped to a component (e.g. "orphan-detector").
func WithComponent(component string) Scoped {
	return Scoped{Logger.With().Str("component", component).Logger()}
}

// WithOperationID creates a child logger scoped to an operation.
func WithOperationID(operationID string) Scoped {
	return Scoped{Logger.With().Str("operation_id", operationID).Logger()}
}

// WithWorkerID creates a child logger scoped to a worker.
func WithWorkerID(workerID string) Scoped {
	return Scoped{Logger.With().Str("worker_id", workerID).Logger()}
}

// WithService creates a child logger scoped to a downstream host service name.
func WithService(serviceName string) Scoped {
	return Scoped{Logger.With().Str("service", serviceName).Logger()}
}

func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}

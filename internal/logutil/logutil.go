// Package logutil configures the process-wide zerolog logger and exposes
// leveled helpers used across fleetmon.
package logutil

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the configured root logger. Packages normally use the
// leveled helpers below instead of touching it directly.
var Logger zerolog.Logger

func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}
	Logger = zerolog.New(output).
		Level(zerolog.InfoLevel).
		With().
		Timestamp().
		Logger()
	log.Logger = Logger
}

// SetLevel adjusts the global log level from a textual name
// ("debug", "info", "warn", "error"). Unknown names keep info.
func SetLevel(name string) {
	level := zerolog.InfoLevel
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	Logger = Logger.Level(level)
	log.Logger = Logger
}

// Debug starts a debug-level event.
func Debug() *zerolog.Event { return Logger.Debug() }

// Info starts an info-level event.
func Info() *zerolog.Event { return Logger.Info() }

// Warn starts a warn-level event.
func Warn() *zerolog.Event { return Logger.Warn() }

// Error starts an error-level event.
func Error() *zerolog.Event { return Logger.Error() }

// Fatal starts a fatal-level event; the Msg call exits the process.
func Fatal() *zerolog.Event { return Logger.Fatal() }

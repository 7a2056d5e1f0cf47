// Package logger provides the structured logging setup for the stream-event
// integration core.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance, configured by Initialize.
var Log zerolog.Logger

// Initialize sets up the global logger. level is any zerolog level name
// ("debug", "info", "warn", ...); pretty switches to a human-readable
// console writer for local development.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().Str("service", "landale-eventcore").Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// GetLogger returns the global logger instance.
func GetLogger() *zerolog.Logger {
	return &Log
}

// component returns a child logger scoped to a named subsystem.
func component(name string) *zerolog.Logger {
	l := Log.With().Str("component", name).Logger()
	return &l
}

// OBS returns the logger for the OBS WebSocket v5 subsystem.
func OBS() *zerolog.Logger { return component("obs") }

// Twitch returns the logger for the Twitch EventSub subsystem.
func Twitch() *zerolog.Logger { return component("twitch") }

// Transport returns the logger for the generic WebSocket transport wrapper.
func Transport() *zerolog.Logger { return component("transport") }

// Bus returns the logger for the in-process publish/subscribe bus.
func Bus() *zerolog.Logger { return component("bus") }

// Correlation returns the logger for the temporal correlation engine.
func Correlation() *zerolog.Logger { return component("correlation") }

// Activity returns the logger for the activity-log handoff sink.
func Activity() *zerolog.Logger { return component("activity") }

// Package rlog provides the process-wide structured logger used by the
// storage engine. It mirrors the tracing::info!/warn! call sites of the
// original implementation using zerolog instead.
package rlog

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	once   sync.Once
	logger zerolog.Logger
)

// Logger returns the process-wide logger, initializing it on first use
// with a human-readable console writer in dev and a plain JSON encoder
// otherwise (selected via RSQL_LOG_FORMAT=json).
func Logger() *zerolog.Logger {
	once.Do(func() {
		level := zerolog.InfoLevel
		if lv, err := zerolog.ParseLevel(os.Getenv("RSQL_LOG_LEVEL")); err == nil && lv != zerolog.NoLevel {
			level = lv
		}
		var w zerolog.ConsoleWriter
		if os.Getenv("RSQL_LOG_FORMAT") == "json" {
			logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
			return
		}
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
	})
	return &logger
}

// Named returns a child logger with a "component" field set, used so log
// lines from the WAL, StorageManager, TnxManager and Table can be told
// apart.
func Named(component string) zerolog.Logger {
	return Logger().With().Str("component", component).Logger()
}

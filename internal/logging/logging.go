// Package logging wires the structured logger shared by the journal,
// partition, and TTL sweeper, using zerolog the way a storage-adjacent
// service logs its open/close/rollback/eviction diagnostics.
package logging

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	once   sync.Once
	logger zerolog.Logger
)

// Logger returns the process-wide engine logger, initialized lazily with a
// console writer at info level (overridable via NFSDB_LOG_LEVEL).
func Logger() zerolog.Logger {
	once.Do(func() {
		level := zerolog.InfoLevel
		if s := os.Getenv("NFSDB_LOG_LEVEL"); s != "" {
			if lvl, err := zerolog.ParseLevel(s); err == nil {
				level = lvl
			}
		}
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
			Level(level).
			With().Timestamp().Logger()
	})
	return logger
}

// For returns a child logger tagged with a component name, e.g.
// logging.For("partition") or logging.For("tx").
func For(component string) zerolog.Logger {
	return Logger().With().Str("component", component).Logger()
}

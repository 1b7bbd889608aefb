// Package logging provides component-scoped structured logging for mailcore.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu      sync.RWMutex
	base    = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	enabled = true
)

// SetWriter redirects all future component loggers to w, encoded as JSON.
// Hosts embedding mailcore call this once at startup to route logs into
// their own sink.
func SetWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	base = zerolog.New(w).With().Timestamp().Logger()
}

// SetLevel sets the minimum level logged by every component logger.
func SetLevel(level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	base = base.Level(level)
}

// Disable silences all component loggers. Useful for tests that exercise
// failure paths and don't want error-level noise in test output.
func Disable() {
	mu.Lock()
	defer mu.Unlock()
	enabled = false
}

// WithComponent returns a logger tagged with the given component name,
// e.g. "syncengine", "store", "searchindex".
func WithComponent(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if !enabled {
		return zerolog.Nop()
	}
	return base.With().Str("component", name).Logger()
}

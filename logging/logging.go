// File: logging/logging.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Asynchronous structured logging for the runtime. Fibers must never
// block on a log call, so the default sink is a diode ring writer that
// drops records under overload instead of stalling the producer.

package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

var (
	mu   sync.RWMutex
	root zerolog.Logger
)

func init() {
	w := diode.NewWriter(os.Stderr, 4096, 10*time.Millisecond, func(missed int) {})
	root = zerolog.New(w).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With().Str("component", name).Logger()
}

// SetOutput replaces the root sink. Intended for tests and embedders; the
// writer is wrapped in a diode so producers stay non-blocking.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	root = zerolog.New(diode.NewWriter(w, 4096, 10*time.Millisecond, func(missed int) {})).
		With().Timestamp().Logger()
}

// SetLevel adjusts the global severity threshold.
func SetLevel(level string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
}

// ParseLevel converts a string log level to a zerolog level. Unrecognized
// values map to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

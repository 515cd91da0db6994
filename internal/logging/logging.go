// File: internal/logging/logging.go
// Author: momentics <momentics@gmail.com>
//
// Process-wide zerolog construction. Every runtime component obtains a
// sub-logger through Component so log lines carry a stable component field.

package logging

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	root = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

// Component returns a sub-logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With().Str("component", name).Logger()
}

// SetLevel adjusts the global log level. Unknown levels are ignored.
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return
	}
	mu.Lock()
	root = root.Level(lvl)
	mu.Unlock()
}

// SetOutput redirects the root logger, mainly for tests.
func SetOutput(w *os.File) {
	mu.Lock()
	root = zerolog.New(w).With().Timestamp().Logger().Level(root.GetLevel())
	mu.Unlock()
}

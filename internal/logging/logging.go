// internal/logging/logging.go
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. Level names follow zerolog; unknown names
// fall back to info. When console is true the output is human-readable,
// otherwise JSON lines.
func New(level string, console bool) zerolog.Logger {
	// The level is applied globally so config hot-reload can adjust it for
	// every component logger at once.
	zerolog.SetGlobalLevel(ParseLevel(level))

	var w io.Writer = os.Stderr
	if console {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).With().Timestamp().Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
// Hot-reload uses this to apply log_level changes.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

package server

import (
	"io"

	"github.com/rs/zerolog"
)

// NewLogger builds the JSON logger used when no WithLogger option is given. Debug
// enables verbose connection and broadcast diagnostics.
func NewLogger(w io.Writer, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(w).With().Str("service", "wss").Timestamp().Logger().Level(level)
}

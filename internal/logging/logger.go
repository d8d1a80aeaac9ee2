package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init initializes the global logger from environment variables.
// SKYGUARD_LOG_LEVEL controls the level: debug, info, warn, error (default: info).
// SKYGUARD_LOG_FORMAT=json switches from the console writer to raw JSON lines.
func Init() {
	InitWithWriter(os.Stderr, os.Getenv("SKYGUARD_LOG_LEVEL"), os.Getenv("SKYGUARD_LOG_FORMAT"))
}

// InitWithWriter is Init with an explicit sink, level and format.
func InitWithWriter(w io.Writer, level, format string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs

	if strings.EqualFold(format, "json") {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w})
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

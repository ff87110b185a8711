package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init initializes the global logger with configuration from environment variables.
//
//	DETECT_LOG_LEVEL   debug, info, warn, error (default: info)
//	DETECT_LOG_FORMAT  console or json (default: json under Lambda, console elsewhere)
func Init() {
	InitWith(os.Getenv("DETECT_LOG_LEVEL"), os.Getenv("DETECT_LOG_FORMAT"), os.Stderr)
}

// InitWith configures the global logger explicitly. CLI flags use it to
// override the environment.
func InitWith(level, format string, out io.Writer) {
	zerolog.SetGlobalLevel(ParseLevel(level))

	if format == "" {
		format = "console"
		if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
			format = "json"
		}
	}
	if strings.EqualFold(format, "json") {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

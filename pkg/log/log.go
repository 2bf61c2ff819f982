package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// EnvVerbose enables debug logging to stderr when set to any non-empty
// value, regardless of the configured level. Meant for field debugging
// of a daemon started by something other than the operator.
const EnvVerbose = "HARDSHARE_LOG"

// Logger is the process-wide root logger. Before Init it writes
// human-readable lines to stderr at the default level, so early startup
// failures are never swallowed.
var Logger = console(os.Stderr)

// Level names accepted in Config and on the --log-level flag.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init configures the root logger. HARDSHARE_LOG wins over the
// configured level and output.
func Init(cfg Config) {
	level, output := resolve(cfg)
	zerolog.SetGlobalLevel(level)

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = console(output)
	}
}

// resolve picks the effective level and writer from the config and the
// environment.
func resolve(cfg Config) (zerolog.Level, io.Writer) {
	level, err := zerolog.ParseLevel(strings.ToLower(string(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if os.Getenv(EnvVerbose) != "" {
		return zerolog.DebugLevel, os.Stderr
	}
	return level, output
}

// console builds a human-readable logger on the given writer.
func console(w io.Writer) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the component name.
// Packages call this once at construction; per-WD and per-instance
// fields are chained on by the owner.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

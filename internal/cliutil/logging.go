package cliutil

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. format "console" selects the human
// readable writer; anything else writes JSON lines.
func NewLogger(level, format string, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}
	return zerolog.New(out).
		Level(parseLevel(level)).
		With().
		Timestamp().
		Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Printf adapts logger to the Printf-style Logger taken by library
// packages. zerolog's own Printf logs at debug, which would hide library
// warnings at the default level.
func Printf(logger zerolog.Logger, level zerolog.Level) *PrintfLogger {
	return &PrintfLogger{logger: logger, level: level}
}

type PrintfLogger struct {
	logger zerolog.Logger
	level  zerolog.Level
}

func (p *PrintfLogger) Printf(format string, args ...any) {
	p.logger.WithLevel(p.level).Msgf(format, args...)
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// Package logging provides the leveled structured logger shared across the
// observability core, keyed by the host-configurable `logging.level`
// setting (off/error/warn/info/debug/trace).
//
// Grounded on github.com/rs/zerolog for structured logging
// (intelligencedev-manifold's services all log through zerolog.Logger);
// a stdlib log.Logger would be the outlier among these services, not the
// default, so this package follows zerolog instead.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Level mirrors the host's `logging.level` configuration key.
type Level string

const (
	LevelOff   Level = "off"
	LevelError Level = "error"
	LevelWarn  Level = "warn"
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
	LevelTrace Level = "trace"
)

func (l Level) zerologLevel() zerolog.Level {
	switch l {
	case LevelOff:
		return zerolog.Disabled
	case LevelError:
		return zerolog.ErrorLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelTrace:
		return zerolog.TraceLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger wraps a zerolog.Logger scoped to one named component.
type Logger struct {
	z zerolog.Logger
}

// New creates a Logger writing to w at the given level, tagged with
// component.
func New(w io.Writer, level Level, component string) *Logger {
	if w == nil {
		w = os.Stderr
	}
	z := zerolog.New(w).With().Timestamp().Str("component", component).Logger().Level(level.zerologLevel())
	return &Logger{z: z}
}

// SetLevel reconfigures the logger's minimum level, for use by
// config.OnChange when the host updates `logging.level` at runtime.
func (l *Logger) SetLevel(level Level) {
	l.z = l.z.Level(level.zerologLevel())
}

func (l *Logger) Debug(msg string, fields map[string]any) { l.event(l.z.Debug(), msg, fields) }
func (l *Logger) Info(msg string, fields map[string]any)  { l.event(l.z.Info(), msg, fields) }
func (l *Logger) Warn(msg string, fields map[string]any)  { l.event(l.z.Warn(), msg, fields) }
func (l *Logger) Error(msg string, err error, fields map[string]any) {
	ev := l.z.Error()
	if err != nil {
		ev = ev.Err(err)
	}
	l.event(ev, msg, fields)
}

func (l *Logger) event(ev *zerolog.Event, msg string, fields map[string]any) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// ParseLevel parses a host-supplied logging.level string, defaulting to
// LevelInfo for anything unrecognized.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelOff, LevelError, LevelWarn, LevelInfo, LevelDebug, LevelTrace:
		return Level(strings.ToLower(strings.TrimSpace(s)))
	default:
		return LevelInfo
	}
}

// Package logging builds the slog loggers used across pvio.
//
// Every component logs through a child logger carrying a "component"
// attribute. A Spec string such as "warn,evtchn=debug,ring=trace"
// sets a base level and per-component overrides; the filtering
// handler consults it on every record.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Level is a log level. It extends slog's levels with LevelTrace for
// per-operation detail on the transport hot paths.
type Level slog.Level

const (
	LevelTrace = Level(slog.LevelDebug - 4)
	LevelDebug = Level(slog.LevelDebug)
	LevelInfo  = Level(slog.LevelInfo)
	LevelWarn  = Level(slog.LevelWarn)
	LevelError = Level(slog.LevelError)
)

var levelNames = map[string]Level{
	"trace":   LevelTrace,
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

// ParseLevel parses a level name, ignoring case and surrounding
// space.
func ParseLevel(s string) (Level, error) {
	if l, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Slog returns the equivalent slog.Level.
func (l Level) Slog() slog.Level { return slog.Level(l) }

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Trace logs at LevelTrace.
func Trace(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelTrace.Slog(), msg, args...)
}

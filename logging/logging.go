// Package logging implements the endpoint's leveled console logger,
// generalized from the ansi-colored warning/debug logging scattered
// through the teacher's encoder package (spec.md ambient concern: every
// component logs through this, never through the bare standard log
// package).
package logging

import (
	"fmt"
	"log"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/mgutz/ansi"
)

// Level orders the logger's verbosity, lowest first.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a config string ("debug"/"info"/"warn"/"error") to a
// Level, defaulting to LevelInfo for anything unrecognized.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a leveled, ansi-colored console logger.
type Logger struct {
	level  Level
	name   string
	std    *log.Logger
}

// New returns a Logger tagged with name, writing to stderr.
func New(name string, level Level) *Logger {
	return &Logger{
		level: level,
		name:  name,
		std:   log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (l *Logger) logf(level Level, color, tag, format string, args ...interface{}) {
	if level < l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	l.std.Printf("%s[%s] %s %s%s", color, l.name, tag, msg, ansi.Reset)
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.logf(LevelDebug, ansi.Black, "DEBUG", format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.logf(LevelInfo, ansi.Green, "INFO ", format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.logf(LevelWarn, ansi.Yellow, "WARN ", format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.logf(LevelError, ansi.Red, "ERROR", format, args...)
}

// Dump writes a spew.Sdump of v at debug level, for the malformed-packet
// and transaction-state inspection spec.md §7 calls for.
func (l *Logger) Dump(tag string, v interface{}) {
	if l.level > LevelDebug {
		return
	}
	l.std.Printf("%s[%s] DUMP %s\n%s%s", ansi.Cyan, l.name, tag, spew.Sdump(v), ansi.Reset)
}

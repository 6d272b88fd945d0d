// Package logging is a thin wrapper around the standard library's log
// package: level-prefixed, human-readable lines to stderr, no structured
// fields, no external logging dependency.
package logging

import (
	"fmt"
	"log"
	"os"
)

// Logger prefixes every line with a component name and a severity tag.
type Logger struct {
	name string
	std  *log.Logger
}

// New returns a Logger tagged with name (typically a package or
// subsystem, e.g. "buffer" or "outstream.tcp").
func New(name string) *Logger {
	return &Logger{
		name: name,
		std:  log.New(os.Stderr, "", log.LstdFlags),
	}
}

func (l *Logger) Debugf(format string, args ...any) { l.printf("DEBUG", format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.printf("INFO", format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.printf("WARN", format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.printf("ERROR", format, args...) }

func (l *Logger) printf(level, format string, args ...any) {
	l.std.Printf("%s [%s] %s", level, l.name, fmt.Sprintf(format, args...))
}

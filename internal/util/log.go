// Package util provides logging, call statistics and small helpers shared
// by the call core and the binaries.
package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm's default logger.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Logger prefixes every line with a tag evaluated at log time, so the
// prefix follows state that changes over the logger's lifetime.
type Logger struct {
	tag func() string
}

// NewLogger returns a Logger whose lines start with tag().
func NewLogger(tag func() string) Logger {
	return Logger{tag: tag}
}

func (l Logger) Debug(format string, args ...interface{}) {
	LogDebug("%s %s", l.tag(), fmt.Sprintf(format, args...))
}

func (l Logger) Info(format string, args ...interface{}) {
	LogInfo("%s %s", l.tag(), fmt.Sprintf(format, args...))
}

func (l Logger) Success(format string, args ...interface{}) {
	LogSuccess("%s %s", l.tag(), fmt.Sprintf(format, args...))
}

func (l Logger) Warning(format string, args ...interface{}) {
	LogWarning("%s %s", l.tag(), fmt.Sprintf(format, args...))
}

func (l Logger) Error(format string, args ...interface{}) {
	LogError("%s %s", l.tag(), fmt.Sprintf(format, args...))
}

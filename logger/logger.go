// Package logger provides the process-wide leveled logger used for
// filesystem diagnostics and the flogctl tool.
//
// The core filesystem logs only at recovery and corruption points; normal
// operation is silent. The default level is "warn" so library users see
// nothing unless something needs attention.
package logger

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// log is the shared logrus instance.
var log = newLogger()

// Formatter renders entries as "[LEVEL] message" with no timestamp; the
// consumers here are a CLI and test logs, where timestamps are noise.
type Formatter struct{}

// Format implements logrus.Formatter.
func (f *Formatter) Format(entry *logrus.Entry) ([]byte, error) {
	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}

	return []byte(fmt.Sprintf("[%s] %s\n", level, entry.Message)), nil
}

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&Formatter{})
	l.SetLevel(logrus.WarnLevel)

	return l
}

// SetLevel sets the log level from a string. Unknown strings fall back to
// "warn".
func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.WarnLevel)
	}
}

// Debugf logs a formatted debug message.
func Debugf(format string, args ...any) { log.Debugf(format, args...) }

// Infof logs a formatted info message.
func Infof(format string, args ...any) { log.Infof(format, args...) }

// Warnf logs a formatted warning.
func Warnf(format string, args ...any) { log.Warnf(format, args...) }

// Errorf logs a formatted error.
func Errorf(format string, args ...any) { log.Errorf(format, args...) }

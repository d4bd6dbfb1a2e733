// Package logging provides a centralized logging system for FaceGate.
// It wraps logrus so every engine component logs through one configured logger.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Logger is the application-wide logger instance.
var Logger *logrus.Logger

// Fields is an alias for logrus.Fields for convenience.
type Fields = logrus.Fields

// Entry is an alias for logrus.Entry so callers can hold component loggers
// without importing logrus themselves.
type Entry = logrus.Entry

func init() {
	Logger = logrus.New()
	Logger.SetFormatter(textFormatter())
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
}

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	}
}

// Init initializes the logger with the specified level and optional log file.
// An unknown level falls back to info.
func Init(level string, logFile string) error {
	Logger.SetLevel(parseLevel(level))

	if logFile == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return err
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	// Write to both file and stderr
	Logger.SetOutput(io.MultiWriter(os.Stderr, file))
	return nil
}

// SetFormat switches between the "text" and "json" formatters.
// The kiosk fleet ships JSON logs; text is the interactive default.
func SetFormat(format string) {
	switch format {
	case "json":
		Logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	default:
		Logger.SetFormatter(textFormatter())
	}
}

// SetLevel sets the logging level. Unknown levels are ignored.
func SetLevel(level string) {
	switch level {
	case "debug", "info", "warn", "error":
		Logger.SetLevel(parseLevel(level))
	}
}

func parseLevel(level string) logrus.Level {
	switch level {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Debug logs a debug message.
func Debug(args ...interface{}) {
	Logger.Debug(args...)
}

// Debugf logs a formatted debug message.
func Debugf(format string, args ...interface{}) {
	Logger.Debugf(format, args...)
}

// Info logs an info message.
func Info(args ...interface{}) {
	Logger.Info(args...)
}

// Infof logs a formatted info message.
func Infof(format string, args ...interface{}) {
	Logger.Infof(format, args...)
}

// Warn logs a warning message.
func Warn(args ...interface{}) {
	Logger.Warn(args...)
}

// Warnf logs a formatted warning message.
func Warnf(format string, args ...interface{}) {
	Logger.Warnf(format, args...)
}

// Error logs an error message.
func Error(args ...interface{}) {
	Logger.Error(args...)
}

// Errorf logs a formatted error message.
func Errorf(format string, args ...interface{}) {
	Logger.Errorf(format, args...)
}

// WithFields returns an entry with fields attached.
func WithFields(fields Fields) *Entry {
	return Logger.WithFields(fields)
}

// WithField returns an entry with a single field attached.
func WithField(key string, value interface{}) *Entry {
	return Logger.WithField(key, value)
}

// WithError returns an entry with an error attached.
func WithError(err error) *Entry {
	return Logger.WithError(err)
}

// Component returns the entry an engine package logs through, tagged with
// its name, e.g. component=verify.
func Component(name string) *Entry {
	return Logger.WithField("component", name)
}

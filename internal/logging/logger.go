// Package logging provides structured logging for habitsync.
// It wraps logrus with a small API so call sites pass context maps
// instead of touching the underlying logger directly.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents a log level.
type LogLevel string

const (
	LevelDebug LogLevel = "DEBUG"
	LevelInfo  LogLevel = "INFO"
	LevelWarn  LogLevel = "WARN"
	LevelError LogLevel = "ERROR"
)

// Logger provides structured JSON logging.
type Logger struct {
	l *logrus.Logger
}

var (
	// global logger instance
	global *Logger
	once   sync.Once
)

// Init initializes the global logger.
func Init(out io.Writer, minLevel LogLevel) {
	once.Do(func() {
		l := logrus.New()
		l.SetOutput(out)
		l.SetFormatter(&logrus.JSONFormatter{})
		l.SetLevel(toLogrusLevel(minLevel))
		global = &Logger{l: l}
	})
}

// Get returns the global logger instance.
func Get() *Logger {
	if global == nil {
		Init(os.Stdout, LevelInfo)
	}
	return global
}

func toLogrusLevel(level LogLevel) logrus.Level {
	switch level {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

func (l *Logger) fields(context ...map[string]interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for _, ctx := range context {
		for k, v := range ctx {
			fields[k] = v
		}
	}
	return fields
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.l.WithFields(l.fields(context...)).Debug(message)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.l.WithFields(l.fields(context...)).Info(message)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.l.WithFields(l.fields(context...)).Warn(message)
}

// Error logs an error message with an optional underlying error.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	fields := l.fields(context...)
	if err != nil {
		fields["error"] = err.Error()
	}
	l.l.WithFields(fields).Error(message)
}

// ErrorWithCode logs an error message tagged with an application error code.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	fields := l.fields(context...)
	fields["code"] = code
	if err != nil {
		fields["error"] = err.Error()
	}
	l.l.WithFields(fields).Error(message)
}

// Package-level convenience functions using the global logger.

// Debug logs a debug message using the global logger.
func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

// Info logs an info message using the global logger.
func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

// Warn logs a warning message using the global logger.
func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

// Error logs an error message using the global logger.
func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

// ErrorWithCode logs an error with an application error code using the global logger.
func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}

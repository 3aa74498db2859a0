// Package logging provides simple level logging for blockqueue, layered
// on top of github.com/grailbio/base/log's Outputter abstraction so the
// sink (stderr, a test buffer, a host application's own logger) can be
// swapped without touching call sites.
package logging

import (
	"fmt"
	"sync"

	baselog "github.com/grailbio/base/log"
)

// Logger wraps a grailbio base/log Outputter with level support.
type Logger struct {
	out   baselog.Outputter
	level LogLevel
	mu    sync.Mutex
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) toBase() baselog.Level {
	switch l {
	case LevelDebug:
		return baselog.Debug
	case LevelInfo:
		return baselog.Info
	case LevelWarn, LevelError:
		return baselog.Error
	default:
		return baselog.Info
	}
}

// Config holds logging configuration.
type Config struct {
	Level     LogLevel
	Outputter baselog.Outputter
}

// DefaultConfig returns a sensible default configuration, using the
// package-level default Outputter (stderr via Go's log package).
func DefaultConfig() *Config {
	return &Config{
		Level:     LevelInfo,
		Outputter: baselog.GetOutputter(),
	}
}

// NewLogger creates a new logger.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	out := config.Outputter
	if out == nil {
		out = baselog.GetOutputter()
	}
	return &Logger{out: out, level: config.Level}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

func (l *Logger) log(level LogLevel, prefix, msg string) {
	if level < l.level {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Output(3, level.toBase(), fmt.Sprintf("%s %s", prefix, msg))
}

func (l *Logger) Debugf(format string, args ...any) {
	l.log(LevelDebug, "[DEBUG]", fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...any) {
	l.log(LevelInfo, "[INFO]", fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...any) {
	l.log(LevelWarn, "[WARN]", fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...any) {
	l.log(LevelError, "[ERROR]", fmt.Sprintf(format, args...))
}

// Global convenience functions, forwarding to the default logger.

func Debugf(format string, args ...any) { Default().Debugf(format, args...) }
func Infof(format string, args ...any)  { Default().Infof(format, args...) }
func Warnf(format string, args ...any)  { Default().Warnf(format, args...) }
func Errorf(format string, args ...any) { Default().Errorf(format, args...) }

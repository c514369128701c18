// Package logging wraps github.com/rs/zerolog behind a small
// Debug/Info/Warn/Error (+ printf variants) surface with
// pool/handler/task context helpers.
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the available log levels.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Format selects the wire format of the underlying writer.
type Format int

const (
	FormatJSON Format = iota
	FormatConsole
)

// Config holds logging configuration.
type Config struct {
	Level   LogLevel
	Format  Format
	Output  io.Writer
	NoColor bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: FormatConsole,
		Output: os.Stderr,
	}
}

// Logger wraps a zerolog.Logger with the pool's context-key helpers.
type Logger struct {
	zl zerolog.Logger
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// NewLogger creates a new logger from config, defaulting unset fields.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	if config.Format == FormatConsole {
		output = zerolog.ConsoleWriter{Out: output, NoColor: config.NoColor, TimeFormat: time.RFC3339}
	}
	zl := zerolog.New(output).Level(config.Level.zerolog()).With().Timestamp().Logger()
	return &Logger{zl: zl}
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

// WithPool returns a logger annotated with the Pool's instance id.
func (l *Logger) WithPool(poolID string) *Logger {
	return &Logger{zl: l.zl.With().Str("pool_id", poolID).Logger()}
}

// WithHandler returns a logger annotated with a worker handler id.
func (l *Logger) WithHandler(handlerID string) *Logger {
	return &Logger{zl: l.zl.With().Str("handler_id", handlerID).Logger()}
}

// WithTask returns a logger annotated with a task id and its method
// name.
func (l *Logger) WithTask(taskID uint64, method string) *Logger {
	return &Logger{zl: l.zl.With().Uint64("task_id", taskID).Str("method", method).Logger()}
}

// WithError returns a logger with err attached as a structured field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{zl: l.zl.With().Err(err).Logger()}
}

func (l *Logger) event(level LogLevel, msg string, args []any) {
	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = l.zl.Debug()
	case LevelWarn:
		ev = l.zl.Warn()
	case LevelError:
		ev = l.zl.Error()
	default:
		ev = l.zl.Info()
	}
	for i := 0; i+1 < len(args); i += 2 {
		key, _ := args[i].(string)
		if key == "" {
			continue
		}
		ev = ev.Interface(key, args[i+1])
	}
	ev.Msg(msg)
}

func (l *Logger) Debug(msg string, args ...any) { l.event(LevelDebug, msg, args) }
func (l *Logger) Info(msg string, args ...any)  { l.event(LevelInfo, msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { l.event(LevelWarn, msg, args) }
func (l *Logger) Error(msg string, args ...any) { l.event(LevelError, msg, args) }

// Printf-style logging, kept for call sites that build their own
// message strings instead of passing key/value pairs.
func (l *Logger) Debugf(format string, args ...any) { l.zl.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.zl.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.zl.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.zl.Error().Msgf(format, args...) }

// Global convenience functions.
func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }

package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "default config", config: nil},
		{name: "json format", config: &Config{Level: LevelInfo, Format: FormatJSON, Output: &bytes.Buffer{}}},
		{name: "console format", config: &Config{Level: LevelDebug, Format: FormatConsole, Output: &bytes.Buffer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerWithContext(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{Level: LevelDebug, Format: FormatJSON, Output: &buf}

	logger := NewLogger(config)

	poolLogger := logger.WithPool("p1")
	poolLogger.Info("test message")

	output := buf.String()
	if !strings.Contains(output, `"pool_id":"p1"`) {
		t.Errorf("expected pool_id in output, got: %s", output)
	}

	buf.Reset()
	handlerLogger := poolLogger.WithHandler("h1")
	handlerLogger.Info("handler message")

	output = buf.String()
	if !strings.Contains(output, `"pool_id":"p1"`) {
		t.Errorf("expected pool_id in handler logger output, got: %s", output)
	}
	if !strings.Contains(output, `"handler_id":"h1"`) {
		t.Errorf("expected handler_id in output, got: %s", output)
	}
}

func TestLoggerWithTask(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{Level: LevelDebug, Format: FormatJSON, Output: &buf}

	logger := NewLogger(config)
	taskLogger := logger.WithTask(123, "compute.sum")
	taskLogger.Debug("processing task")

	output := buf.String()
	if !strings.Contains(output, `"task_id":123`) {
		t.Errorf("expected task_id in output, got: %s", output)
	}
	if !strings.Contains(output, `"method":"compute.sum"`) {
		t.Errorf("expected method in output, got: %s", output)
	}
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{Level: LevelDebug, Format: FormatJSON, Output: &buf}

	logger := NewLogger(config)
	testErr := errors.New("test error")
	errorLogger := logger.WithError(testErr)
	errorLogger.Error("operation failed")

	output := buf.String()
	if !strings.Contains(output, "test error") {
		t.Errorf("expected 'test error' in output, got: %s", output)
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	config := &Config{Level: LevelDebug, Format: FormatJSON, Output: &buf}

	SetDefault(NewLogger(config))

	Debug("debug message", "key", "value")
	output := buf.String()
	if !strings.Contains(output, "debug message") {
		t.Errorf("expected debug message, got: %s", output)
	}
	if !strings.Contains(output, `"key":"value"`) {
		t.Errorf("expected key field, got: %s", output)
	}

	buf.Reset()
	Info("info message")
	output = buf.String()
	if !strings.Contains(output, "info message") {
		t.Errorf("expected info message, got: %s", output)
	}

	buf.Reset()
	Warn("warning message")
	output = buf.String()
	if !strings.Contains(output, "warning message") {
		t.Errorf("expected warning message, got: %s", output)
	}

	buf.Reset()
	Error("error message")
	output = buf.String()
	if !strings.Contains(output, "error message") {
		t.Errorf("expected error message, got: %s", output)
	}
}

package logging

import (
	"errors"
	"testing"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("info", "json")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	if logger == nil {
		t.Fatal("Expected Logger, got nil")
	}
	if logger.Logger == nil {
		t.Error("Expected zap.Logger to be initialized")
	}
}

func TestNewLoggerInvalidLevel(t *testing.T) {
	_, err := NewLogger("invalid", "json")
	if err == nil {
		t.Error("Expected error for invalid log level")
	}
}

func TestNewLoggerConsoleFormat(t *testing.T) {
	logger, err := NewLogger("debug", "console")
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	if logger == nil {
		t.Fatal("Expected Logger, got nil")
	}
}

func TestWithDocumentID(t *testing.T) {
	logger, _ := NewLogger("info", "json")
	docLogger := logger.WithDocumentID("doc:test-123")

	if docLogger == nil {
		t.Error("Expected logger with document ID, got nil")
	}
}

func TestWithClientID(t *testing.T) {
	logger, _ := NewLogger("info", "json")
	clientLogger := logger.WithClientID("client-456")

	if clientLogger == nil {
		t.Error("Expected logger with client ID, got nil")
	}
}

func TestWithError(t *testing.T) {
	logger, _ := NewLogger("info", "json")
	testErr := errors.New("test error")
	errorLogger := logger.WithError(testErr)

	if errorLogger == nil {
		t.Error("Expected logger with error, got nil")
	}
}

package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sablefin/confirmd/internal/config"
	"github.com/sablefin/confirmd/model"
)

// newTestLogger creates a logger that writes JSON to a buffer for assertion.
func newTestLogger(buf *bytes.Buffer) *zap.Logger {
	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		MessageKey:     "msg",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	})
	core := zapcore.NewCore(enc, zapcore.AddSync(buf), zapcore.DebugLevel)
	return zap.New(core)
}

func TestNewLogger_levels(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
	}{
		{"info", false},
		{"debug", true},
		{"bogus", false},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := NewLogger(config.ObservabilityConfig{LogLevel: tt.level})
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			defer logger.Sync()

			if !logger.Core().Enabled(zapcore.InfoLevel) {
				t.Error("info level should always be enabled")
			}
			if got := logger.Core().Enabled(zapcore.DebugLevel); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
		})
	}
}

func TestWithLogger_and_LoggerFrom(t *testing.T) {
	logger := zap.NewNop()
	ctx := WithLogger(context.Background(), logger)

	got := LoggerFrom(ctx, nil)
	if got != logger {
		t.Error("LoggerFrom should return the stored logger")
	}
}

func TestLoggerFrom_fallback(t *testing.T) {
	fallback := zap.NewNop()
	got := LoggerFrom(context.Background(), fallback)
	if got != fallback {
		t.Error("LoggerFrom should return the fallback when no logger is stored")
	}
}

func TestRequestLogger_enrichesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	ctx := WithLogger(context.Background(), logger)
	ctx = model.WithRequestContext(ctx, &model.RequestContext{
		SubjectID:     "ops-user",
		CorrelationID: "corr-42",
		TraceID:       "trace-abc",
	})

	RequestLogger(ctx, nil).Info("test message")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if entry["subject_id"] != "ops-user" {
		t.Errorf("subject_id = %v, want ops-user", entry["subject_id"])
	}
	if entry["correlation_id"] != "corr-42" {
		t.Errorf("correlation_id = %v, want corr-42", entry["correlation_id"])
	}
	if entry["trace_id"] != "trace-abc" {
		t.Errorf("trace_id = %v, want trace-abc", entry["trace_id"])
	}
}

func TestRequestLogger_noRequestContext(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	ctx := WithLogger(context.Background(), logger)

	RequestLogger(ctx, nil).Info("plain")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if _, ok := entry["subject_id"]; ok {
		t.Error("subject_id should not be present without a request context")
	}
}

func TestRedactBody(t *testing.T) {
	body := map[string]any{
		"document_id": "doc-1",
		"token":       "super-secret",
		"nested": map[string]any{
			"iban":   "DE89370400440532013000",
			"amount": 125.5,
		},
		"custom_field": "hide-me",
	}

	got := RedactBody(body, []string{"custom_field"})

	if got["document_id"] != "doc-1" {
		t.Errorf("document_id = %v, want doc-1", got["document_id"])
	}
	if got["token"] != "[REDACTED]" {
		t.Errorf("token = %v, want [REDACTED]", got["token"])
	}
	if got["custom_field"] != "[REDACTED]" {
		t.Errorf("custom_field = %v, want [REDACTED]", got["custom_field"])
	}
	nested := got["nested"].(map[string]any)
	if nested["iban"] != "[REDACTED]" {
		t.Errorf("nested iban = %v, want [REDACTED]", nested["iban"])
	}
	if nested["amount"] != 125.5 {
		t.Errorf("nested amount = %v, want 125.5", nested["amount"])
	}

	// The original body must be untouched.
	if body["token"] != "super-secret" {
		t.Error("RedactBody must not mutate its input")
	}
}

func TestRedactBody_nil(t *testing.T) {
	if got := RedactBody(nil, nil); got != nil {
		t.Errorf("RedactBody(nil) = %v, want nil", got)
	}
}

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNew_DefaultLevel(t *testing.T) {
	logger := New("", "text")
	if logger == nil {
		t.Fatal("Expected non-nil logger")
	}
	if !logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be enabled by default")
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"WARN":    slog.LevelWarn,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestAlert_TagsRecord(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")

	Alert(context.Background(), logger, "billing mutation failed", "event_id", "evt_1")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if rec["alert"] != true {
		t.Errorf("expected alert=true, got %v", rec["alert"])
	}
	if rec["level"] != "ERROR" {
		t.Errorf("expected ERROR level, got %v", rec["level"])
	}
	if rec["event_id"] != "evt_1" {
		t.Errorf("expected event_id attribute, got %v", rec["event_id"])
	}
}

func TestOrDefault(t *testing.T) {
	if OrDefault(nil) != slog.Default() {
		t.Error("expected slog.Default for nil logger")
	}
	custom := New("info", "text")
	if OrDefault(custom) != custom {
		t.Error("expected the provided logger back")
	}
}

func TestWithLogger_And_FromContext(t *testing.T) {
	ctx := context.Background()

	if FromContext(ctx) == nil {
		t.Fatal("Expected default logger")
	}

	custom := New("debug", "json")
	ctx = WithLogger(ctx, custom)

	if FromContext(ctx) != custom {
		t.Error("Expected custom logger from context")
	}
}

func TestL_WithRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithRequestID(context.Background(), "req-456")
	ctx = WithLogger(ctx, NewWithWriter(&buf, "info", "text"))

	L(ctx).Info("hello")

	if !strings.Contains(buf.String(), "request_id=req-456") {
		t.Errorf("expected request id in log line, got %q", buf.String())
	}
}

func TestRequestID_OverwritesPrevious(t *testing.T) {
	ctx := WithRequestID(context.Background(), "first")
	ctx = WithRequestID(ctx, "second")

	if id := RequestID(ctx); id != "second" {
		t.Errorf("Expected 'second', got %q", id)
	}
}

func TestNewWithWriter_MasksSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "text", "123:abc", "")

	logger.Info("send failed for /bot123:abc/sendMessage",
		"url", "https://api.telegram.org/bot123:abc/sendMessage",
		"error", errors.New(`Post "https://api.telegram.org/bot123:abc/sendMessage": EOF`))

	out := buf.String()
	if strings.Contains(out, "123:abc") {
		t.Fatalf("secret leaked into log line: %q", out)
	}
	if got := strings.Count(out, redacted); got != 3 {
		t.Errorf("expected 3 redactions, got %d in %q", got, out)
	}
}

func TestNewWithWriter_AddsTraceIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	logger.With("component", "chat").InfoContext(ctx, "routed")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON log line, got %q: %v", buf.String(), err)
	}
	if rec["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("expected trace_id %s, got %v", span.SpanContext().TraceID(), rec["trace_id"])
	}
	if rec["component"] != "chat" {
		t.Errorf("expected component attribute to survive With, got %v", rec["component"])
	}
}

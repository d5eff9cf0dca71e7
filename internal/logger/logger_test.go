package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON log output: %v\nraw: %s", err, buf.String())
	}
	return entry
}

func TestSetup_JSONWithService(t *testing.T) {
	var buf bytes.Buffer
	Setup(&buf, "info", "reauth").Info("session created", slog.String("session_id", "s1"))

	entry := decode(t, &buf)
	if entry["msg"] != "session created" || entry["session_id"] != "s1" || entry["service"] != "reauth" {
		t.Errorf("entry = %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected time field")
	}
}

func TestSetup_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf, "warn", "")
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level, got %s", buf.String())
	}
	l.Warn("kept")
	if decode(t, &buf)["level"] != "WARN" {
		t.Error("warn should be logged")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "warning": slog.LevelWarn,
		"error": slog.LevelError, "": slog.LevelInfo, "verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupDefault_ReplacesDefault(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	SetupDefault(&buf, "info", "")
	slog.Info("via default")
	if decode(t, &buf)["msg"] != "via default" {
		t.Error("default logger not replaced")
	}
}

func TestWithTrace(t *testing.T) {
	var buf bytes.Buffer
	l := Setup(&buf, "info", "")

	if WithTrace(context.Background(), l) != l {
		t.Error("logger without span should be returned unchanged")
	}

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: trace.TraceID{1, 2, 3},
		SpanID:  trace.SpanID{4, 5, 6},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	WithTrace(ctx, l).Info("traced")
	entry := decode(t, &buf)
	if entry["trace_id"] != sc.TraceID().String() || entry["span_id"] != sc.SpanID().String() {
		t.Errorf("entry = %v", entry)
	}
}

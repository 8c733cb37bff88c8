package logger

import (
	"context"
	"log/slog"
	"testing"
)

// TestRequestIDRoundTrip verifies the request ID survives the context.
func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-42")

	id, ok := RequestIDFromContext(ctx)
	if !ok {
		t.Fatal("expected a request ID")
	}
	if id != "req-42" {
		t.Errorf("expected req-42, got %q", id)
	}
}

// TestRequestIDAbsent verifies a bare context carries no request ID.
func TestRequestIDAbsent(t *testing.T) {
	if id, ok := RequestIDFromContext(context.Background()); ok {
		t.Errorf("expected no request ID, got %q", id)
	}
}

// TestFromContextNeverNil verifies a logger always comes back.
func TestFromContextNeverNil(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Error("expected a logger for a bare context")
	}
	if FromContext(WithRequestID(context.Background(), "req-1")) == nil {
		t.Error("expected a logger for an annotated context")
	}
}

// TestParseLevel verifies the level names and the unknown fallback.
func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Errorf("%q: expected %v, got %v", tc.in, tc.want, got)
		}
	}
}

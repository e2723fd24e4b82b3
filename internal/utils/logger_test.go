package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewLoggerToWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "warn", true)
	logger.Info("dropped")
	logger.Warn("kept", slog.String("service_id", "checkout"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected a single JSON line, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "kept" || entry["service_id"] != "checkout" || entry["component"] != "devhops-engine" {
		t.Fatalf("unexpected entry: %v", entry)
	}
}

func TestUpstreamStatus(t *testing.T) {
	err := fmt.Errorf("cycle: %w", NewUpstreamError("fetch_metrics", http.StatusBadGateway, "502 Bad Gateway"))
	status, ok := UpstreamStatus(err)
	if !ok || status != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d (%v)", status, ok)
	}
	if _, ok := UpstreamStatus(NewAppError("fetch_metrics", "request failed", errors.New("refused"))); ok {
		t.Fatalf("transport failures carry no upstream status")
	}
}

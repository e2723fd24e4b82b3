package utils

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeTimestamp(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	in := time.Date(2024, 1, 20, 15, 30, 12, 987654321, loc)
	got := NormalizeTimestamp(in)
	want := time.Date(2024, 1, 20, 14, 30, 12, 0, time.UTC)
	if !got.Equal(want) || got.Location() != time.UTC {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if rendered := got.Format(time.RFC3339); rendered != "2024-01-20T14:30:12Z" {
		t.Fatalf("unexpected rendering %q", rendered)
	}
}

func TestParseRFC3339(t *testing.T) {
	if _, err := ParseRFC3339(""); err == nil {
		t.Fatalf("expected error for empty value")
	}
	if _, err := ParseRFC3339("yesterday"); err == nil {
		t.Fatalf("expected error for invalid value")
	}
	got, err := ParseRFC3339("2024-01-20T14:30:00Z")
	if err != nil || got.Hour() != 14 {
		t.Fatalf("unexpected parse result %v (%v)", got, err)
	}
}

func TestAppErrorUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := NewAppError("fetch_metrics", "request failed", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected AppError to unwrap its cause")
	}
	var appErr *AppError
	if !errors.As(err, &appErr) || appErr.Op != "fetch_metrics" {
		t.Fatalf("expected AppError with op, got %v", err)
	}
	if err.Error() != "fetch_metrics: request failed: connection refused" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

package shared

import (
	"context"
	"testing"
)

func TestTraceID_ReturnsPlaceholderWhenAbsent(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Errorf("expected placeholder, got %q", got)
	}
}

func TestWithTraceID_RoundTrips(t *testing.T) {
	ctx := WithTraceID(context.Background(), "abc-123")
	if got := TraceID(ctx); got != "abc-123" {
		t.Errorf("expected abc-123, got %q", got)
	}
}

func TestNewTraceID_ProducesDistinctNonEmptyIDs(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	if a == "" || b == "" {
		t.Fatalf("expected non-empty trace IDs")
	}
	if a == b {
		t.Errorf("expected distinct trace IDs, got %q twice", a)
	}
}

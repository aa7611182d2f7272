package tracing

import (
	"context"
	"log/slog"
	"strings"
	"testing"
)

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

func TestInitDisabled(t *testing.T) {
	for _, cfg := range []*Config{nil, {ServiceName: "mentatlab-collab", Enabled: false}} {
		p, err := Init(context.Background(), cfg, testLogger())
		if err != nil {
			t.Fatalf("Init failed: %v", err)
		}
		if err := p.Shutdown(context.Background()); err != nil {
			t.Errorf("Shutdown of disabled provider failed: %v", err)
		}
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
		{-1, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased"},
	}
	for _, tt := range tests {
		if got := sampler(tt.rate).Description(); !strings.HasPrefix(got, tt.want) {
			t.Errorf("sampler(%v) = %q, want prefix %q", tt.rate, got, tt.want)
		}
	}
}

func TestTracerWithoutInit(t *testing.T) {
	_, span := Tracer().Start(context.Background(), "collab.SubmitOperations")
	defer span.End()
	if span.SpanContext().IsSampled() {
		t.Error("spans should not be sampled before Init installs a provider")
	}
}

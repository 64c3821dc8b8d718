package telemetry_test

import (
	"context"
	"testing"

	"caseflow/internal/telemetry"
)

func TestSetupNoopWithoutEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "  ", "off", "OFF"} {
		shutdown, err := telemetry.Setup(context.Background(), "caseflow-test", endpoint)
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", endpoint, err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := shutdown(ctx); err != nil {
			t.Fatalf("%q: noop shutdown should not error: %v", endpoint, err)
		}
	}
}

func TestSetupWithEndpoint(t *testing.T) {
	// Non-routable address: nothing is exported before shutdown.
	shutdown, err := telemetry.Setup(context.Background(), "caseflow-test", "http://192.0.2.1:4318")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

package tracing

import (
	"context"
	"testing"

	"github.com/opensource-finance/fraudguard/internal/domain"
)

func TestInitDisabled(t *testing.T) {
	tests := []struct {
		name string
		cfg  domain.TracingConfig
	}{
		{"Disabled", domain.TracingConfig{Enabled: false, Endpoint: "localhost:4317"}},
		{"NoEndpoint", domain.TracingConfig{Enabled: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := Init(context.Background(), tt.cfg, "test")
			if err != nil {
				t.Fatalf("Init failed: %v", err)
			}
			if err := shutdown(context.Background()); err != nil {
				t.Errorf("shutdown failed: %v", err)
			}
		})
	}
}

func TestInitEnabled(t *testing.T) {
	// The gRPC exporter connects lazily, so no collector is needed.
	shutdown, err := Init(context.Background(), domain.TracingConfig{
		Enabled:     true,
		Endpoint:    "127.0.0.1:4317",
		Insecure:    true,
		ServiceName: "fraudguard-test",
	}, "test")
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}

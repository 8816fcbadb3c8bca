package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.SessionsActive == nil {
		t.Error("SessionsActive is nil")
	}
	if m.EventsReceived == nil {
		t.Error("EventsReceived is nil")
	}
	if m.Deliveries == nil {
		t.Error("Deliveries is nil")
	}
	if m.DeliveriesFiltered == nil {
		t.Error("DeliveriesFiltered is nil")
	}
	if m.DeliveriesDropped == nil {
		t.Error("DeliveriesDropped is nil")
	}
	if m.WriteErrors == nil {
		t.Error("WriteErrors is nil")
	}
	if m.Commands == nil {
		t.Error("Commands is nil")
	}
	if m.AuthFailures == nil {
		t.Error("AuthFailures is nil")
	}
	if m.CommandDuration == nil {
		t.Error("CommandDuration is nil")
	}
	if m.RateLimitRejects == nil {
		t.Error("RateLimitRejects is nil")
	}
	if m.SidechannelFailures == nil {
		t.Error("SidechannelFailures is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns a noop meter; instruments still build.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

func TestNoopMetrics_Usable(t *testing.T) {
	m := NoopMetrics()
	ctx := context.Background()
	m.SessionsActive.Add(ctx, 1)
	m.Deliveries.Add(ctx, 3)
	m.CommandDuration.Record(ctx, 0.01)
}

package otel

import (
	"context"
	"strings"
	"testing"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled config should not build an sdk tracer provider")
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("disabled config must still hand out a tracer and meter")
	}
	_, span := p.Tracer.Start(context.Background(), "bridge.route")
	if span.SpanContext().IsValid() {
		t.Fatal("noop tracer produced a recording span")
	}
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_Exporters(t *testing.T) {
	tests := []struct {
		exporter string
		wantErr  string
	}{
		{exporter: "none"},
		{exporter: " NONE "},
		{exporter: "stdout"},
		{exporter: "carrier-pigeon", wantErr: "unknown otel exporter"},
	}
	for _, tt := range tests {
		t.Run(tt.exporter, func(t *testing.T) {
			p, err := Init(context.Background(), Config{Enabled: true, Exporter: tt.exporter})
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
				}
				if !strings.Contains(err.Error(), "otlp-http") {
					t.Fatalf("err = %v, want supported exporter list", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			defer p.Shutdown(context.Background())
			if p.TracerProvider == nil {
				t.Fatal("enabled config should build a tracer provider")
			}
		})
	}
}

func TestInit_SampleRateClamped(t *testing.T) {
	for _, rate := range []float64{-1, 0, 0.5, 7} {
		p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", SampleRate: rate})
		if err != nil {
			t.Fatalf("Init(rate=%v): %v", rate, err)
		}
		_ = p.Shutdown(context.Background())
	}
}

func TestSpanHelpers_RecordWhenEnabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", ServiceName: "scbridge-test"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, route := StartSpan(context.Background(), p.Tracer, "bridge.route",
		AttrChannel.String("news"),
		AttrSessions.Int(3),
	)
	if !route.SpanContext().IsValid() {
		t.Fatal("route span should be recording")
	}
	_, cmd := StartServerSpan(ctx, p.Tracer, "bridge.command", AttrCommandType.String("send"))
	if cmd.SpanContext().TraceID() != route.SpanContext().TraceID() {
		t.Fatal("child span should share the parent's trace")
	}
	cmd.End()
	_, join := StartClientSpan(ctx, p.Tracer, "sidechannel.join", AttrPeer.String("12D3KooWtest"))
	join.End()
	route.End()
}

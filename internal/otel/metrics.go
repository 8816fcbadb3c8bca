package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds all bridge metric instruments.
type Metrics struct {
	SessionsActive      metric.Int64UpDownCounter
	EventsReceived      metric.Int64Counter
	Deliveries          metric.Int64Counter
	DeliveriesFiltered  metric.Int64Counter
	DeliveriesDropped   metric.Int64Counter
	WriteErrors         metric.Int64Counter
	Commands            metric.Int64Counter
	AuthFailures        metric.Int64Counter
	CommandDuration     metric.Float64Histogram
	RateLimitRejects    metric.Int64Counter
	SidechannelFailures metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SessionsActive, err = meter.Int64UpDownCounter("scbridge.sessions.active",
		metric.WithDescription("Number of connected bridge clients"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsReceived, err = meter.Int64Counter("scbridge.events.received",
		metric.WithDescription("Sidechannel events handed to the router"),
	)
	if err != nil {
		return nil, err
	}

	m.Deliveries, err = meter.Int64Counter("scbridge.deliveries",
		metric.WithDescription("Events queued for delivery to a client"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveriesFiltered, err = meter.Int64Counter("scbridge.deliveries.filtered",
		metric.WithDescription("Events suppressed by a client subscription or filter"),
	)
	if err != nil {
		return nil, err
	}

	m.DeliveriesDropped, err = meter.Int64Counter("scbridge.deliveries.dropped",
		metric.WithDescription("Events dropped because a client send queue was full"),
	)
	if err != nil {
		return nil, err
	}

	m.WriteErrors, err = meter.Int64Counter("scbridge.write.errors",
		metric.WithDescription("Failed socket writes to clients"),
	)
	if err != nil {
		return nil, err
	}

	m.Commands, err = meter.Int64Counter("scbridge.commands",
		metric.WithDescription("Client commands processed"),
	)
	if err != nil {
		return nil, err
	}

	m.AuthFailures, err = meter.Int64Counter("scbridge.auth.failures",
		metric.WithDescription("Frames rejected before authentication"),
	)
	if err != nil {
		return nil, err
	}

	m.CommandDuration, err = meter.Float64Histogram("scbridge.command.duration",
		metric.WithDescription("Client command processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("scbridge.ratelimit.rejects",
		metric.WithDescription("Client commands rejected by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.SidechannelFailures, err = meter.Int64Counter("scbridge.sidechannel.failures",
		metric.WithDescription("Sidechannel calls that returned an error"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by a no-op meter.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		// The noop meter never fails.
		panic(err)
	}
	return m
}

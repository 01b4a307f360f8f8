package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// BrokerInstruments publishes metrics and spans for proxied fetches, shim
// command executions, and tunnel traffic. All methods are nil-safe so
// callers can hold a nil pointer when telemetry is disabled.
type BrokerInstruments struct {
	enabled bool
	tracer  trace.Tracer

	counterFetches  metric.Int64Counter
	counterExecs    metric.Int64Counter
	counterErrors   metric.Int64Counter
	counterTunnelB  metric.Int64Counter
	histFetchMillis metric.Int64Histogram
	histExecMillis  metric.Int64Histogram
}

func newBrokerInstruments(p *Provider) *BrokerInstruments {
	inst := &BrokerInstruments{}
	if p == nil {
		return inst
	}
	if p.tracerProvider != nil {
		inst.tracer = p.tracer
	}
	inst.enabled = p.meterProvider != nil
	if !inst.enabled {
		return inst
	}

	var err error
	inst.counterFetches, err = p.meter.Int64Counter("tether.broker.fetches",
		metric.WithDescription("Proxied fetch requests by provider and status"))
	logInstrumentError("tether.broker.fetches", err)

	inst.counterExecs, err = p.meter.Int64Counter("tether.broker.execs",
		metric.WithDescription("Shim command executions by command and exit code"))
	logInstrumentError("tether.broker.execs", err)

	inst.counterErrors, err = p.meter.Int64Counter("tether.broker.errors",
		metric.WithDescription("Broker failures by kind"))
	logInstrumentError("tether.broker.errors", err)

	inst.counterTunnelB, err = p.meter.Int64Counter("tether.bridge.bytes",
		metric.WithDescription("Bytes relayed through the tunnel bridge"))
	logInstrumentError("tether.bridge.bytes", err)

	inst.histFetchMillis, err = p.meter.Int64Histogram("tether.broker.fetch_duration_ms",
		metric.WithDescription("Proxied fetch duration in milliseconds"))
	logInstrumentError("tether.broker.fetch_duration_ms", err)

	inst.histExecMillis, err = p.meter.Int64Histogram("tether.broker.exec_duration_ms",
		metric.WithDescription("Shim command execution duration in milliseconds"))
	logInstrumentError("tether.broker.exec_duration_ms", err)

	return inst
}

// StartFetchSpan opens a span covering one proxied fetch. The returned end
// function records the outcome and is always safe to call.
func (b *BrokerInstruments) StartFetchSpan(ctx context.Context, provider, method string) (context.Context, func(status int, err error)) {
	if b == nil || b.tracer == nil {
		return ctx, func(int, error) {}
	}
	ctx, span := b.tracer.Start(ctx, "broker.fetch", trace.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("method", method),
	))
	return ctx, func(status int, err error) {
		span.SetAttributes(attribute.Int("status", status))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// StartExecSpan opens a span covering one shim command execution. The
// returned end function records the outcome and is always safe to call.
func (b *BrokerInstruments) StartExecSpan(ctx context.Context, command string) (context.Context, func(exitCode int, err error)) {
	if b == nil || b.tracer == nil {
		return ctx, func(int, error) {}
	}
	ctx, span := b.tracer.Start(ctx, "broker.exec", trace.WithAttributes(
		attribute.String("command", command),
	))
	return ctx, func(exitCode int, err error) {
		span.SetAttributes(attribute.Int("exit_code", exitCode))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

// RecordFetch counts one proxied fetch and its duration.
func (b *BrokerInstruments) RecordFetch(ctx context.Context, provider string, status int, elapsed time.Duration) {
	if b == nil || !b.enabled {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Int("status", status),
	)
	b.counterFetches.Add(ctx, 1, attrs)
	b.histFetchMillis.Record(ctx, elapsed.Milliseconds(), attrs)
}

// RecordExec counts one shim command execution.
func (b *BrokerInstruments) RecordExec(ctx context.Context, command string, exitCode int, elapsed time.Duration) {
	if b == nil || !b.enabled {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("command", command),
		attribute.Int("exit_code", exitCode),
	)
	b.counterExecs.Add(ctx, 1, attrs)
	b.histExecMillis.Record(ctx, elapsed.Milliseconds(), attrs)
}

// RecordError counts one broker failure by kind (classification, policy,
// upstream, framing).
func (b *BrokerInstruments) RecordError(ctx context.Context, kind string) {
	if b == nil || !b.enabled {
		return
	}
	b.counterErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// AddTunnelBytes accumulates bytes relayed by the tunnel bridge.
func (b *BrokerInstruments) AddTunnelBytes(ctx context.Context, n int64) {
	if b == nil || !b.enabled || n <= 0 {
		return
	}
	b.counterTunnelB.Add(ctx, n)
}

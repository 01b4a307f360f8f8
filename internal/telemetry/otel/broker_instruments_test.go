package otel

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTracedInstruments(t *testing.T) (*BrokerInstruments, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	p := &Provider{tracerProvider: tp, tracer: tp.Tracer("test")}
	return newBrokerInstruments(p), recorder
}

func TestStartFetchSpanRecordsOutcome(t *testing.T) {
	inst, recorder := newTracedInstruments(t)

	_, end := inst.StartFetchSpan(context.Background(), "/openai", "GET")
	end(200, nil)

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name() != "broker.fetch" {
		t.Fatalf("span name = %q", spans[0].Name())
	}

	var sawStatus bool
	for _, attr := range spans[0].Attributes() {
		if string(attr.Key) == "status" && attr.Value.AsInt64() == 200 {
			sawStatus = true
		}
	}
	if !sawStatus {
		t.Fatalf("span missing status attribute: %v", spans[0].Attributes())
	}
}

func TestStartExecSpanRecordsError(t *testing.T) {
	inst, recorder := newTracedInstruments(t)

	_, end := inst.StartExecSpan(context.Background(), "gh")
	end(0, errors.New("no matching command"))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if len(spans[0].Events()) == 0 {
		t.Fatalf("span recorded no error event")
	}
}

func TestSpanMethodsSafeWhenDisabled(t *testing.T) {
	var inst *BrokerInstruments

	ctx, end := inst.StartFetchSpan(context.Background(), "/openai", "GET")
	if ctx == nil {
		t.Fatalf("nil context from disabled span start")
	}
	end(502, errors.New("down"))

	_, end = inst.StartExecSpan(context.Background(), "gh")
	end(1, nil)
}

func TestRecordExecDurationHistogram(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	p := &Provider{meterProvider: mp, meter: mp.Meter("test")}
	inst := newBrokerInstruments(p)

	inst.RecordExec(context.Background(), "gh", 0, 125*time.Millisecond)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collecting metrics: %v", err)
	}

	var sawDuration bool
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != "tether.broker.exec_duration_ms" {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[int64])
			if !ok || len(hist.DataPoints) == 0 {
				t.Fatalf("exec duration histogram has no data points")
			}
			if got := hist.DataPoints[0].Sum; got != 125 {
				t.Fatalf("exec duration sum = %d ms, want 125", got)
			}
			sawDuration = true
		}
	}
	if !sawDuration {
		t.Fatalf("exec duration histogram never collected")
	}
}

package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordingProvider returns a TracerProvider backed by an in-memory exporter
// so tests can inspect the recorded spans.
func recordingProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without a span = %q, want empty", got)
	}

	tp, _ := recordingProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "pipeline.run")
	defer span.End()

	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Fatalf("correlation ID = %q, want 32 hex chars", cid)
	}
	if strings.Trim(cid, "0123456789abcdef") != "" {
		t.Errorf("correlation ID %q is not lowercase hex", cid)
	}
}

func TestStartSpan_RecordsNamedSpan(t *testing.T) {
	tp, exp := recordingProvider(t)
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	ctx, span := StartSpan(context.Background(), "bus.handle")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan returned a context without a trace ID")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "bus.handle" {
		t.Errorf("span name = %q, want bus.handle", spans[0].Name)
	}
}

func TestLogger_AttachesSpanContext(t *testing.T) {
	tp, _ := recordingProvider(t)

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	ctx, span := tp.Tracer("test").Start(context.Background(), "log-test")
	defer span.End()

	Logger(ctx).Info("processing")
	out := buf.String()
	if !strings.Contains(out, "trace_id=") || !strings.Contains(out, "span_id=") {
		t.Errorf("log line missing trace/span ids: %s", out)
	}

	buf.Reset()
	Logger(context.Background()).Info("no span here")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log line without a span must not carry trace_id: %s", buf.String())
	}
}

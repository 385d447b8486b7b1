package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestCorrelationIDInsideSpan(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	if CorrelationID(ctx) == "" {
		t.Error("CorrelationID empty inside an active span")
	}
	if CorrelationID(context.Background()) != "" {
		t.Error("CorrelationID non-empty without a span")
	}
}

func TestLoggerAttachesTraceIDs(t *testing.T) {
	t.Parallel()

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	Logger(ctx, base).Info("hello")
	if line := buf.String(); !strings.Contains(line, "trace_id="+CorrelationID(ctx)) {
		t.Errorf("log line %q missing the trace id", line)
	}

	buf.Reset()
	Logger(context.Background(), base).Info("hello")
	if line := buf.String(); strings.Contains(line, "trace_id=") {
		t.Errorf("log line %q carries a trace id without a span", line)
	}
}

//go:build no_otel

// This file provides a no-op shim, so that no actual dependency on
// go.opentelemetry.io/otel is required when tracing is disabled.
package otel

import (
	"context"
)

type FakeTracer struct{}
type FakeSpan struct{}

func Tracer(name string) FakeTracer {
	return FakeTracer{}
}

func (t FakeTracer) Start(ctx context.Context, _ string) (context.Context, FakeSpan) {
	return ctx, FakeSpan{}
}

func (s FakeSpan) End() {
}

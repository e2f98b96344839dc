package server

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this instrumentation to the tracer provider.
const tracerName = "github.com/pairbox-io/pairbox/pkg/server"

// startHandshakeSpan opens a span covering one handshake exchange. Spans go
// through the global tracer provider; without one installed they are no-ops.
func startHandshakeSpan(ctx context.Context) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "pairbox.handshake")
}

// endHandshakeSpan records the outcome and closes the span. The error is
// recorded on the span only; it never reaches the client, which just sees
// its connection close.
func endHandshakeSpan(span trace.Span, req string, mailboxID uint32, err error) {
	if req != "" {
		span.SetAttributes(attribute.String("pairbox.request", req))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int64("pairbox.mailbox_id", int64(mailboxID)))
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

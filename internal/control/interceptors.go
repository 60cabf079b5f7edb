package control

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/stridetastic/meshcore/internal/logging"
	"github.com/stridetastic/meshcore/internal/observability"
)

// OperationIDMetadataKey carries a caller supplied operation id.
const OperationIDMetadataKey = "x-operation-id"

// OperationIDUnaryServerInterceptor ensures an operation id is present on the
// context, sourcing it from inbound metadata if provided, echoes it in the
// response header and attaches a logger annotated with the id and method.
func OperationIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if incoming := firstHeader(md, OperationIDMetadataKey); incoming != "" {
				ctx = logging.ContextWithOperationID(ctx, incoming)
			}
		}
		ctx, opID := logging.EnsureOperationID(ctx)
		_ = grpc.SetHeader(ctx, metadata.Pairs(OperationIDMetadataKey, opID))

		reqLog := base.With(logging.String("method", info.FullMethod), logging.String("operation_id", opID))
		ctx = logging.ContextWithLogger(ctx, reqLog)

		resp, err := handler(ctx, req)
		if err != nil {
			reqLog.Debug(ctx, "rpc failed", logging.Err(err))
		}
		return resp, err
	}
}

// TracingUnaryServerInterceptor names the RPC span and annotates it with
// standard attributes, starting a server span when no stats handler did.
func TracingUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		service, method := observability.SplitMethod(info.FullMethod)
		name := fmt.Sprintf("Control/%s/%s", service, method)

		span := trace.SpanFromContext(ctx)
		created := false
		if !span.SpanContext().IsValid() {
			ctx, span = observability.StartSpan(ctx, name)
			created = true
		} else {
			span.SetName(name)
		}

		attrs := []attribute.KeyValue{
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", service),
			attribute.String("rpc.method", method),
			attribute.String("rpc.full_method", strings.TrimPrefix(info.FullMethod, "/")),
		}
		if opID := logging.OperationIDFromContext(ctx); opID != "" {
			attrs = append(attrs, attribute.String("operation_id", opID))
		}
		span.SetAttributes(attrs...)

		resp, err := handler(ctx, req)
		if created {
			observability.EndSpan(span, err)
		} else if err != nil {
			span.RecordError(err)
		}
		return resp, err
	}
}

func firstHeader(md metadata.MD, key string) string {
	if md == nil {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

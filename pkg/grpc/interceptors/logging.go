package interceptors

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/sagaflow/sagaflow/pkg/logger"
)

// LoggingUnaryInterceptor writes one access log line per unary RPC.
func LoggingUnaryInterceptor(log logger.Logger) grpc.UnaryServerInterceptor {
	log = orGlobal(log)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logRPC(ctx, log, info.FullMethod, "unary", err, time.Since(start))
		return resp, err
	}
}

// LoggingStreamInterceptor writes one access log line per stream.
func LoggingStreamInterceptor(log logger.Logger) grpc.StreamServerInterceptor {
	log = orGlobal(log)
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logRPC(ss.Context(), log, info.FullMethod, "stream", err, time.Since(start))
		return err
	}
}

func logRPC(ctx context.Context, log logger.Logger, method, kind string, err error, duration time.Duration) {
	requestID, _ := RequestIDFromContext(ctx)
	args := []any{
		"method", method,
		"kind", kind,
		"code", status.Code(err).String(),
		"duration", duration,
		"request_id", requestID,
	}
	if err != nil {
		log.WarnContext(ctx, "grpc request failed", append(args, "error", err)...)
		return
	}
	log.DebugContext(ctx, "grpc request", args...)
}

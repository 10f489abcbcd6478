package service

import (
	"context"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// RequestIDKey is the metadata key carrying a caller supplied request id.
const RequestIDKey = "x-request-id"

// requestID returns the caller's request id or a new short one.
func requestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(RequestIDKey); len(v) > 0 && v[0] != "" {
			return v[0]
		}
	}
	return uuid.New().String()[:8]
}

// UnaryLogger tags every call's logger with its method and request id and
// logs the outcome.
func UnaryLogger() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		entry := log.G(ctx).WithFields(log.Fields{
			"method":     info.FullMethod,
			"request_id": requestID(ctx),
		})
		ctx = log.WithLogger(ctx, entry)

		start := time.Now()
		resp, err := handler(ctx, req)
		entry = entry.WithField("t", time.Since(start))
		if err != nil {
			entry.WithField("code", status.Code(err)).Debug("request failed")
		} else {
			entry.Debug("request done")
		}
		return resp, err
	}
}

// StreamLogger is UnaryLogger for streaming calls.
func StreamLogger() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		log.G(ctx).WithFields(log.Fields{
			"method":     info.FullMethod,
			"request_id": requestID(ctx),
		}).Debug("stream opened")
		return handler(srv, ss)
	}
}

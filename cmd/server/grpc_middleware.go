package main

import (
	"context"
	"errors"
	"strings"
	"time"

	"fulfillment/internal/observability"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type rateLimiter interface {
	Wait(ctx context.Context) error
}

type logFunc func(format string, args ...any)

type rateLimitedServerStream struct {
	grpc.ServerStream
	limiter rateLimiter
}

func (s *rateLimitedServerStream) RecvMsg(m any) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(s.Context()); err != nil {
			return limitError(err)
		}
	}
	return s.ServerStream.RecvMsg(m)
}

// unaryInterceptor throttles calls, records them in metrics and logs
// failures with their latency.
func unaryInterceptor(limiter rateLimiter, metrics *observability.Metrics, logf logFunc) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		tracked := shouldTrackMethod(info.FullMethod)
		var span *observability.CallSpan
		if tracked {
			span = metrics.Start(info.FullMethod)
		}
		start := time.Now()
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				err = limitError(err)
				span.End(err)
				return nil, err
			}
		}
		resp, err := handler(ctx, req)
		span.End(err)
		if err != nil && tracked && logf != nil {
			logf("grpc unary %s %s after %v: %v", info.FullMethod, status.Code(err), time.Since(start), err)
		}
		return resp, err
	}
}

func streamInterceptor(limiter rateLimiter, metrics *observability.Metrics, logf logFunc) grpc.StreamServerInterceptor {
	return func(srv any, stream grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		tracked := shouldTrackMethod(info.FullMethod)
		var span *observability.CallSpan
		if tracked {
			span = metrics.Start(info.FullMethod)
		}
		start := time.Now()
		if limiter != nil {
			stream = &rateLimitedServerStream{ServerStream: stream, limiter: limiter}
		}
		err := handler(srv, stream)
		span.End(err)
		if err != nil && tracked && logf != nil {
			logf("grpc stream %s %s after %v: %v", info.FullMethod, status.Code(err), time.Since(start), err)
		}
		return err
	}
}

func limitError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Error(codes.DeadlineExceeded, "rate limited until deadline")
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.ResourceExhausted, err.Error())
}

func shouldTrackMethod(method string) bool {
	return method != "" &&
		!strings.HasPrefix(method, "/grpc.reflection.") &&
		!strings.HasPrefix(method, "/grpc.health.")
}

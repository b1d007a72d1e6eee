// Package observability provides gRPC client interceptors and the HTTP
// server for metrics and health.
package observability

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"ai-speech-live-client/internal/observability/metrics"
)

// UnaryClientInterceptor returns a gRPC unary client interceptor for metrics and logging.
func UnaryClientInterceptor(m *metrics.Metrics) grpc.UnaryClientInterceptor {
	return func(
		ctx context.Context,
		method string,
		req, reply interface{},
		cc *grpc.ClientConn,
		invoker grpc.UnaryInvoker,
		opts ...grpc.CallOption,
	) error {
		start := time.Now()

		err := invoker(ctx, method, req, reply, cc, opts...)

		duration := time.Since(start)
		st, _ := status.FromError(err)
		m.RecordGRPCCall(method, st.Code().String(), duration)

		log.Debug().
			Str("method", method).
			Str("code", st.Code().String()).
			Dur("duration", duration).
			Msg("gRPC unary call")

		return err
	}
}

// StreamClientInterceptor returns a gRPC stream client interceptor. The call
// is recorded once, when the stream ends.
func StreamClientInterceptor(m *metrics.Metrics) grpc.StreamClientInterceptor {
	return func(
		ctx context.Context,
		desc *grpc.StreamDesc,
		cc *grpc.ClientConn,
		method string,
		streamer grpc.Streamer,
		opts ...grpc.CallOption,
	) (grpc.ClientStream, error) {
		start := time.Now()

		cs, err := streamer(ctx, desc, cc, method, opts...)
		if err != nil {
			st, _ := status.FromError(err)
			m.RecordGRPCCall(method, st.Code().String(), time.Since(start))
			return nil, err
		}
		return &observedStream{ClientStream: cs, method: method, start: start, metrics: m}, nil
	}
}

type observedStream struct {
	grpc.ClientStream
	method  string
	start   time.Time
	metrics *metrics.Metrics
	once    sync.Once
}

func (s *observedStream) RecvMsg(msg interface{}) error {
	err := s.ClientStream.RecvMsg(msg)
	if err != nil {
		s.finish(err)
	}
	return err
}

func (s *observedStream) finish(err error) {
	s.once.Do(func() {
		code := codes.OK
		if !errors.Is(err, io.EOF) {
			code = status.Code(err)
		}
		duration := time.Since(s.start)
		s.metrics.RecordGRPCCall(s.method, code.String(), duration)

		log.Info().
			Str("method", s.method).
			Str("code", code.String()).
			Dur("duration", duration).
			Msg("gRPC stream completed")
	})
}

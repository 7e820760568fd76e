package client

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/balancer/roundrobin"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	apierrors "github.com/cubefs/shardroute/errors"
	"github.com/cubefs/shardroute/proto"
)

const (
	defaultMaxTimeoutMs       = 3000
	defaultConnectTimeoutMs   = 1000
	defaultKeepaliveTimeoutS  = 5
	defaultBackoffBaseDelayMs = 100
	defaultBackoffMaxDelayMs  = 2000
)

type TransportConfig struct {
	// MaxTimeoutMs bounds every single call.
	MaxTimeoutMs       uint32 `json:"max_timeout_ms"`
	ConnectTimeoutMs   uint32 `json:"connect_timeout_ms"`
	KeepaliveTimeoutS  uint32 `json:"keepalive_timeout_s"`
	BackoffBaseDelayMs uint32 `json:"backoff_base_delay_ms"`
	BackoffMaxDelayMs  uint32 `json:"backoff_max_delay_ms"`
}

func (tc *TransportConfig) fillDefault() {
	if tc.MaxTimeoutMs == 0 {
		tc.MaxTimeoutMs = defaultMaxTimeoutMs
	}
	if tc.ConnectTimeoutMs == 0 {
		tc.ConnectTimeoutMs = defaultConnectTimeoutMs
	}
	if tc.KeepaliveTimeoutS == 0 {
		tc.KeepaliveTimeoutS = defaultKeepaliveTimeoutS
	}
	if tc.BackoffBaseDelayMs == 0 {
		tc.BackoffBaseDelayMs = defaultBackoffBaseDelayMs
	}
	if tc.BackoffMaxDelayMs == 0 {
		tc.BackoffMaxDelayMs = defaultBackoffMaxDelayMs
	}
}

func unaryInterceptorWithTracer(ctx context.Context, method string, req, reply interface{},
	cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption,
) error {
	span := trace.SpanFromContextSafe(ctx)
	ctx = metadata.AppendToOutgoingContext(ctx, proto.ReqIdKey, span.TraceID())

	return invoker(ctx, method, req, reply, cc, opts...)
}

// generateDialOpts never blocks on dial, an unreachable peer surfaces as an
// Unavailable error on the first call instead.
func generateDialOpts(cfg *TransportConfig) []grpc.DialOption {
	cfg.fillDefault()
	dialOpts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(math.MaxInt32),
			grpc.MaxCallRecvMsgSize(math.MaxInt32),
			grpc.CallContentSubtype(proto.CodecName),
		),
		grpc.WithKeepaliveParams(
			keepalive.ClientParameters{
				Timeout:             time.Duration(cfg.KeepaliveTimeoutS) * time.Second,
				PermitWithoutStream: true,
			},
		),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  time.Duration(cfg.BackoffBaseDelayMs) * time.Millisecond,
				Multiplier: backoff.DefaultConfig.Multiplier,
				Jitter:     backoff.DefaultConfig.Jitter,
				MaxDelay:   time.Duration(cfg.BackoffMaxDelayMs) * time.Millisecond,
			},
			MinConnectTimeout: time.Millisecond * time.Duration(cfg.ConnectTimeoutMs),
		}),
		grpc.WithChainUnaryInterceptor(unaryInterceptorWithTracer),
		grpc.WithDefaultServiceConfig(fmt.Sprintf(`{"loadBalancingPolicy": "%s"}`, roundrobin.Name)),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	return dialOpts
}

// caller issues unary calls on one service with a per call timeout and
// decodes routing errors from the returned status.
type caller struct {
	conn    *grpc.ClientConn
	service string
	timeout time.Duration
}

func newCaller(conn *grpc.ClientConn, service string, tc *TransportConfig) caller {
	return caller{
		conn:    conn,
		service: service,
		timeout: time.Duration(tc.MaxTimeoutMs) * time.Millisecond,
	}
}

// invoke decodes routing errors from the status. Transport failures stay
// grpc status errors, apierrors.IsTransportFailure still matches them.
func (c caller) invoke(ctx context.Context, method string, in, out interface{}) error {
	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	err := c.conn.Invoke(callCtx, proto.FullMethod(c.service, method), in, out)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return apierrors.FromStatus(err)
}

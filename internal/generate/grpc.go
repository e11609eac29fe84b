package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// TextServiceGenerate is the full method name of the remote text service's
// unary generation call. Requests and responses are google.protobuf.Struct.
const TextServiceGenerate = "/deckster.text.v1.TextService/Generate"

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errTextService              = errors.New("text service returned error")
	errNotServing               = errors.New("text service not serving")
)

// Grpc generates output through the remote text service.
type Grpc struct {
	conn   *grpc.ClientConn
	addr   string
	logger *slog.Logger
}

// GrpcConfig holds configuration for the text service client.
type GrpcConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultGrpcConfig returns default configuration for addr.
func DefaultGrpcConfig(addr string) GrpcConfig {
	return GrpcConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpc connects to the text service and waits for the connection to be
// ready so that a bad endpoint fails at startup.
func NewGrpc(cfg GrpcConfig, logger *slog.Logger, opts ...grpc.DialOption) (*Grpc, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, errors.New("text service address is required")
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to text service at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("text service at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to text service", "address", cfg.Address)
	return &Grpc{conn: conn, addr: cfg.Address, logger: logger}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Name implements Provider.
func (c *Grpc) Name() string { return "textservice" }

// Close closes the gRPC connection.
func (c *Grpc) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the standard gRPC health service of the text service.
func (c *Grpc) Health(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}
	return nil
}

// Generate implements Generator. The response carries either an "output"
// object or a "text" string holding JSON; an "error" field fails the call.
func (c *Grpc) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	in, err := structpb.NewStruct(map[string]any{
		"session_id":        req.SessionID,
		"state":             string(req.State),
		"task":              req.Task,
		"system":            req.System,
		"prompt":            req.Prompt,
		"temperature":       float64(req.Temperature),
		"max_output_tokens": float64(req.MaxOutputTokens),
	})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, TextServiceGenerate, in, out); err != nil {
		return nil, fmt.Errorf("generate request failed: %w", err)
	}

	fields := out.AsMap()
	if msg, ok := fields["error"].(string); ok && msg != "" {
		return nil, fmt.Errorf("%w: %s", errTextService, msg)
	}
	if v, ok := fields["output"]; ok && v != nil {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode output: %w", err)
		}
		return raw, nil
	}
	if text, ok := fields["text"].(string); ok && text != "" {
		return CleanJSON([]byte(text)), nil
	}
	return nil, ErrEmptyResponse
}

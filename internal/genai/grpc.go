package genai

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// GenerateMethod is the full RPC name served by inference sidecars.
const GenerateMethod = "/querytune.v1.Generator/Generate"

// #region client-struct
// GRPCClient calls a generation sidecar over gRPC. Requests and replies are
// google.protobuf.Struct messages so no generated stubs are needed.
type GRPCClient struct {
	conn  *grpc.ClientConn
	cc    grpc.ClientConnInterface
	model string
}

// #endregion client-struct

// #region constructor
// NewGRPCClient connects to the generation service at addr.
func NewGRPCClient(addr, model string) (*GRPCClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &GRPCClient{conn: conn, cc: conn, model: model}, nil
}

// NewGRPCClientWithConn wraps an existing connection. Used for testing
// against an in-process server.
func NewGRPCClientWithConn(cc grpc.ClientConnInterface, model string) *GRPCClient {
	return &GRPCClient{cc: cc, model: model}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection if this client owns it.
func (c *GRPCClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region generate
// Generate sends one prompt and returns the text field of the reply.
func (c *GRPCClient) Generate(ctx context.Context, req Request) (string, error) {
	fields := map[string]any{
		"prompt":      req.Prompt,
		"system":      req.System,
		"temperature": req.Temperature,
		"max_tokens":  float64(req.MaxTokens),
		"purpose":     req.Purpose,
	}
	if c.model != "" {
		fields["model"] = c.model
	}
	if req.Seed != nil {
		fields["seed"] = float64(*req.Seed)
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, GenerateMethod, in, out); err != nil {
		return "", fmt.Errorf("grpc generate: %w", err)
	}

	if msg := out.GetFields()["error"].GetStringValue(); msg != "" {
		return "", fmt.Errorf("grpc generate: backend error: %s", msg)
	}
	text := out.GetFields()["text"].GetStringValue()
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// #endregion generate

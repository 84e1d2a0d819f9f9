package client

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	gwerrors "github.com/wudi/scgate/internal/errors"
	"github.com/wudi/scgate/internal/servicecontrol"
	"github.com/wudi/scgate/internal/tracing"
)

// gRPC method names of the policy backend.
const (
	CheckMethod  = "/google.api.servicecontrol.v1.ServiceController/Check"
	ReportMethod = "/google.api.servicecontrol.v1.ServiceController/Report"
)

// JSONCodec is a gRPC codec that marshals messages as JSON.
type JSONCodec struct{}

func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (JSONCodec) Name() string {
	return "json"
}

// GRPCClient invokes the policy backend over gRPC with a JSON codec.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// NewGRPC dials target lazily.
func NewGRPC(target string, opts Options) (*GRPCClient, error) {
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(JSONCodec{}), grpc.MaxCallRecvMsgSize(MaxResponseBytes)),
	)
	if err != nil {
		return nil, fmt.Errorf("service control grpc dial: %w", err)
	}
	return &GRPCClient{conn: conn}, nil
}

func withToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

// Check implements Client.
func (c *GRPCClient) Check(ctx context.Context, token string, req *servicecontrol.CheckRequest) ([]byte, error) {
	ctx, span := tracing.StartClientSpan(ctx, "servicecontrol.check",
		attribute.String("service", req.ServiceName),
		attribute.String("operation.id", req.Operation.OperationID),
	)
	var resp json.RawMessage
	err := c.conn.Invoke(withToken(ctx, token), CheckMethod, req, &resp)
	if err != nil {
		err = &gwerrors.CheckTransportError{Err: err}
	}
	tracing.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Report implements Client.
func (c *GRPCClient) Report(ctx context.Context, token string, req *servicecontrol.ReportRequest) error {
	ctx, span := tracing.StartClientSpan(ctx, "servicecontrol.report",
		attribute.String("service", req.ServiceName),
	)
	var resp json.RawMessage
	err := c.conn.Invoke(withToken(ctx, token), ReportMethod, req, &resp)
	tracing.EndSpan(span, err)
	return err
}

// Close implements Client.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

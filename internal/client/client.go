package client

import (
	"context"
	"fmt"

	"github.com/matheus3301/imcore/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client talks to a running daemon over its Unix domain socket.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Call invokes service/method with args and returns the decoded reply.
func (c *Client) Call(ctx context.Context, service, method string, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	in, err := structpb.NewStruct(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(service, method), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Watch streams events under namespace to fn until ctx ends or fn returns an error.
func (c *Client) Watch(ctx context.Context, namespace string, fn func(map[string]any) error) error {
	stream, err := c.conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, api.FullMethod(api.EventServiceName, "Watch"))
	if err != nil {
		return err
	}
	in, err := structpb.NewStruct(map[string]any{"namespace": namespace})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		env := new(structpb.Struct)
		if err := stream.RecvMsg(env); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(env.AsMap()); err != nil {
			return err
		}
	}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

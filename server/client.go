package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls a procvm.Runner server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target. Without options the connection is insecure.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)))
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// Run asks the server to run a program.
func (c *Client) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	out := new(RunResponse)
	if err := c.conn.Invoke(ctx, runMethod, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Disassemble asks the server for a listing.
func (c *Client) Disassemble(ctx context.Context, req *DisassembleRequest) (*DisassembleResponse, error) {
	out := new(DisassembleResponse)
	if err := c.conn.Invoke(ctx, disassembleMethod, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the Messaging service of a running daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary method. []string values in req are sent as lists.
func (c *Client) Call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(normalize(req))
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Conversations lists conversations, refreshing from the backend first when
// refresh is set. A failed refresh is returned as the string alongside the
// cached list.
func (c *Client) Conversations(ctx context.Context, refresh bool) ([]Conversation, string, error) {
	resp, err := c.Call(ctx, "Conversations", map[string]any{"refresh": refresh})
	if err != nil {
		return nil, "", err
	}
	var out []Conversation
	if err := Decode(resp["conversations"], &out); err != nil {
		return nil, "", err
	}
	warning, _ := resp["error"].(string)
	return out, warning, nil
}

// Messages decodes the "messages" field of an Open or History response.
func Messages(resp map[string]any) ([]Message, error) {
	var out []Message
	if err := Decode(resp["messages"], &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch streams events matching prefixes to fn until ctx is done, the stream
// ends, or fn returns an error.
func (c *Client) Watch(ctx context.Context, prefixes []string, fn func(Event) error) error {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], "/"+ServiceName+"/Watch")
	if err != nil {
		return err
	}
	in, err := structpb.NewStruct(normalize(map[string]any{"prefixes": prefixes}))
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
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var evt Event
		if err := Decode(out.AsMap(), &evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}

func normalize(req map[string]any) map[string]any {
	out := make(map[string]any, len(req))
	for k, v := range req {
		if ss, ok := v.([]string); ok {
			out[k] = stringList(ss)
			continue
		}
		out[k] = v
	}
	return out
}

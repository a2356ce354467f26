package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is the host side of an out-of-process plugin.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient

	mu   sync.Mutex
	desc *Description
}

// Dial connects to a plugin serving on a unix socket. The connection is lazy;
// use Healthy to wait for the plugin.
func Dial(_ context.Context, socket string) (*Client, error) {
	conn, err := grpc.NewClient("unix://"+socket, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial plugin %s: %w", socket, err)
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Healthy reports whether the plugin's health service says SERVING.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Describe asks the plugin what it provides. The answer is cached.
func (c *Client) Describe(ctx context.Context) (Description, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.desc != nil {
		return *c.desc, nil
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodDescribe, &emptypb.Empty{}, out); err != nil {
		return Description{}, fmt.Errorf("describe: %w", err)
	}
	d := descriptionFromStruct(out)
	if d.Protocol != ProtocolVersion {
		return Description{}, fmt.Errorf("plugin speaks protocol %q, host speaks %q", d.Protocol, ProtocolVersion)
	}
	c.desc = &d
	return d, nil
}

// Components returns proxies for the plugin's components. Describe must have
// succeeded.
func (c *Client) Components() []Component {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.desc == nil {
		return nil
	}
	out := make([]Component, 0, len(c.desc.Components))
	for _, scheme := range c.desc.Components {
		out = append(out, &remoteComponent{client: c, scheme: scheme})
	}
	return out
}

// Codecs returns proxies for the plugin's codecs. Describe must have
// succeeded.
func (c *Client) Codecs() []Codec {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.desc == nil {
		return nil
	}
	out := make([]Codec, 0, len(c.desc.Codecs))
	for _, name := range c.desc.Codecs {
		out = append(out, &remoteCodec{client: c, name: name})
	}
	return out
}

func (c *Client) send(ctx context.Context, uri string, msg *Message) error {
	return c.conn.Invoke(ctx, methodSend, request("uri", uri, msg), new(emptypb.Empty))
}

func (c *Client) transform(ctx context.Context, method, codec string, msg *Message) error {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, method, request("codec", codec, msg), out); err != nil {
		return err
	}
	res, err := structToMessage(out)
	if err != nil {
		return err
	}
	msg.Headers, msg.Body = res.Headers, res.Body
	return nil
}

type remoteComponent struct {
	client *Client
	scheme string
}

func (r *remoteComponent) Scheme() string { return r.scheme }

func (r *remoteComponent) Endpoint(uri string) (Endpoint, error) {
	if _, _, err := SplitURI(uri); err != nil {
		return nil, err
	}
	return &remoteEndpoint{client: r.client, uri: uri}, nil
}

// remoteEndpoint proxies both roles; the plugin rejects the role its
// endpoint does not support.
type remoteEndpoint struct {
	client *Client
	uri    string

	mu     sync.Mutex
	stream grpc.ClientStream
}

func (e *remoteEndpoint) URI() string { return e.uri }

func (e *remoteEndpoint) Send(ctx context.Context, msg *Message) error {
	if err := e.client.send(ctx, e.uri, msg); err != nil {
		return fmt.Errorf("%s: %s", e.uri, status.Convert(err).Message())
	}
	return nil
}

// Start opens the consume stream and waits for the plugin to acknowledge that
// its consumer started.
func (e *remoteEndpoint) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream != nil {
		return nil
	}
	stream, err := e.client.conn.NewStream(ctx, &serviceDesc.Streams[0], methodConsume)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(request("uri", e.uri, nil)); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	md, err := stream.Header()
	if err != nil {
		return fmt.Errorf("%s: %s", e.uri, status.Convert(err).Message())
	}
	// A stream that ends before the acknowledgement carries its status on
	// the first receive.
	if len(md.Get(startedHeader)) == 0 {
		err := stream.RecvMsg(new(structpb.Struct))
		if err == nil || errors.Is(err, io.EOF) {
			return fmt.Errorf("%s: consumer ended before starting", e.uri)
		}
		return fmt.Errorf("%s: %s", e.uri, status.Convert(err).Message())
	}
	e.stream = stream
	return nil
}

func (e *remoteEndpoint) Consume(ctx context.Context, next Processor) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	stream := e.stream
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.stream = nil
		e.mu.Unlock()
	}()

	for {
		in := new(structpb.Struct)
		if err := stream.RecvMsg(in); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s: %s", e.uri, status.Convert(err).Message())
		}
		msg, err := structToMessage(in)
		if err != nil {
			return err
		}
		if err := next.Process(ctx, msg); err != nil {
			return err
		}
	}
}

type remoteCodec struct {
	client *Client
	name   string
}

func (r *remoteCodec) Name() string { return r.name }

func (r *remoteCodec) Marshal(ctx context.Context, msg *Message) error {
	return r.client.transform(ctx, methodMarshal, r.name, msg)
}

func (r *remoteCodec) Unmarshal(ctx context.Context, msg *Message) error {
	return r.client.transform(ctx, methodUnmarshal, r.name, msg)
}

package plugin

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// The wire contract between a host and an out-of-process plugin. Messages
// travel as structpb.Struct values:
//
//	{"id": "...", "headers": {...}, "body": "<base64>"}
//
// Header values survive as JSON scalars, lists and objects; numbers come back
// as float64 and timestamps as RFC 3339 strings.
const (
	ServiceName     = "conduit.plugin.v1.Plugin"
	ProtocolVersion = "1"

	// startedHeader acknowledges that a Consume stream's endpoint started.
	startedHeader = "conduit-started"

	methodDescribe  = "/" + ServiceName + "/Describe"
	methodSend      = "/" + ServiceName + "/Send"
	methodConsume   = "/" + ServiceName + "/Consume"
	methodMarshal   = "/" + ServiceName + "/Marshal"
	methodUnmarshal = "/" + ServiceName + "/Unmarshal"
)

// pluginService is the server side of ServiceName.
type pluginService interface {
	Describe(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
	Send(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
	Marshal(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Unmarshal(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Consume(in *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*pluginService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Describe", Handler: describeHandler},
		{MethodName: "Send", Handler: unaryStructHandler(methodSend, func(s pluginService, ctx context.Context, in *structpb.Struct) (any, error) { return s.Send(ctx, in) })},
		{MethodName: "Marshal", Handler: unaryStructHandler(methodMarshal, func(s pluginService, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.Marshal(ctx, in)
		})},
		{MethodName: "Unmarshal", Handler: unaryStructHandler(methodUnmarshal, func(s pluginService, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.Unmarshal(ctx, in)
		})},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Consume", Handler: consumeHandler, ServerStreams: true},
	},
	Metadata: "conduit/plugin/v1/plugin.proto",
}

func describeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(pluginService).Describe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDescribe}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(pluginService).Describe(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// unaryHandler has the shape grpc expects in MethodDesc.Handler.
type unaryHandler = func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error)

func unaryStructHandler(method string, call func(pluginService, context.Context, *structpb.Struct) (any, error)) unaryHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(pluginService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(pluginService), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func consumeHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(pluginService).Consume(in, stream)
}

func messageToStruct(m *Message) *structpb.Struct {
	headers := make(map[string]*structpb.Value, len(m.Headers))
	for k, v := range m.Headers {
		headers[k] = headerValue(v)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":      structpb.NewStringValue(m.ID),
		"headers": structpb.NewStructValue(&structpb.Struct{Fields: headers}),
		"body":    structpb.NewStringValue(base64.StdEncoding.EncodeToString(m.Body)),
	}}
}

func headerValue(v any) *structpb.Value {
	switch t := v.(type) {
	case time.Time:
		return structpb.NewStringValue(t.Format(time.RFC3339Nano))
	case fmt.Stringer:
		return structpb.NewStringValue(t.String())
	}
	if out, err := structpb.NewValue(v); err == nil {
		return out
	}
	return structpb.NewStringValue(fmt.Sprint(v))
}

func structToMessage(s *structpb.Struct) (*Message, error) {
	if s == nil {
		return nil, fmt.Errorf("missing message")
	}
	f := s.GetFields()
	body, err := base64.StdEncoding.DecodeString(f["body"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("decode message body: %w", err)
	}
	m := &Message{ID: f["id"].GetStringValue(), Headers: map[string]any{}, Body: body}
	if h := f["headers"].GetStructValue(); h != nil {
		m.Headers = h.AsMap()
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return m, nil
}

// request builds the envelope of Send, Consume, Marshal and Unmarshal calls.
func request(key, value string, msg *Message) *structpb.Struct {
	out := &structpb.Struct{Fields: map[string]*structpb.Value{key: structpb.NewStringValue(value)}}
	if msg != nil {
		out.Fields["message"] = structpb.NewStructValue(messageToStruct(msg))
	}
	return out
}

// Description is what a plugin reports from Describe.
type Description struct {
	Protocol   string
	Components []string
	Codecs     []string
}

func (d Description) toStruct() *structpb.Struct {
	list := func(items []string) *structpb.Value {
		values := make([]*structpb.Value, 0, len(items))
		for _, s := range items {
			values = append(values, structpb.NewStringValue(s))
		}
		return structpb.NewListValue(&structpb.ListValue{Values: values})
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"protocol":   structpb.NewStringValue(d.Protocol),
		"components": list(d.Components),
		"codecs":     list(d.Codecs),
	}}
}

func descriptionFromStruct(s *structpb.Struct) Description {
	list := func(v *structpb.Value) []string {
		var out []string
		for _, item := range v.GetListValue().GetValues() {
			out = append(out, item.GetStringValue())
		}
		return out
	}
	f := s.GetFields()
	return Description{
		Protocol:   f["protocol"].GetStringValue(),
		Components: list(f["components"]),
		Codecs:     list(f["codecs"]),
	}
}

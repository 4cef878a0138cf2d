// Package kokoropb is the client contract for the local Kokoro inference
// sidecar, hand-written in the same spirit as elasticpb: a plain Go
// interface and a thin grpc.ClientConn wrapper using a JSON wire codec
// instead of a generated .proto schema.
package kokoropb

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

const codecName = "kokoropb-json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type WarmRequest struct{}
type WarmResponse struct{}

type RenderRequest struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice"`
	Speed float64 `json:"speed"`
}

type RenderResponse struct {
	Audio []byte `json:"audio"`
}

// KokoroClient is the service the Kokoro adapter dials out to.
type KokoroClient interface {
	Warm(ctx context.Context, in *WarmRequest, opts ...grpc.CallOption) (*WarmResponse, error)
	Render(ctx context.Context, in *RenderRequest, opts ...grpc.CallOption) (*RenderResponse, error)
}

type kokoroClient struct {
	cc *grpc.ClientConn
}

func NewKokoroClient(cc *grpc.ClientConn) KokoroClient {
	return &kokoroClient{cc: cc}
}

func (c *kokoroClient) Warm(ctx context.Context, in *WarmRequest, opts ...grpc.CallOption) (*WarmResponse, error) {
	out := new(WarmResponse)
	if err := c.cc.Invoke(ctx, "/kokoro.v1.Kokoro/Warm", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *kokoroClient) Render(ctx context.Context, in *RenderRequest, opts ...grpc.CallOption) (*RenderResponse, error) {
	out := new(RenderResponse)
	if err := c.cc.Invoke(ctx, "/kokoro.v1.Kokoro/Render", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Dial opens a client connection pre-configured to use this package's JSON
// wire codec.
func Dial(target string, dialOpts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts := append([]grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, dialOpts...)
	return grpc.NewClient(target, opts...)
}

// KokoroServer is implemented by the sidecar process.
type KokoroServer interface {
	Warm(ctx context.Context, in *WarmRequest) (*WarmResponse, error)
	Render(ctx context.Context, in *RenderRequest) (*RenderResponse, error)
}

func warmHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(WarmRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KokoroServer).Warm(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/kokoro.v1.Kokoro/Warm"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KokoroServer).Warm(ctx, req.(*WarmRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func renderHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RenderRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KokoroServer).Render(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/kokoro.v1.Kokoro/Render"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KokoroServer).Render(ctx, req.(*RenderRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "kokoro.v1.Kokoro",
	HandlerType: (*KokoroServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Warm", Handler: warmHandler},
		{MethodName: "Render", Handler: renderHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "kokoropb/kokoro.go",
}

func RegisterKokoroServer(s *grpc.Server, impl KokoroServer) {
	s.RegisterService(&ServiceDesc, impl)
}

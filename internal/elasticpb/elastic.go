package elasticpb

import (
	"context"

	"google.golang.org/grpc"
)

// SynthesizeRequest is everything a remote elastic worker needs to render
// one block without consulting the gateway's own state.
type SynthesizeRequest struct {
	Fingerprint string  `json:"fingerprint"`
	ModelSlug   string  `json:"model_slug"`
	VoiceSlug   string  `json:"voice_slug"`
	Text        string  `json:"text"`
	Speed       float64 `json:"speed"`
	Codec       string  `json:"codec"`
}

// SynthesizeResponse mirrors the local worker's result shape closely enough
// that the overflow scanner can build a models.ResultRecord from it
// directly.
type SynthesizeResponse struct {
	AudioBase64 string `json:"audio_base64"`
	DurationMs  int64  `json:"duration_ms"`
	Error       string `json:"error,omitempty"`
}

// SynthesizerClient is the service the overflow scanner dials out to.
type SynthesizerClient interface {
	Synthesize(ctx context.Context, in *SynthesizeRequest, opts ...grpc.CallOption) (*SynthesizeResponse, error)
}

type synthesizerClient struct {
	cc *grpc.ClientConn
}

func NewSynthesizerClient(cc *grpc.ClientConn) SynthesizerClient {
	return &synthesizerClient{cc: cc}
}

func (c *synthesizerClient) Synthesize(ctx context.Context, in *SynthesizeRequest, opts ...grpc.CallOption) (*SynthesizeResponse, error) {
	out := new(SynthesizeResponse)
	if err := c.cc.Invoke(ctx, "/elastic.v1.Synthesizer/Synthesize", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Dial opens a client connection pre-configured to use the JSON wire codec
// this package registers, so callers never have to pass CallContentSubtype
// themselves.
func Dial(target string, dialOpts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts := append([]grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}, dialOpts...)
	return grpc.NewClient(target, opts...)
}

// SynthesizerServer is implemented by the elastic-compute endpoint process.
type SynthesizerServer interface {
	Synthesize(ctx context.Context, in *SynthesizeRequest) (*SynthesizeResponse, error)
}

func synthesizeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(SynthesizeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SynthesizerServer).Synthesize(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/elastic.v1.Synthesizer/Synthesize"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SynthesizerServer).Synthesize(ctx, req.(*SynthesizeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the hand-rolled equivalent of a protoc-generated
// _ServiceDesc: it lets a plain Go struct satisfying SynthesizerServer
// register itself on a *grpc.Server without a .proto file.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "elastic.v1.Synthesizer",
	HandlerType: (*SynthesizerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Synthesize", Handler: synthesizeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "elasticpb/elastic.go",
}

// RegisterSynthesizerServer wires impl onto s using ServiceDesc.
func RegisterSynthesizerServer(s *grpc.Server, impl SynthesizerServer) {
	s.RegisterService(&ServiceDesc, impl)
}

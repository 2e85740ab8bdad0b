package model

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// The inference service speaks google.protobuf.Struct on both sides, so the
// Go side needs no generated stubs for its single RPC.

// #region service-desc
const (
	serviceName   = "faithfulness.v1.ClassifierService"
	predictMethod = "/" + serviceName + "/Predict"
)

// ClassifierServiceClient is the client API of the inference service.
type ClassifierServiceClient interface {
	Predict(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type classifierServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewClassifierServiceClient wraps a connection in the service client API.
func NewClassifierServiceClient(cc grpc.ClientConnInterface) ClassifierServiceClient {
	return &classifierServiceClient{cc: cc}
}

func (c *classifierServiceClient) Predict(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, predictMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ClassifierServer is the server API of the inference service.
type ClassifierServer interface {
	Predict(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// RegisterClassifierServer registers srv on s.
func RegisterClassifierServer(s grpc.ServiceRegistrar, srv ClassifierServer) {
	s.RegisterService(&classifierServiceDesc, srv)
}

func predictHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClassifierServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: predictMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ClassifierServer).Predict(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var classifierServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ClassifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Predict", Handler: predictHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "faithfulness/v1/classifier.proto",
}

// #endregion service-desc

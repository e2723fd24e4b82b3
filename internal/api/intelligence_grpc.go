package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// IntelligenceServiceName is the fully qualified gRPC service name.
const IntelligenceServiceName = "devhops.intelligence.v1.Intelligence"

// intelligenceProtoFile names the descriptor registered for server reflection.
const intelligenceProtoFile = "devhops/intelligence/v1/intelligence.proto"

const (
	methodGetSnapshot    = "GetSnapshot"
	methodListSnapshots  = "ListSnapshots"
	methodResolveAnomaly = "ResolveAnomaly"
	methodRefreshService = "RefreshService"
)

// IntelligenceServer is the read-mostly gRPC surface over published snapshots. Messages are protobuf
// well-known types; payloads are Structs carrying the same JSON shape the HTTP API serves.
type IntelligenceServer interface {
	GetSnapshot(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ListSnapshots(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ResolveAnomaly(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	RefreshService(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// RegisterIntelligenceServer attaches srv to s.
func RegisterIntelligenceServer(s grpc.ServiceRegistrar, srv IntelligenceServer) {
	s.RegisterService(&intelligenceServiceDesc, srv)
}

var intelligenceServiceDesc = grpc.ServiceDesc{
	ServiceName: IntelligenceServiceName,
	HandlerType: (*IntelligenceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: methodGetSnapshot,
			Handler: unaryHandler(methodGetSnapshot, func(srv IntelligenceServer, ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
				return srv.GetSnapshot(ctx, in)
			}),
		},
		{
			MethodName: methodListSnapshots,
			Handler: unaryHandler(methodListSnapshots, func(srv IntelligenceServer, ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error) {
				return srv.ListSnapshots(ctx, in)
			}),
		},
		{
			MethodName: methodResolveAnomaly,
			Handler: unaryHandler(methodResolveAnomaly, func(srv IntelligenceServer, ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
				return srv.ResolveAnomaly(ctx, in)
			}),
		},
		{
			MethodName: methodRefreshService,
			Handler: unaryHandler(methodRefreshService, func(srv IntelligenceServer, ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
				return srv.RefreshService(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: intelligenceProtoFile,
}

func init() {
	fd, err := protodesc.NewFile(intelligenceFileDescriptor(), protoregistry.GlobalFiles)
	if err != nil {
		panic("api: build intelligence descriptor: " + err.Error())
	}
	if err := protoregistry.GlobalFiles.RegisterFile(fd); err != nil {
		panic("api: register intelligence descriptor: " + err.Error())
	}
}

// intelligenceFileDescriptor describes the service over well-known types so reflection clients
// such as grpcurl can list and call it.
func intelligenceFileDescriptor() *descriptorpb.FileDescriptorProto {
	method := func(name, in string) *descriptorpb.MethodDescriptorProto {
		return &descriptorpb.MethodDescriptorProto{
			Name:       proto.String(name),
			InputType:  proto.String(in),
			OutputType: proto.String(".google.protobuf.Struct"),
		}
	}
	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String(intelligenceProtoFile),
		Package: proto.String("devhops.intelligence.v1"),
		Syntax:  proto.String("proto3"),
		Dependency: []string{
			"google/protobuf/empty.proto",
			"google/protobuf/struct.proto",
			"google/protobuf/wrappers.proto",
		},
		Service: []*descriptorpb.ServiceDescriptorProto{{
			Name: proto.String("Intelligence"),
			Method: []*descriptorpb.MethodDescriptorProto{
				method(methodGetSnapshot, ".google.protobuf.StringValue"),
				method(methodListSnapshots, ".google.protobuf.Empty"),
				method(methodResolveAnomaly, ".google.protobuf.StringValue"),
				method(methodRefreshService, ".google.protobuf.StringValue"),
			},
		}},
	}
}

func fullMethod(method string) string {
	return "/" + IntelligenceServiceName + "/" + method
}

func unaryHandler[Req any](method string, call func(IntelligenceServer, context.Context, *Req) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(IntelligenceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(IntelligenceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// IntelligenceClient calls an IntelligenceServer over a client connection.
type IntelligenceClient struct {
	cc grpc.ClientConnInterface
}

// NewIntelligenceClient wraps cc.
func NewIntelligenceClient(cc grpc.ClientConnInterface) *IntelligenceClient {
	return &IntelligenceClient{cc: cc}
}

// GetSnapshot fetches the snapshot of one service.
func (c *IntelligenceClient) GetSnapshot(ctx context.Context, serviceID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(methodGetSnapshot), wrapperspb.String(serviceID), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ListSnapshots fetches every snapshot and the fleet health.
func (c *IntelligenceClient) ListSnapshots(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(methodListSnapshots), &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveAnomaly acknowledges an anomaly.
func (c *IntelligenceClient) ResolveAnomaly(ctx context.Context, anomalyID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(methodResolveAnomaly), wrapperspb.String(anomalyID), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// RefreshService forces an evaluation cycle.
func (c *IntelligenceClient) RefreshService(ctx context.Context, serviceID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(methodRefreshService), wrapperspb.String(serviceID), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

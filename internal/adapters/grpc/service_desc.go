package grpc

import (
	"context"

	grpcpkg "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "fulfillment.v1.OrderService"

const (
	MethodCreateOrder              = "CreateOrder"
	MethodGetOrder                 = "GetOrder"
	MethodGetSaga                  = "GetSaga"
	MethodReplayOrderEvents        = "ReplayOrderEvents"
	MethodReplayByDateRange        = "ReplayByDateRange"
	MethodReplayByStatus           = "ReplayByStatus"
	MethodRecoverMissingEvents     = "RecoverMissingEvents"
	MethodValidateEventConsistency = "ValidateEventConsistency"
	MethodGetReplayJob             = "GetReplayJob"
)

// OrderServiceServer is the server API. Requests and responses are
// google.protobuf.Struct documents.
type OrderServiceServer interface {
	CreateOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetOrder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetSaga(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReplayOrderEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReplayByDateRange(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReplayByStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecoverMissingEvents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ValidateEventConsistency(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetReplayJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(OrderServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, call unaryMethod) grpcpkg.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpcpkg.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(OrderServiceServer), ctx, in)
			}
			info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(OrderServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// OrderServiceDesc describes the service for registration.
var OrderServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpcpkg.MethodDesc{
		unaryHandler(MethodCreateOrder, OrderServiceServer.CreateOrder),
		unaryHandler(MethodGetOrder, OrderServiceServer.GetOrder),
		unaryHandler(MethodGetSaga, OrderServiceServer.GetSaga),
		unaryHandler(MethodReplayOrderEvents, OrderServiceServer.ReplayOrderEvents),
		unaryHandler(MethodReplayByDateRange, OrderServiceServer.ReplayByDateRange),
		unaryHandler(MethodReplayByStatus, OrderServiceServer.ReplayByStatus),
		unaryHandler(MethodRecoverMissingEvents, OrderServiceServer.RecoverMissingEvents),
		unaryHandler(MethodValidateEventConsistency, OrderServiceServer.ValidateEventConsistency),
		unaryHandler(MethodGetReplayJob, OrderServiceServer.GetReplayJob),
	},
	Metadata: "fulfillment/v1/order_service.proto",
}

// RegisterOrderServiceServer registers srv on s.
func RegisterOrderServiceServer(s grpcpkg.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&OrderServiceDesc, srv)
}

// OrderServiceClient calls a remote OrderService.
type OrderServiceClient struct {
	cc grpcpkg.ClientConnInterface
}

// NewOrderServiceClient constructs a client over cc.
func NewOrderServiceClient(cc grpcpkg.ClientConnInterface) *OrderServiceClient {
	return &OrderServiceClient{cc: cc}
}

// Call invokes method with in and returns the response document.
func (c *OrderServiceClient) Call(ctx context.Context, method string, in *structpb.Struct, opts ...grpcpkg.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

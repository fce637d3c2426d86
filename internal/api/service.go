package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "mirador.responder.v1.IncidentEngine"

const (
	MethodSubmitEvent           = "/" + ServiceName + "/SubmitEvent"
	MethodGetIncident           = "/" + ServiceName + "/GetIncident"
	MethodListResourceIncidents = "/" + ServiceName + "/ListResourceIncidents"
	MethodHealthCheck           = "/" + ServiceName + "/HealthCheck"
)

// IncidentEngineServer is the server API of the IncidentEngine service.
// Requests and responses are JSON-shaped google.protobuf.Struct documents.
type IncidentEngineServer interface {
	SubmitEvent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetIncident(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListResourceIncidents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	HealthCheck(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// UnimplementedIncidentEngineServer can be embedded for forward compatibility.
type UnimplementedIncidentEngineServer struct{}

func (UnimplementedIncidentEngineServer) SubmitEvent(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method SubmitEvent not implemented")
}

func (UnimplementedIncidentEngineServer) GetIncident(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetIncident not implemented")
}

func (UnimplementedIncidentEngineServer) ListResourceIncidents(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method ListResourceIncidents not implemented")
}

func (UnimplementedIncidentEngineServer) HealthCheck(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method HealthCheck not implemented")
}

// RegisterIncidentEngineServer attaches srv to s.
func RegisterIncidentEngineServer(s grpc.ServiceRegistrar, srv IncidentEngineServer) {
	s.RegisterService(&IncidentEngineServiceDesc, srv)
}

// IncidentEngineServiceDesc describes the IncidentEngine service for grpc.Server.
var IncidentEngineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IncidentEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitEvent", Handler: unaryHandler(MethodSubmitEvent, IncidentEngineServer.SubmitEvent)},
		{MethodName: "GetIncident", Handler: unaryHandler(MethodGetIncident, IncidentEngineServer.GetIncident)},
		{MethodName: "ListResourceIncidents", Handler: unaryHandler(MethodListResourceIncidents, IncidentEngineServer.ListResourceIncidents)},
		{MethodName: "HealthCheck", Handler: unaryHandler(MethodHealthCheck, IncidentEngineServer.HealthCheck)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mirador/responder/v1/incident_engine.proto",
}

type unaryMethod func(IncidentEngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		server := srv.(IncidentEngineServer)
		if interceptor == nil {
			return call(server, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(server, ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// IncidentEngineClient is the client API of the IncidentEngine service.
type IncidentEngineClient struct {
	cc grpc.ClientConnInterface
}

// NewIncidentEngineClient wraps a client connection.
func NewIncidentEngineClient(cc grpc.ClientConnInterface) *IncidentEngineClient {
	return &IncidentEngineClient{cc: cc}
}

func (c *IncidentEngineClient) SubmitEvent(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodSubmitEvent, in, opts...)
}

func (c *IncidentEngineClient) GetIncident(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodGetIncident, in, opts...)
}

func (c *IncidentEngineClient) ListResourceIncidents(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodListResourceIncidents, in, opts...)
}

func (c *IncidentEngineClient) HealthCheck(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, MethodHealthCheck, in, opts...)
}

func (c *IncidentEngineClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

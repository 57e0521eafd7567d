package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "appointments.v1.AdmissionService"

// AdmissionServiceServer is the server side of appointments.v1.AdmissionService.
// Messages are google.protobuf.Struct so the service needs no generated code.
type AdmissionServiceServer interface {
	RequestAdmission(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CancelAppointment(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
	GetAppointment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var AdmissionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AdmissionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestAdmission", Handler: unaryHandler("RequestAdmission", callRequestAdmission)},
		{MethodName: "CancelAppointment", Handler: unaryHandler("CancelAppointment", callCancelAppointment)},
		{MethodName: "GetAppointment", Handler: unaryHandler("GetAppointment", callGetAppointment)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "appointments/v1/admission.proto",
}

func callRequestAdmission(s AdmissionServiceServer, ctx context.Context, req *structpb.Struct) (any, error) {
	return s.RequestAdmission(ctx, req)
}

func callCancelAppointment(s AdmissionServiceServer, ctx context.Context, req *structpb.Struct) (any, error) {
	return s.CancelAppointment(ctx, req)
}

func callGetAppointment(s AdmissionServiceServer, ctx context.Context, req *structpb.Struct) (any, error) {
	return s.GetAppointment(ctx, req)
}

func RegisterAdmissionServiceServer(s grpc.ServiceRegistrar, srv AdmissionServiceServer) {
	s.RegisterService(&AdmissionServiceDesc, srv)
}

func unaryHandler(method string, call func(AdmissionServiceServer, context.Context, *structpb.Struct) (any, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AdmissionServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AdmissionServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// AdmissionServiceClient calls appointments.v1.AdmissionService over a client connection.
type AdmissionServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewAdmissionServiceClient(cc grpc.ClientConnInterface) *AdmissionServiceClient {
	return &AdmissionServiceClient{cc: cc}
}

func (c *AdmissionServiceClient) RequestAdmission(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/RequestAdmission", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdmissionServiceClient) CancelAppointment(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/CancelAppointment", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AdmissionServiceClient) GetAppointment(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/GetAppointment", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Package approvalsv1 defines the approvals.v1.ApprovalService gRPC
// contract. Requests and responses are google.protobuf.Struct messages
// carrying the same JSON documents the HTTP API accepts and returns.
package approvalsv1

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "approvals.v1.ApprovalService"

const (
	SubmitForApprovalFullMethod = "/" + ServiceName + "/SubmitForApproval"
	TakeActionFullMethod        = "/" + ServiceName + "/TakeAction"
	CancelWorkflowFullMethod    = "/" + ServiceName + "/CancelWorkflow"
	BypassWorkflowFullMethod    = "/" + ServiceName + "/BypassWorkflow"
	GetWorkflowStatusFullMethod = "/" + ServiceName + "/GetWorkflowStatus"
)

// ApprovalServiceServer is the server API for ApprovalService.
type ApprovalServiceServer interface {
	SubmitForApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TakeAction(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelWorkflow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	BypassWorkflow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetWorkflowStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterApprovalServiceServer registers srv on s.
func RegisterApprovalServiceServer(s grpc.ServiceRegistrar, srv ApprovalServiceServer) {
	s.RegisterService(&ApprovalService_ServiceDesc, srv)
}

type serverMethod func(ApprovalServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call serverMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ApprovalServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ApprovalServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ApprovalService_ServiceDesc is the grpc.ServiceDesc for ApprovalService.
var ApprovalService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ApprovalServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SubmitForApproval",
			Handler:    unaryHandler(SubmitForApprovalFullMethod, ApprovalServiceServer.SubmitForApproval),
		},
		{
			MethodName: "TakeAction",
			Handler:    unaryHandler(TakeActionFullMethod, ApprovalServiceServer.TakeAction),
		},
		{
			MethodName: "CancelWorkflow",
			Handler:    unaryHandler(CancelWorkflowFullMethod, ApprovalServiceServer.CancelWorkflow),
		},
		{
			MethodName: "BypassWorkflow",
			Handler:    unaryHandler(BypassWorkflowFullMethod, ApprovalServiceServer.BypassWorkflow),
		},
		{
			MethodName: "GetWorkflowStatus",
			Handler:    unaryHandler(GetWorkflowStatusFullMethod, ApprovalServiceServer.GetWorkflowStatus),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "approvals/v1/approvals.proto",
}

// ApprovalServiceClient is the client API for ApprovalService.
type ApprovalServiceClient interface {
	SubmitForApproval(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	TakeAction(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	CancelWorkflow(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	BypassWorkflow(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetWorkflowStatus(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type approvalServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewApprovalServiceClient(cc grpc.ClientConnInterface) ApprovalServiceClient {
	return &approvalServiceClient{cc}
}

func (c *approvalServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts []grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *approvalServiceClient) SubmitForApproval(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, SubmitForApprovalFullMethod, in, opts)
}

func (c *approvalServiceClient) TakeAction(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, TakeActionFullMethod, in, opts)
}

func (c *approvalServiceClient) CancelWorkflow(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, CancelWorkflowFullMethod, in, opts)
}

func (c *approvalServiceClient) BypassWorkflow(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, BypassWorkflowFullMethod, in, opts)
}

func (c *approvalServiceClient) GetWorkflowStatus(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, GetWorkflowStatusFullMethod, in, opts)
}

// Encode converts a JSON-serialisable value into a Struct. Integers above
// 2^53 do not survive the conversion.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return out, nil
}

// Decode fills v from a Struct.
func Decode(in *structpb.Struct, v any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}

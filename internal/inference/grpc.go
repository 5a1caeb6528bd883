package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// gRPC wire names. Requests and replies are google.protobuf.Struct
// messages: {task, prompt, schema} in, {result} out.
const (
	grpcServiceName = "pact.inference.v1.Inference"
	grpcInferMethod = "/" + grpcServiceName + "/Infer"
)

// InferenceServer is the server side of the gRPC inference service.
type InferenceServer interface {
	Infer(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func inferHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InferenceServer).Infer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: grpcInferMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InferenceServer).Infer(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var inferenceServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*InferenceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Infer", Handler: inferHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pact/inference/v1/inference.proto",
}

// RegisterInferenceServer registers srv on s.
func RegisterInferenceServer(s grpc.ServiceRegistrar, srv InferenceServer) {
	s.RegisterService(&inferenceServiceDesc, srv)
}

// GRPCService calls a remote inference service over gRPC.
type GRPCService struct {
	conn  grpc.ClientConnInterface
	owned *grpc.ClientConn
}

// DialGRPC connects to addr without transport security; the service is
// expected on a local or sidecar address. Extra options are appended.
func DialGRPC(addr string, opts ...grpc.DialOption) (*GRPCService, error) {
	if addr == "" {
		return nil, errors.New("grpc inference address is required")
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial inference service: %w", err)
	}
	return &GRPCService{conn: conn, owned: conn}, nil
}

// NewGRPCService wraps an existing connection.
func NewGRPCService(conn grpc.ClientConnInterface) *GRPCService {
	return &GRPCService{conn: conn}
}

// Name implements Service.
func (s *GRPCService) Name() string { return "grpc" }

// Infer implements Service.
func (s *GRPCService) Infer(ctx context.Context, req Request) (json.RawMessage, error) {
	in, err := structpb.NewStruct(map[string]any{
		"task":   string(req.Task),
		"prompt": req.Prompt,
		"schema": string(req.Schema),
	})
	if err != nil {
		return nil, Fail(FailureInternal, false, err)
	}

	out := new(structpb.Struct)
	if err := s.conn.Invoke(ctx, grpcInferMethod, in, out); err != nil {
		return nil, failureFromStatus(err)
	}

	result, ok := out.GetFields()["result"]
	if !ok {
		return nil, Fail(FailureInvalidResponse, true, errors.New("reply has no result field"))
	}
	raw, err := json.Marshal(result.AsInterface())
	if err != nil {
		return nil, Fail(FailureInvalidResponse, true, err)
	}
	return raw, nil
}

// Close releases a connection opened by DialGRPC.
func (s *GRPCService) Close() error {
	if s.owned == nil {
		return nil
	}
	return s.owned.Close()
}

func failureFromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return Fail(FailureInternal, false, err)
	}
	switch st.Code() {
	case codes.DeadlineExceeded:
		return Fail(FailureTimeout, true, err)
	case codes.ResourceExhausted:
		return Fail(FailureRateLimited, true, err)
	case codes.Unavailable, codes.Aborted:
		return Fail(FailureUnavailable, true, err)
	case codes.Canceled:
		return Fail(FailureInternal, false, context.Canceled)
	case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied, codes.Unauthenticated:
		return Fail(FailureRejected, false, err)
	default:
		return Fail(FailureInternal, false, err)
	}
}

// ServiceServer exposes any Service over gRPC.
type ServiceServer struct {
	svc Service
}

// NewServiceServer wraps svc for RegisterInferenceServer.
func NewServiceServer(svc Service) *ServiceServer { return &ServiceServer{svc: svc} }

// Infer implements InferenceServer.
func (s *ServiceServer) Infer(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	req := Request{
		Task:   Task(fields["task"].GetStringValue()),
		Prompt: fields["prompt"].GetStringValue(),
		Schema: json.RawMessage(fields["schema"].GetStringValue()),
	}
	raw, err := s.svc.Infer(ctx, req)
	if err != nil {
		return nil, statusFromFailure(err)
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, status.Error(codes.Internal, "backend returned invalid JSON")
	}
	result, err := structpb.NewValue(decoded)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{"result": result}}, nil
}

func statusFromFailure(err error) error {
	switch KindOf(err) {
	case FailureTimeout:
		return status.Error(codes.DeadlineExceeded, err.Error())
	case FailureRateLimited:
		return status.Error(codes.ResourceExhausted, err.Error())
	case FailureUnavailable:
		return status.Error(codes.Unavailable, err.Error())
	case FailureRejected:
		return status.Error(codes.InvalidArgument, err.Error())
	case FailureInvalidResponse:
		return status.Error(codes.Aborted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

package shared

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "geniusrise.plugin.Runtime"

// Messages travel as google.protobuf.Struct so no generated code is needed on
// either side of the plugin boundary.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func unaryHandler[Req, Resp any](method string, call func(Runtime, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}

		handle := func(ctx context.Context, req any) (any, error) {
			var r Req
			if err := fromStruct(req.(*structpb.Struct), &r); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "invalid %s request: %v", method, err)
			}
			resp, err := call(srv.(Runtime), ctx, &r)
			if err != nil {
				return nil, err
			}
			return toStruct(resp)
		}

		if interceptor == nil {
			return handle(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		return interceptor(ctx, in, info, handle)
	}
}

var runtimeServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Runtime)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Load", Handler: unaryHandler("Load", Runtime.Load)},
		{MethodName: "Generate", Handler: unaryHandler("Generate", Runtime.Generate)},
		{MethodName: "Classify", Handler: unaryHandler("Classify", Runtime.Classify)},
		{MethodName: "ClassifyTokens", Handler: unaryHandler("ClassifyTokens", Runtime.ClassifyTokens)},
		{MethodName: "Embed", Handler: unaryHandler("Embed", Runtime.Embed)},
		{MethodName: "Train", Handler: unaryHandler("Train", Runtime.Train)},
		{MethodName: "Evaluate", Handler: unaryHandler("Evaluate", Runtime.Evaluate)},
		{MethodName: "Save", Handler: unaryHandler("Save", Runtime.Save)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "runtime.proto",
}

func RegisterRuntimeServer(s grpc.ServiceRegistrar, impl Runtime) {
	s.RegisterService(&runtimeServiceDesc, impl)
}

// GRPCClient implements Runtime over a gRPC connection to the plugin.
type GRPCClient struct {
	conn grpc.ClientConnInterface
}

func NewGRPCClient(conn grpc.ClientConnInterface) *GRPCClient {
	return &GRPCClient{conn: conn}
}

func invoke[Req, Resp any](ctx context.Context, conn grpc.ClientConnInterface, method string, req *Req) (*Resp, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, fmt.Errorf("error encoding %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	var resp Resp
	if err := fromStruct(out, &resp); err != nil {
		return nil, fmt.Errorf("error decoding %s response: %w", method, err)
	}
	return &resp, nil
}

func (c *GRPCClient) Load(ctx context.Context, req *LoadRequest) (*LoadResponse, error) {
	return invoke[LoadRequest, LoadResponse](ctx, c.conn, "Load", req)
}

func (c *GRPCClient) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	return invoke[GenerateRequest, GenerateResponse](ctx, c.conn, "Generate", req)
}

func (c *GRPCClient) Classify(ctx context.Context, req *BatchRequest) (*ClassifyResponse, error) {
	return invoke[BatchRequest, ClassifyResponse](ctx, c.conn, "Classify", req)
}

func (c *GRPCClient) ClassifyTokens(ctx context.Context, req *BatchRequest) (*ClassifyTokensResponse, error) {
	return invoke[BatchRequest, ClassifyTokensResponse](ctx, c.conn, "ClassifyTokens", req)
}

func (c *GRPCClient) Embed(ctx context.Context, req *BatchRequest) (*EmbedResponse, error) {
	return invoke[BatchRequest, EmbedResponse](ctx, c.conn, "Embed", req)
}

func (c *GRPCClient) Train(ctx context.Context, req *TrainRequest) (*Empty, error) {
	return invoke[TrainRequest, Empty](ctx, c.conn, "Train", req)
}

func (c *GRPCClient) Evaluate(ctx context.Context, req *EvaluateRequest) (*EvaluateResponse, error) {
	return invoke[EvaluateRequest, EvaluateResponse](ctx, c.conn, "Evaluate", req)
}

func (c *GRPCClient) Save(ctx context.Context, req *SaveRequest) (*Empty, error) {
	return invoke[SaveRequest, Empty](ctx, c.conn, "Save", req)
}

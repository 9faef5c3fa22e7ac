package robot

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName   = "teleop.robot.v1.Motion"
	executeMethod = "/" + serviceName + "/Execute"
)

// MotionServer is the server side of the motion service. Requests and
// responses are protobuf Structs so no generated code is needed.
type MotionServer interface {
	Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func executeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MotionServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: executeMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(MotionServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var motionServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*MotionServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Execute",
			Handler:    executeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "robot/v1/motion.proto",
}

// RegisterMotionServer registers srv on s.
func RegisterMotionServer(s grpc.ServiceRegistrar, srv MotionServer) {
	s.RegisterService(&motionServiceDesc, srv)
}

// GRPCMotion is a Motion backed by a remote motion service.
type GRPCMotion struct {
	conn    *grpc.ClientConn
	logger  *zap.Logger
	timeout time.Duration
}

// DialMotion creates a client for the motion service at target. The
// connection is established lazily on first call.
func DialMotion(target string, timeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) (*GRPCMotion, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create motion client for %s: %w", target, err)
	}

	logger.Info("Motion service client created", zap.String("target", target))
	return &GRPCMotion{conn: conn, logger: logger, timeout: timeout}, nil
}

func (m *GRPCMotion) Execute(ctx context.Context, cmd Command) (Result, error) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	req, err := encodeCommand(cmd)
	if err != nil {
		return Result{}, err
	}

	resp := new(structpb.Struct)
	if err := m.conn.Invoke(ctx, executeMethod, req, resp); err != nil {
		return Result{}, fmt.Errorf("motion service %s: %w", cmd.Action, err)
	}
	return decodeResult(resp), nil
}

// Close releases the connection.
func (m *GRPCMotion) Close() error {
	m.logger.Info("Closing motion service connection")
	return m.conn.Close()
}

func encodeCommand(cmd Command) (*structpb.Struct, error) {
	params := make(map[string]interface{}, len(cmd.Parameters))
	for k, v := range cmd.Parameters {
		params[k] = v
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"id":         cmd.ID,
		"action":     cmd.Action,
		"origin":     cmd.Origin,
		"parameters": params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s command: %w", cmd.Action, err)
	}
	return req, nil
}

func decodeCommand(req *structpb.Struct) Command {
	fields := req.GetFields()
	cmd := Command{
		ID:     fields["id"].GetStringValue(),
		Action: fields["action"].GetStringValue(),
		Origin: fields["origin"].GetStringValue(),
	}
	if p := fields["parameters"].GetStructValue(); p != nil {
		cmd.Parameters = p.AsMap()
	}
	return cmd
}

func encodeResult(res Result) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"accepted": structpb.NewBoolValue(res.Accepted),
		"message":  structpb.NewStringValue(res.Message),
	}}
}

func decodeResult(resp *structpb.Struct) Result {
	fields := resp.GetFields()
	return Result{
		Accepted: fields["accepted"].GetBoolValue(),
		Message:  fields["message"].GetStringValue(),
	}
}

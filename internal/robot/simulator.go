package robot

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// SimState is the simulated robot's motion state.
type SimState struct {
	Mode       string         `json:"mode"`
	Action     string         `json:"action,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Executed   uint64         `json:"executed"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

const (
	modeIdle    = "idle"
	modeMoving  = "moving"
	modePattern = "pattern"
	modeHalted  = "halted"
)

// Simulator is a Motion that tracks what a robot would be doing. After an
// emergency stop it refuses motion until a plain stop resets it.
type Simulator struct {
	logger *zap.Logger

	mu    sync.Mutex
	state SimState
}

func NewSimulator(logger *zap.Logger) *Simulator {
	return &Simulator{
		logger: logger,
		state:  SimState{Mode: modeIdle, UpdatedAt: time.Now()},
	}
}

func (s *Simulator) Execute(ctx context.Context, cmd Command) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.state.Executed++
	s.state.UpdatedAt = time.Now()

	switch cmd.Action {
	case "emergency_stop":
		s.state.Mode = modeHalted
		s.state.Action = cmd.Action
		s.state.Parameters = nil
		s.logger.Warn("Simulated robot halted", zap.String("command_id", cmd.ID), zap.String("origin", cmd.Origin))
		return Result{Accepted: true, Message: "robot halted"}, nil

	case "stop", "stop_pattern":
		s.state.Mode = modeIdle
		s.state.Action = cmd.Action
		s.state.Parameters = nil
		return Result{Accepted: true, Message: "robot stopped"}, nil
	}

	if s.state.Mode == modeHalted {
		return Result{Accepted: false, Message: "robot halted by emergency stop, send stop to reset"}, nil
	}

	switch cmd.Action {
	case "forward", "backward", "left", "right":
		s.state.Mode = modeMoving
	default:
		s.state.Mode = modePattern
	}
	s.state.Action = cmd.Action
	s.state.Parameters = cmd.Parameters

	s.logger.Info("Simulated robot command",
		zap.String("command_id", cmd.ID),
		zap.String("action", cmd.Action),
		zap.Any("parameters", cmd.Parameters))

	return Result{Accepted: true, Message: fmt.Sprintf("%s started", cmd.Action)}, nil
}

func (s *Simulator) State() SimState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Register exposes the simulator as a motion service on g.
func (s *Simulator) Register(g grpc.ServiceRegistrar) {
	RegisterMotionServer(g, &simServer{sim: s})
}

// Serve runs a gRPC motion service on addr until ctx is done.
func (s *Simulator) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	server := grpc.NewServer()
	s.Register(server)

	go func() {
		<-ctx.Done()
		server.GracefulStop()
	}()

	s.logger.Info("Robot simulator listening", zap.String("address", lis.Addr().String()))
	if err := server.Serve(lis); err != nil {
		return fmt.Errorf("robot simulator: %w", err)
	}
	return nil
}

type simServer struct {
	sim *Simulator
}

func (s *simServer) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.sim.Execute(ctx, decodeCommand(req))
	if err != nil {
		return nil, err
	}
	return encodeResult(res), nil
}

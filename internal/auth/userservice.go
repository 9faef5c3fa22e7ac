package auth

import (
	"context"
	"fmt"
	"time"

	userservice "github.com/haqury/user-service/pkg/gen"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"teleop-gateway/internal/config"
	"teleop-gateway/internal/session"
)

// tokenValidator is the part of the user-service client the verifier needs.
type tokenValidator interface {
	ValidateToken(ctx context.Context, in *userservice.ValidateTokenRequest, opts ...grpc.CallOption) (*userservice.ValidateTokenResponse, error)
}

// UserServiceVerifier delegates token checks to the user service. Users named
// in the controllers list get the controller role, everyone else views.
type UserServiceVerifier struct {
	conn        *grpc.ClientConn
	client      tokenValidator
	logger      *zap.Logger
	cfg         config.UserService
	controllers map[string]bool
}

func NewUserServiceVerifier(cfg config.UserService, logger *zap.Logger) (*UserServiceVerifier, error) {
	address := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(4*1024*1024)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user-service client for %s: %w", address, err)
	}

	logger.Info("User-service client created", zap.String("address", address))
	v := newUserServiceVerifier(userservice.NewUserServiceClient(conn), cfg, logger)
	v.conn = conn
	return v, nil
}

func newUserServiceVerifier(client tokenValidator, cfg config.UserService, logger *zap.Logger) *UserServiceVerifier {
	v := &UserServiceVerifier{
		client:      client,
		logger:      logger,
		cfg:         cfg,
		controllers: make(map[string]bool, len(cfg.Controllers)),
	}
	for _, c := range cfg.Controllers {
		v.controllers[c] = true
	}
	return v
}

func (v *UserServiceVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, unauthorized("missing token")
	}

	resp, err := v.validateWithRetry(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	if !resp.GetValid() || resp.GetUser() == nil {
		return Identity{}, unauthorized("token rejected by user service")
	}

	user := resp.GetUser()
	if st := user.GetStatus(); st != "" && st != "active" {
		return Identity{}, unauthorized("user %s is %s", user.GetUsername(), st)
	}

	id := Identity{Subject: user.GetId(), Role: session.RoleViewer}
	if id.Subject == "" {
		id.Subject = user.GetUsername()
	}
	if v.controllers[user.GetId()] || v.controllers[user.GetUsername()] {
		id.Role = session.RoleController
	}
	return id, nil
}

// validateWithRetry retries only while the user service is unreachable.
func (v *UserServiceVerifier) validateWithRetry(ctx context.Context, token string) (*userservice.ValidateTokenResponse, error) {
	attempts := v.cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		resp, err := v.validate(ctx, token)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		switch status.Code(err) {
		case codes.Unavailable, codes.DeadlineExceeded:
		default:
			return nil, unauthorized("token validation failed: %v", status.Convert(err).Message())
		}

		v.logger.Warn("User service unavailable, retrying",
			zap.Int("attempt", i+1),
			zap.Error(err))

		if i < attempts-1 {
			select {
			case <-time.After(v.cfg.RetryDelay):
			case <-ctx.Done():
				return nil, unauthorized("token validation canceled")
			}
		}
	}
	return nil, unauthorized("user service unreachable after %d attempts: %v", attempts, lastErr)
}

func (v *UserServiceVerifier) validate(ctx context.Context, token string) (*userservice.ValidateTokenResponse, error) {
	if v.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.cfg.RequestTimeout)
		defer cancel()
	}
	return v.client.ValidateToken(ctx, &userservice.ValidateTokenRequest{Token: token})
}

// Close releases the connection.
func (v *UserServiceVerifier) Close() error {
	if v.conn != nil {
		v.logger.Info("Closing user-service connection")
		return v.conn.Close()
	}
	return nil
}

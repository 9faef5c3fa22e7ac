// Package auth turns bearer tokens into identities carrying a role claim.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"teleop-gateway/internal/config"
	"teleop-gateway/internal/protocol"
	"teleop-gateway/internal/session"
)

// Identity is who a token belongs to and the highest role it grants.
type Identity struct {
	Subject string
	Role    session.Role
}

// Verifier checks a token with an identity provider.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Permits reports whether id may register with the requested role. A
// controller claim covers viewing as well.
func Permits(id Identity, requested session.Role) bool {
	switch id.Role {
	case session.RoleController:
		return requested == session.RoleController || requested == session.RoleViewer
	case session.RoleViewer:
		return requested == session.RoleViewer
	}
	return false
}

// Authorize verifies token and checks it grants role.
func Authorize(ctx context.Context, v Verifier, token string, role session.Role) (Identity, error) {
	id, err := v.Verify(ctx, token)
	if err != nil {
		return Identity{}, err
	}
	if !Permits(id, role) {
		return Identity{}, protocol.Errorf(protocol.KindUnauthorized, "%s may not act as %s", id.Subject, role)
	}
	return id, nil
}

// BearerToken extracts a token from the Authorization header or, for
// browsers that cannot set headers on a websocket, the token query parameter.
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
			return strings.TrimSpace(h[7:])
		}
	}
	return r.URL.Query().Get("token")
}

// New builds the verifier selected by cfg.Provider.
func New(cfg config.Auth, logger *zap.Logger) (Verifier, error) {
	switch cfg.Provider {
	case "", "none":
		logger.Warn("Authentication disabled, every token is accepted as controller")
		return AllowAll{}, nil
	case "static":
		return NewStaticVerifier(cfg.Static)
	case "jwt":
		return NewJWTVerifier(cfg.JWT)
	case "user_service":
		return NewUserServiceVerifier(cfg.UserService, logger)
	}
	return nil, fmt.Errorf("unknown auth provider %q", cfg.Provider)
}

// AllowAll accepts any token with the controller role.
type AllowAll struct{}

func (AllowAll) Verify(_ context.Context, token string) (Identity, error) {
	subject := token
	if subject == "" {
		subject = "anonymous"
	}
	return Identity{Subject: subject, Role: session.RoleController}, nil
}

func unauthorized(format string, args ...any) error {
	return protocol.Errorf(protocol.KindUnauthorized, format, args...)
}

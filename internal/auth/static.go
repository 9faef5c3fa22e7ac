package auth

import (
	"context"
	"crypto/subtle"
	"fmt"

	"teleop-gateway/internal/config"
	"teleop-gateway/internal/session"
)

// StaticVerifier checks tokens against a fixed list from the config file.
type StaticVerifier struct {
	tokens []staticEntry
}

type staticEntry struct {
	token []byte
	id    Identity
}

func NewStaticVerifier(tokens []config.StaticToken) (*StaticVerifier, error) {
	v := &StaticVerifier{}
	for i, t := range tokens {
		role, err := session.ParseRole(t.Role)
		if err != nil {
			return nil, fmt.Errorf("static token %d: %w", i, err)
		}
		if t.Token == "" {
			return nil, fmt.Errorf("static token %d: empty token", i)
		}
		v.tokens = append(v.tokens, staticEntry{
			token: []byte(t.Token),
			id:    Identity{Subject: t.Subject, Role: role},
		})
	}
	return v, nil
}

func (v *StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, unauthorized("missing token")
	}
	for _, e := range v.tokens {
		if subtle.ConstantTimeCompare(e.token, []byte(token)) == 1 {
			return e.id, nil
		}
	}
	return Identity{}, unauthorized("unknown token")
}

package auth

import (
	"context"
	"crypto/subtle"
	"errors"

	"go.miragespace.co/conclave/spec/membership"
	"go.miragespace.co/conclave/spec/protocol"
)

// AllowAll admits every candidate.
type AllowAll struct{}

var _ membership.Authenticator = AllowAll{}

func (AllowAll) Validate(context.Context, *protocol.Member, []byte) error {
	return nil
}

// SharedSecret admits candidates presenting the configured secret.
type SharedSecret struct {
	secret []byte
}

var _ membership.Authenticator = (*SharedSecret)(nil)

func NewSharedSecret(secret []byte) (*SharedSecret, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty shared secret")
	}
	return &SharedSecret{secret: append([]byte(nil), secret...)}, nil
}

func (s *SharedSecret) Validate(ctx context.Context, candidate *protocol.Member, credentials []byte) error {
	if credentials == nil {
		return membership.ErrAuthenticationFailed
	}
	if subtle.ConstantTimeCompare(s.secret, credentials) != 1 {
		return membership.ErrAuthenticationFailed
	}
	return nil
}

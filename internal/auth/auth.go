// Package auth resolves credential tokens to user identities and tracks
// account revocation (blocked or deleted accounts). Token minting lives in
// the platform's account service; this package only verifies.
package auth

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/doebem/chat-service/internal/apperr"
)

// Resolver turns a credential token into a user identity, or an unauthorized
// error for invalid, expired, or revoked credentials.
type Resolver interface {
	Resolve(ctx context.Context, token string) (uuid.UUID, error)
}

// JWTResolver verifies HS256 tokens whose subject is the user id, then checks
// the revocation store so blocked or deleted accounts cannot reconnect.
type JWTResolver struct {
	secret  []byte
	revoked *RevocationStore
}

// NewJWTResolver creates a resolver with the shared signing secret. The
// revocation store may be nil, in which case only signature and claims are
// checked.
func NewJWTResolver(secret []byte, revoked *RevocationStore) *JWTResolver {
	return &JWTResolver{secret: secret, revoked: revoked}
}

// Resolve implements Resolver.
func (r *JWTResolver) Resolve(ctx context.Context, token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, apperr.Unauthorized("missing credential token")
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return uuid.Nil, apperr.Wrap(apperr.CodeUnauthorized, "invalid credential token", err)
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return uuid.Nil, apperr.Unauthorized("credential token has no subject")
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, apperr.Unauthorized("credential token subject is not a user id")
	}

	if r.revoked != nil {
		status, err := r.revoked.Status(ctx, userID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("auth: revocation check: %w", err)
		}
		if status != nil {
			return uuid.Nil, apperr.Unauthorized("account " + string(status.Kind))
		}
	}
	return userID, nil
}

// MintToken signs a token for the given user. It exists for local bring-up
// and tests; production tokens come from the account service.
func MintToken(secret []byte, userID uuid.UUID) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID.String(),
	})
	return t.SignedString(secret)
}

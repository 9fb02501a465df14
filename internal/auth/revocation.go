// Revocation records are stored in Redis as simple key-value pairs:
//
//	Key:   revoked:<user_id>
//	Value: <kind>|<reason>
//
// A record exists for exactly as long as the account stays blocked or
// deleted; clearing the key restores access.
package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RevokedPrefix is the Redis key prefix for revocation records.
const RevokedPrefix = "revoked:"

// Kind distinguishes the two terminal account states.
type Kind string

const (
	KindBlocked Kind = "blocked"
	KindDeleted Kind = "deleted"
)

// Status describes why an account is revoked.
type Status struct {
	Kind   Kind
	Reason string
}

// RevocationStore manages revocation records in Redis.
type RevocationStore struct {
	client *redis.Client
}

// NewRevocationStore creates a store using the provided Redis client.
func NewRevocationStore(client *redis.Client) *RevocationStore {
	return &RevocationStore{client: client}
}

// Revoke marks the account blocked or deleted with a human-readable reason.
func (s *RevocationStore) Revoke(ctx context.Context, userID uuid.UUID, kind Kind, reason string) error {
	key := RevokedPrefix + userID.String()
	return s.client.Set(ctx, key, string(kind)+"|"+reason, 0).Err()
}

// Status returns the revocation record for the user, or nil if the account is
// in good standing.
func (s *RevocationStore) Status(ctx context.Context, userID uuid.UUID) (*Status, error) {
	key := RevokedPrefix + userID.String()
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	kind, reason, _ := strings.Cut(val, "|")
	return &Status{Kind: Kind(kind), Reason: reason}, nil
}

// Clear removes a revocation record, restoring access on the next handshake.
func (s *RevocationStore) Clear(ctx context.Context, userID uuid.UUID) error {
	return s.client.Del(ctx, RevokedPrefix+userID.String()).Err()
}

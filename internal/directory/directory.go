// Package directory exposes the user/center directory collaborator. The
// messaging core only ever reads public identities through this interface;
// account CRUD lives elsewhere on the platform.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/doebem/chat-service/internal/apperr"
)

// Identity is the public profile of a platform user. CenterName is empty for
// donor-role users and set for users that represent a donation center.
type Identity struct {
	UserID     uuid.UUID `json:"user_id"`
	Name       string    `json:"name"`
	AvatarURL  string    `json:"avatar_url,omitempty"`
	CenterName string    `json:"center_name,omitempty"`
}

// IsCenter reports whether this identity represents a donation center.
func (id *Identity) IsCenter() bool {
	return id.CenterName != ""
}

// Directory resolves public identities by user id.
type Directory interface {
	PublicIdentity(ctx context.Context, userID uuid.UUID) (*Identity, error)
}

// PGDirectory reads identities from the platform's users table.
type PGDirectory struct {
	db *sql.DB
}

// NewPGDirectory creates a directory on the given database handle.
func NewPGDirectory(db *sql.DB) *PGDirectory {
	return &PGDirectory{db: db}
}

// PublicIdentity returns the user's public profile, or a not-found error for
// unknown ids.
func (d *PGDirectory) PublicIdentity(ctx context.Context, userID uuid.UUID) (*Identity, error) {
	id := Identity{UserID: userID}
	var avatar, center sql.NullString
	err := d.db.QueryRowContext(ctx,
		`SELECT display_name, avatar_url, center_name FROM users WHERE id = $1`,
		userID,
	).Scan(&id.Name, &avatar, &center)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("directory: lookup user: %w", err)
	}
	id.AvatarURL = avatar.String
	id.CenterName = center.String
	return &id, nil
}

package auth

import (
	"context"
	"errors"
)

// ErrNoIdentity indicates a connection carried no verifiable identity.
var ErrNoIdentity = errors.New("auth: no verified identity")

// Identity is the verified user identity attached to a connection.
type Identity struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Authenticator resolves a connection credential to a verified identity.
// The concrete implementation lives in the external authentication service;
// the session engine only depends on this contract.
type Authenticator interface {
	Resolve(ctx context.Context, credential string) (Identity, error)
}

// Authorizer exposes the capability checks the session engine consults before
// mutating state. Implementations are supplied by the external authorization
// service.
type Authorizer interface {
	CanJoin(ctx context.Context, userID, contentID string) (bool, error)
	CanEdit(ctx context.Context, userID, contentID string) (bool, error)
	CanComment(ctx context.Context, userID, contentID string) (bool, error)
	PermissionLevel(ctx context.Context, userID, contentID string) (string, error)
}

// ProfileLookup resolves avatar and display metadata for broadcast decoration.
type ProfileLookup interface {
	Profile(ctx context.Context, userID string) (Identity, error)
}

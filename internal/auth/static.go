package auth

import (
	"context"
	"strings"
	"sync"
)

// StaticAuthenticator resolves bearer credentials against a fixed table.
// It exists for local deployments and tests; production installs wire a real
// authentication service behind the Authenticator interface.
type StaticAuthenticator struct {
	mu         sync.RWMutex
	identities map[string]Identity
}

// NewStaticAuthenticator builds an authenticator from a credential -> identity table.
func NewStaticAuthenticator(identities map[string]Identity) *StaticAuthenticator {
	table := make(map[string]Identity, len(identities))
	for credential, identity := range identities {
		credential = strings.TrimSpace(credential)
		if credential == "" || identity.UserID == "" {
			continue
		}
		table[credential] = identity
	}
	return &StaticAuthenticator{identities: table}
}

// Resolve looks up the credential, returning ErrNoIdentity when unknown.
func (a *StaticAuthenticator) Resolve(_ context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, ErrNoIdentity
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	identity, ok := a.identities[credential]
	if !ok {
		return Identity{}, ErrNoIdentity
	}
	return identity, nil
}

// Profile resolves a user id back to its identity so broadcast payloads can
// carry display metadata. Returns ErrNoIdentity for unknown users.
func (a *StaticAuthenticator) Profile(_ context.Context, userID string) (Identity, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Identity{}, ErrNoIdentity
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, identity := range a.identities {
		if identity.UserID == userID {
			return identity, nil
		}
	}
	return Identity{}, ErrNoIdentity
}

// StaticAuthorizer grants capabilities from a fixed user -> permission level
// table with a configurable default level. Levels follow the participant
// model: "admin" and "editor" may edit, any known level may join and comment.
type StaticAuthorizer struct {
	mu           sync.RWMutex
	levels       map[string]string
	defaultLevel string
}

// NewStaticAuthorizer builds an authorizer from explicit per-user levels.
// An empty defaultLevel denies users missing from the table.
func NewStaticAuthorizer(levels map[string]string, defaultLevel string) *StaticAuthorizer {
	table := make(map[string]string, len(levels))
	for userID, level := range levels {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			continue
		}
		table[userID] = strings.ToLower(strings.TrimSpace(level))
	}
	return &StaticAuthorizer{
		levels:       table,
		defaultLevel: strings.ToLower(strings.TrimSpace(defaultLevel)),
	}
}

// SetLevel overrides the level for a user. Used by admin permission changes in tests.
func (a *StaticAuthorizer) SetLevel(userID, level string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.levels[strings.TrimSpace(userID)] = strings.ToLower(strings.TrimSpace(level))
}

func (a *StaticAuthorizer) level(userID string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if level, ok := a.levels[strings.TrimSpace(userID)]; ok {
		return level
	}
	return a.defaultLevel
}

// CanJoin reports whether the user holds any permission level.
func (a *StaticAuthorizer) CanJoin(_ context.Context, userID, _ string) (bool, error) {
	return a.level(userID) != "", nil
}

// CanEdit reports whether the user may submit edit operations.
func (a *StaticAuthorizer) CanEdit(_ context.Context, userID, _ string) (bool, error) {
	switch a.level(userID) {
	case "admin", "editor":
		return true, nil
	default:
		return false, nil
	}
}

// CanComment reports whether the user may append comment events.
func (a *StaticAuthorizer) CanComment(_ context.Context, userID, _ string) (bool, error) {
	return a.level(userID) != "", nil
}

// PermissionLevel returns the level assigned to the user, or the default.
func (a *StaticAuthorizer) PermissionLevel(_ context.Context, userID, _ string) (string, error) {
	return a.level(userID), nil
}

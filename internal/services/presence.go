package services

import (
	"context"
	"fmt"
	"time"

	"github.com/syncpad/syncpad/internal/cache"
)

// DefaultHeartbeatWindow is how long a participant stays online without a
// heartbeat. Ninety seconds tolerates two missed 30 second client pings plus
// network jitter.
const DefaultHeartbeatWindow = 90 * time.Second

// PresenceTracker records participant liveness in the shared key-value store.
// TTL mechanics live entirely in the store; callers only mark on and off.
// Presence is advisory display state, never a correctness input for the
// sequencer.
type PresenceTracker struct {
	store  cache.Store
	window time.Duration
}

// NewPresenceTracker builds a tracker over the supplied store. A non-positive
// window falls back to DefaultHeartbeatWindow.
func NewPresenceTracker(store cache.Store, window time.Duration) *PresenceTracker {
	if window <= 0 {
		window = DefaultHeartbeatWindow
	}
	return &PresenceTracker{store: store, window: window}
}

// Window reports the configured heartbeat window.
func (p *PresenceTracker) Window() time.Duration {
	if p == nil {
		return DefaultHeartbeatWindow
	}
	return p.window
}

// MarkOnline records the participant as online for the heartbeat window.
func (p *PresenceTracker) MarkOnline(ctx context.Context, sessionID, userID string) error {
	if p == nil || p.store == nil {
		return nil
	}
	ctx = ensureContext(ctx)
	return p.store.Set(ctx, presenceKey(sessionID, userID), []byte("1"), p.window)
}

// MarkOffline drops the participant's presence key immediately.
func (p *PresenceTracker) MarkOffline(ctx context.Context, sessionID, userID string) error {
	if p == nil || p.store == nil {
		return nil
	}
	ctx = ensureContext(ctx)
	return p.store.Delete(ctx, presenceKey(sessionID, userID))
}

// IsOnline reports whether the participant's presence key is still live.
func (p *PresenceTracker) IsOnline(ctx context.Context, sessionID, userID string) (bool, error) {
	if p == nil || p.store == nil {
		return false, nil
	}
	ctx = ensureContext(ctx)
	_, found, err := p.store.Get(ctx, presenceKey(sessionID, userID))
	if err != nil {
		return false, err
	}
	return found, nil
}

func presenceKey(sessionID, userID string) string {
	return fmt.Sprintf("presence:%s:%s", sessionID, userID)
}

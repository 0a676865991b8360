package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/syncpad/syncpad/internal/auth"
	"github.com/syncpad/syncpad/internal/cache"
	"github.com/syncpad/syncpad/internal/database/testutil"
	"github.com/syncpad/syncpad/internal/models"
)

// testEnv wires the full service graph against an in-memory database so each
// test exercises the same composition the server uses.
type testEnv struct {
	db        *gorm.DB
	authz     *auth.StaticAuthorizer
	presence  *PresenceTracker
	registry  *ParticipantRegistry
	cursors   *CursorTracker
	events    *EventLogService
	lifecycle *SessionLifecycleService
	sequencer *OperationSequencer
	resolver  *ConflictResolver
	locks     *KeyedMutex
}

func newTestEnv(t *testing.T, levels map[string]string) *testEnv {
	t.Helper()

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	authz := auth.NewStaticAuthorizer(levels, "")
	presence := NewPresenceTracker(cache.NewDatabaseStore(db), 0)
	locks := NewKeyedMutex()

	registry, err := NewParticipantRegistry(db, WithRegistryPresence(presence))
	require.NoError(t, err)

	cursors, err := NewCursorTracker(db, registry)
	require.NoError(t, err)

	events, err := NewEventLogService(db, registry, authz)
	require.NoError(t, err)

	lifecycle, err := NewSessionLifecycleService(
		db, registry, authz,
		WithLifecycleLocks(locks),
		WithLifecycleCursorTracker(cursors),
		WithLifecycleEventLog(events),
	)
	require.NoError(t, err)

	sequencer, err := NewOperationSequencer(db, registry, authz, WithSequencerLocks(locks))
	require.NoError(t, err)

	resolver, err := NewConflictResolver(db, registry, authz, WithResolverLocks(locks))
	require.NoError(t, err)

	return &testEnv{
		db:        db,
		authz:     authz,
		presence:  presence,
		registry:  registry,
		cursors:   cursors,
		events:    events,
		lifecycle: lifecycle,
		sequencer: sequencer,
		resolver:  resolver,
		locks:     locks,
	}
}

// activeSession creates a session and joins the listed users, activating it.
func (e *testEnv) activeSession(t *testing.T, owner string, capacity int, joiners ...string) *models.CollabSession {
	t.Helper()

	session, err := e.lifecycle.Create(context.Background(), CreateSessionParams{
		Name:        "Design review",
		ContentID:   "content-" + owner,
		OwnerUserID: owner,
		Capacity:    capacity,
	})
	require.NoError(t, err)

	for _, user := range joiners {
		_, _, joinErr := e.lifecycle.Join(context.Background(), session.Token, user)
		require.NoError(t, joinErr)
	}

	current, err := e.lifecycle.GetByToken(context.Background(), session.Token)
	require.NoError(t, err)
	return current
}

func insertPayload(text string, position int) map[string]any {
	return map[string]any{"position": position, "text": text}
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/syncpad/syncpad/internal/models"
)

func TestSessionLifecycle_CreateEnforcesOneLiveSessionPerContent(t *testing.T) {
	env := newTestEnv(t, map[string]string{"owner-1": "admin"})
	ctx := context.Background()

	first, err := env.lifecycle.Create(ctx, CreateSessionParams{
		Name:        "Doc review",
		ContentID:   "content-9",
		OwnerUserID: "owner-1",
	})
	require.NoError(t, err)
	require.Equal(t, SessionStatusCreated, first.Status)
	require.Equal(t, DefaultSessionCapacity, first.Capacity)
	require.Zero(t, first.Version)

	_, err = env.lifecycle.Create(ctx, CreateSessionParams{
		Name:        "Competing",
		ContentID:   "content-9",
		OwnerUserID: "owner-1",
	})
	require.ErrorIs(t, err, ErrActiveSessionExists)

	// Ending the first session frees the content for a new one.
	_, _, err = env.lifecycle.Join(ctx, first.Token, "owner-1")
	require.NoError(t, err)
	_, err = env.lifecycle.Control(ctx, first.Token, "owner-1", EndCommand{})
	require.NoError(t, err)

	_, err = env.lifecycle.Create(ctx, CreateSessionParams{
		Name:        "Round two",
		ContentID:   "content-9",
		OwnerUserID: "owner-1",
	})
	require.NoError(t, err)
}

func TestSessionLifecycle_JoinActivatesAndAssignsLevels(t *testing.T) {
	env := newTestEnv(t, map[string]string{"owner-1": "admin", "alice": "editor", "vince": "viewer"})
	ctx := context.Background()

	session, err := env.lifecycle.Create(ctx, CreateSessionParams{
		Name:        "Doc",
		ContentID:   "content-1",
		OwnerUserID: "owner-1",
		Capacity:    5,
	})
	require.NoError(t, err)

	owner, current, err := env.lifecycle.Join(ctx, session.Token, "owner-1")
	require.NoError(t, err)
	require.Equal(t, PermissionAdmin, owner.PermissionLevel)
	require.Equal(t, SessionStatusActive, current.Status)
	require.NotNil(t, current.StartedAt)

	editor, _, err := env.lifecycle.Join(ctx, session.Token, "alice")
	require.NoError(t, err)
	require.Equal(t, PermissionEditor, editor.PermissionLevel)

	viewer, _, err := env.lifecycle.Join(ctx, session.Token, "vince")
	require.NoError(t, err)
	require.Equal(t, PermissionViewer, viewer.PermissionLevel)

	// Joining twice reuses the membership row.
	again, _, err := env.lifecycle.Join(ctx, session.Token, "alice")
	require.NoError(t, err)
	require.Equal(t, editor.ColorIndex, again.ColorIndex)

	_, _, err = env.lifecycle.Join(ctx, session.Token, "stranger")
	require.ErrorIs(t, err, ErrForbidden)
}

func TestSessionLifecycle_ConcurrentJoinsRespectCapacity(t *testing.T) {
	levels := map[string]string{
		"u1": "editor", "u2": "editor", "u3": "editor", "u4": "editor", "u5": "editor",
	}
	env := newTestEnv(t, levels)
	ctx := context.Background()

	session, err := env.lifecycle.Create(ctx, CreateSessionParams{
		Name:        "Crowded",
		ContentID:   "content-1",
		OwnerUserID: "owner-1",
		Capacity:    3,
	})
	require.NoError(t, err)

	users := []string{"u1", "u2", "u3", "u4", "u5"}
	results := make([]error, len(users))

	var wg sync.WaitGroup
	for i, user := range users {
		wg.Add(1)
		go func(idx int, userID string) {
			defer wg.Done()
			_, _, joinErr := env.lifecycle.Join(ctx, session.Token, userID)
			results[idx] = joinErr
		}(i, user)
	}
	wg.Wait()

	var admitted, refused int
	for _, joinErr := range results {
		switch {
		case joinErr == nil:
			admitted++
		default:
			require.ErrorIs(t, joinErr, ErrCapacityExceeded)
			refused++
		}
	}
	require.Equal(t, 3, admitted)
	require.Equal(t, 2, refused)

	count, err := env.registry.ActiveCount(ctx, session.ID)
	require.NoError(t, err)
	require.EqualValues(t, 3, count)
}

func TestSessionLifecycle_StateMachine(t *testing.T) {
	env := newTestEnv(t, map[string]string{"owner-1": "admin", "alice": "editor"})
	ctx := context.Background()
	session := env.activeSession(t, "owner-1", 5, "owner-1", "alice")

	// Non-admins cannot issue control commands.
	_, err := env.lifecycle.Control(ctx, session.Token, "alice", PauseCommand{})
	require.ErrorIs(t, err, ErrForbidden)

	paused, err := env.lifecycle.Control(ctx, session.Token, "owner-1", PauseCommand{})
	require.NoError(t, err)
	require.Equal(t, SessionStatusPaused, paused.Status)

	// A paused session cannot pause again or accept joins.
	_, err = env.lifecycle.Control(ctx, session.Token, "owner-1", PauseCommand{})
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, _, err = env.lifecycle.Join(ctx, session.Token, "alice")
	require.ErrorIs(t, err, ErrNotJoinable)

	resumed, err := env.lifecycle.Control(ctx, session.Token, "owner-1", ResumeCommand{})
	require.NoError(t, err)
	require.Equal(t, SessionStatusActive, resumed.Status)

	_, err = env.lifecycle.Control(ctx, session.Token, "owner-1", ResumeCommand{})
	require.ErrorIs(t, err, ErrInvalidTransition)

	ended, err := env.lifecycle.Control(ctx, session.Token, "owner-1", EndCommand{Reason: "wrapped"})
	require.NoError(t, err)
	require.Equal(t, SessionStatusEnded, ended.Status)
	require.NotNil(t, ended.EndedAt)

	// Ended is terminal: every further command and join fails.
	_, err = env.lifecycle.Control(ctx, session.Token, "owner-1", ResumeCommand{})
	require.ErrorIs(t, err, ErrSessionEnded)
	_, _, err = env.lifecycle.Join(ctx, session.Token, "alice")
	require.ErrorIs(t, err, ErrSessionEnded)
	require.ErrorIs(t, env.lifecycle.Heartbeat(ctx, session.Token, "alice"), ErrSessionEnded)
}

func TestSessionLifecycle_EndReleasesParticipantsAndCursors(t *testing.T) {
	env := newTestEnv(t, map[string]string{"owner-1": "admin", "alice": "editor"})
	ctx := context.Background()
	session := env.activeSession(t, "owner-1", 5, "owner-1", "alice")

	_, err := env.cursors.UpdatePosition(ctx, session, "alice", map[string]any{"line": 1})
	require.NoError(t, err)

	_, err = env.lifecycle.Control(ctx, session.Token, "owner-1", EndCommand{})
	require.NoError(t, err)

	count, err := env.registry.ActiveCount(ctx, session.ID)
	require.NoError(t, err)
	require.Zero(t, count)

	var cursorCount int64
	require.NoError(t, env.db.Model(&models.CursorPosition{}).
		Where("session_id = ?", session.ID).
		Count(&cursorCount).Error)
	require.Zero(t, cursorCount)

	// History survives the session's end.
	var events int64
	require.NoError(t, env.db.Model(&models.CollaborationEvent{}).
		Where("session_id = ?", session.ID).
		Count(&events).Error)
	require.NotZero(t, events)
}

func TestSessionLifecycle_KickRecordsInitiatorAndBlocksSelf(t *testing.T) {
	env := newTestEnv(t, map[string]string{"owner-1": "admin", "alice": "editor"})
	ctx := context.Background()
	session := env.activeSession(t, "owner-1", 5, "owner-1", "alice")

	_, err := env.lifecycle.Control(ctx, session.Token, "owner-1", KickCommand{TargetUserID: "owner-1", Reason: "oops"})
	require.ErrorIs(t, err, ErrCannotKickSelf)

	_, err = env.lifecycle.Control(ctx, session.Token, "owner-1", KickCommand{TargetUserID: "alice", Reason: "spam"})
	require.NoError(t, err)

	kicked, err := env.registry.Get(ctx, session.ID, "alice")
	require.NoError(t, err)
	require.NotNil(t, kicked.LeftAt)
	require.NotNil(t, kicked.KickedByUserID)
	require.Equal(t, "owner-1", *kicked.KickedByUserID)
	require.Equal(t, "spam", kicked.KickReason)

	_, err = env.lifecycle.Control(ctx, session.Token, "owner-1", KickCommand{TargetUserID: "alice"})
	require.ErrorIs(t, err, ErrParticipantNotFound)
}

func TestSessionLifecycle_ChangePermission(t *testing.T) {
	env := newTestEnv(t, map[string]string{"owner-1": "admin", "vince": "viewer"})
	ctx := context.Background()
	session := env.activeSession(t, "owner-1", 5, "owner-1", "vince")

	_, err := env.lifecycle.Control(ctx, session.Token, "owner-1", ChangePermissionCommand{TargetUserID: "vince", Level: PermissionEditor})
	require.NoError(t, err)

	participant, err := env.registry.Get(ctx, session.ID, "vince")
	require.NoError(t, err)
	require.Equal(t, PermissionEditor, participant.PermissionLevel)

	_, err = env.lifecycle.Control(ctx, session.Token, "owner-1", ChangePermissionCommand{TargetUserID: "vince", Level: "root"})
	require.ErrorIs(t, err, ErrInvalidOperation)
}

func TestSessionLifecycle_SnapshotIsSideEffectFree(t *testing.T) {
	env := newTestEnv(t, map[string]string{"owner-1": "admin", "alice": "editor"})
	ctx := context.Background()
	session := env.activeSession(t, "owner-1", 5, "owner-1", "alice")

	_, err := env.cursors.UpdatePosition(ctx, session, "alice", map[string]any{"line": 2})
	require.NoError(t, err)
	_, err = env.sequencer.Submit(ctx, SubmitOperationParams{
		SessionToken: session.Token,
		AuthorID:     "alice",
		Type:         OperationInsert,
		Payload:      insertPayload("hello", 0),
		BaseVersion:  0,
	})
	require.NoError(t, err)

	snapshot, err := env.lifecycle.Snapshot(ctx, session.Token)
	require.NoError(t, err)
	require.Len(t, snapshot.Participants, 2)
	require.Len(t, snapshot.Cursors, 1)
	require.Len(t, snapshot.Operations, 1)
	require.EqualValues(t, 1, snapshot.Version)

	// Snapshotting twice changes nothing.
	again, err := env.lifecycle.Snapshot(ctx, session.Token)
	require.NoError(t, err)
	require.EqualValues(t, snapshot.Version, again.Version)
	require.Len(t, again.Operations, 1)
}

func TestSessionLifecycle_HeartbeatRefreshesPresence(t *testing.T) {
	env := newTestEnv(t, map[string]string{"alice": "editor"})
	ctx := context.Background()
	session := env.activeSession(t, "owner-1", 5, "alice")

	require.NoError(t, env.lifecycle.Heartbeat(ctx, session.Token, "alice"))

	online, err := env.presence.IsOnline(ctx, session.ID, "alice")
	require.NoError(t, err)
	require.True(t, online)

	require.ErrorIs(t, env.lifecycle.Heartbeat(ctx, session.Token, "ghost"), ErrParticipantNotFound)
}

// The capacity-two walkthrough: two editors join, both race version 0, one
// wins sequence 1, the other conflicts and is resolved manually by an admin,
// while a third editor bounces off the full session.
func TestSessionLifecycle_CollaborationScenario(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		"a": "editor", "b": "editor", "d": "editor", "admin-1": "admin",
	})
	ctx := context.Background()

	session, err := env.lifecycle.Create(ctx, CreateSessionParams{
		Name:        "Scenario",
		ContentID:   "content-s",
		OwnerUserID: "admin-1",
		Capacity:    2,
	})
	require.NoError(t, err)

	_, _, err = env.lifecycle.Join(ctx, session.Token, "a")
	require.NoError(t, err)
	_, _, err = env.lifecycle.Join(ctx, session.Token, "b")
	require.NoError(t, err)

	opA, err := env.sequencer.Submit(ctx, SubmitOperationParams{
		SessionToken: session.Token,
		AuthorID:     "a",
		Type:         OperationInsert,
		Payload:      insertPayload("hello", 0),
		BaseVersion:  0,
	})
	require.NoError(t, err)
	require.Equal(t, OperationStatusApplied, opA.Status)
	require.EqualValues(t, 1, *opA.SequenceNumber)

	opB, err := env.sequencer.Submit(ctx, SubmitOperationParams{
		SessionToken: session.Token,
		AuthorID:     "b",
		Type:         OperationInsert,
		Payload:      insertPayload("world", 0),
		BaseVersion:  0,
	})
	require.NoError(t, err)
	require.Equal(t, OperationStatusConflicted, opB.Status)

	resolved, err := env.resolver.Resolve(ctx, ResolveConflictParams{
		OperationID:        opB.ID,
		Strategy:           ResolutionManual,
		ResolvedByUserID:   "admin-1",
		TransformedPayload: insertPayload("world", 5),
	})
	require.NoError(t, err)
	require.Equal(t, OperationStatusResolved, resolved.Status)
	require.Equal(t, "admin-1", *resolved.ResolvedByUserID)

	_, _, err = env.lifecycle.Join(ctx, session.Token, "d")
	require.ErrorIs(t, err, ErrCapacityExceeded)

	count, err := env.registry.ActiveCount(ctx, session.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
}

func TestSessionLifecycle_MirrorsIdentityRows(t *testing.T) {
	env := newTestEnv(t, map[string]string{"owner-1": "admin", "alice": "editor"})
	ctx := context.Background()

	// Foreign keys are enforced, so a session pointing at an unknown owner
	// must be rejected at the store.
	orphan := models.CollabSession{
		Token:       "orphan-token",
		Name:        "Orphan",
		ContentID:   "content-orphan",
		Status:      SessionStatusCreated,
		Capacity:    1,
		OwnerUserID: "ghost",
	}
	require.Error(t, env.db.Create(&orphan).Error)

	session, err := env.lifecycle.Create(ctx, CreateSessionParams{
		Name:        "Doc",
		ContentID:   "content-mirror",
		OwnerUserID: "owner-1",
	})
	require.NoError(t, err)

	var owner models.User
	require.NoError(t, env.db.First(&owner, "id = ?", "owner-1").Error)
	require.Equal(t, "owner-1", owner.Username)

	_, _, err = env.lifecycle.Join(ctx, session.Token, "alice")
	require.NoError(t, err)

	var identities int64
	require.NoError(t, env.db.Model(&models.User{}).Count(&identities).Error)
	require.EqualValues(t, 2, identities)

	// Rejoining reuses the existing mirror row.
	_, _, err = env.lifecycle.Join(ctx, session.Token, "alice")
	require.NoError(t, err)
	require.NoError(t, env.db.Model(&models.User{}).Count(&identities).Error)
	require.EqualValues(t, 2, identities)
}

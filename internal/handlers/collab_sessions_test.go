package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/syncpad/syncpad/internal/auth"
	"github.com/syncpad/syncpad/internal/cache"
	"github.com/syncpad/syncpad/internal/database/testutil"
	"github.com/syncpad/syncpad/internal/middleware"
	"github.com/syncpad/syncpad/internal/models"
	"github.com/syncpad/syncpad/internal/services"
	"github.com/syncpad/syncpad/pkg/response"
)

type handlerEnv struct {
	db        *gorm.DB
	registry  *services.ParticipantRegistry
	cursors   *services.CursorTracker
	events    *services.EventLogService
	lifecycle *services.SessionLifecycleService
	sequencer *services.OperationSequencer
	resolver  *services.ConflictResolver
	handler   *CollabSessionHandler
}

func newHandlerEnv(t *testing.T, levels map[string]string) *handlerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	authz := auth.NewStaticAuthorizer(levels, "")
	presence := services.NewPresenceTracker(cache.NewDatabaseStore(db), 0)
	locks := services.NewKeyedMutex()

	registry, err := services.NewParticipantRegistry(db, services.WithRegistryPresence(presence))
	require.NoError(t, err)
	cursors, err := services.NewCursorTracker(db, registry)
	require.NoError(t, err)
	events, err := services.NewEventLogService(db, registry, authz)
	require.NoError(t, err)
	lifecycle, err := services.NewSessionLifecycleService(
		db, registry, authz,
		services.WithLifecycleLocks(locks),
		services.WithLifecycleCursorTracker(cursors),
		services.WithLifecycleEventLog(events),
	)
	require.NoError(t, err)
	sequencer, err := services.NewOperationSequencer(db, registry, authz, services.WithSequencerLocks(locks))
	require.NoError(t, err)
	resolver, err := services.NewConflictResolver(db, registry, authz, services.WithResolverLocks(locks))
	require.NoError(t, err)

	return &handlerEnv{
		db:        db,
		registry:  registry,
		cursors:   cursors,
		events:    events,
		lifecycle: lifecycle,
		sequencer: sequencer,
		resolver:  resolver,
		handler:   NewCollabSessionHandler(lifecycle, sequencer, resolver, cursors, events, registry),
	}
}

func (e *handlerEnv) perform(t *testing.T, handler gin.HandlerFunc, userID string, params gin.Params, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	recorder := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(recorder)
	c.Request = httptest.NewRequest(http.MethodPost, "/", reader)
	c.Request.Header.Set("Content-Type", "application/json")
	c.Params = params
	if userID != "" {
		c.Set(middleware.CtxUserIDKey, userID)
	}
	handler(c)
	return recorder
}

func decodeData(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()

	var payload response.Response
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
	require.True(t, payload.Success, "expected success payload, got %s", recorder.Body.String())

	raw, err := json.Marshal(payload.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, target))
}

func errorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()

	var payload response.Response
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
	require.False(t, payload.Success)
	require.NotNil(t, payload.Error)
	return payload.Error.Code
}

func tokenParam(token string) gin.Params {
	return gin.Params{gin.Param{Key: "token", Value: token}}
}

func TestCollabSessionHandlerCreateAndJoin(t *testing.T) {
	env := newHandlerEnv(t, map[string]string{
		"user-a": services.PermissionEditor,
		"user-b": services.PermissionViewer,
	})

	recorder := env.perform(t, env.handler.CreateSession, "owner-1", nil, gin.H{
		"name":       "Launch plan",
		"content_id": "content-1",
		"capacity":   3,
	})
	require.Equal(t, http.StatusCreated, recorder.Code)

	var session models.CollabSession
	decodeData(t, recorder, &session)
	require.NotEmpty(t, session.Token)
	require.Equal(t, services.SessionStatusCreated, session.Status)

	// Second live session over the same content is rejected.
	dup := env.perform(t, env.handler.CreateSession, "owner-1", nil, gin.H{
		"name":       "Shadow session",
		"content_id": "content-1",
	})
	require.Equal(t, http.StatusConflict, dup.Code)
	require.Equal(t, "session.exists", errorCode(t, dup))

	joined := env.perform(t, env.handler.Join, "user-a", tokenParam(session.Token), nil)
	require.Equal(t, http.StatusOK, joined.Code)

	var joinResult struct {
		Participant models.SessionParticipant `json:"participant"`
		Session     models.CollabSession      `json:"session"`
	}
	decodeData(t, joined, &joinResult)
	require.Equal(t, services.PermissionEditor, joinResult.Participant.PermissionLevel)
	require.Equal(t, services.SessionStatusActive, joinResult.Session.Status)

	stranger := env.perform(t, env.handler.Join, "user-z", tokenParam(session.Token), nil)
	require.Equal(t, http.StatusForbidden, stranger.Code)

	missing := env.perform(t, env.handler.Join, "user-a", tokenParam("no-such-token"), nil)
	require.Equal(t, http.StatusNotFound, missing.Code)
}

func TestCollabSessionHandlerOperationsAndConflicts(t *testing.T) {
	env := newHandlerEnv(t, map[string]string{
		"user-a":  services.PermissionEditor,
		"user-b":  services.PermissionEditor,
		"admin-1": services.PermissionAdmin,
	})

	var session models.CollabSession
	decodeData(t, env.perform(t, env.handler.CreateSession, "owner-1", nil, gin.H{
		"name":       "Doc edit",
		"content_id": "content-ops",
	}), &session)
	env.perform(t, env.handler.Join, "user-a", tokenParam(session.Token), nil)
	env.perform(t, env.handler.Join, "user-b", tokenParam(session.Token), nil)

	applied := env.perform(t, env.handler.SubmitOperation, "user-a", tokenParam(session.Token), gin.H{
		"type":         services.OperationInsert,
		"payload":      gin.H{"position": 0, "text": "hello"},
		"base_version": 0,
	})
	require.Equal(t, http.StatusCreated, applied.Code)

	var appliedOp models.EditOperation
	decodeData(t, applied, &appliedOp)
	require.Equal(t, services.OperationStatusApplied, appliedOp.Status)
	require.NotNil(t, appliedOp.SequenceNumber)

	// A stale base version is a successful response, not an error.
	conflicted := env.perform(t, env.handler.SubmitOperation, "user-b", tokenParam(session.Token), gin.H{
		"type":         services.OperationInsert,
		"payload":      gin.H{"position": 3, "text": "world"},
		"base_version": 0,
	})
	require.Equal(t, http.StatusCreated, conflicted.Code)

	var conflictedOp models.EditOperation
	decodeData(t, conflicted, &conflictedOp)
	require.Equal(t, services.OperationStatusConflicted, conflictedOp.Status)
	require.Nil(t, conflictedOp.SequenceNumber)

	opParam := gin.Params{gin.Param{Key: "operationID", Value: conflictedOp.ID}}
	resolved := env.perform(t, env.handler.ResolveConflict, "admin-1", opParam, gin.H{
		"strategy": services.ResolutionManual,
	})
	require.Equal(t, http.StatusOK, resolved.Code)

	var resolvedOp models.EditOperation
	decodeData(t, resolved, &resolvedOp)
	require.Equal(t, services.OperationStatusResolved, resolvedOp.Status)

	// Re-resolving is an idempotent success.
	again := env.perform(t, env.handler.ResolveConflict, "admin-1", opParam, gin.H{
		"strategy": services.ResolutionManual,
	})
	require.Equal(t, http.StatusOK, again.Code)

	var againOp models.EditOperation
	decodeData(t, again, &againOp)
	require.NotNil(t, againOp.ResolvedByUserID)
	require.Equal(t, "admin-1", *againOp.ResolvedByUserID)

	// Catch-up listing only carries sequenced operations; the resolved one
	// never re-enters the sequence.
	list := env.perform(t, env.handler.ListOperations, "user-a", tokenParam(session.Token), nil)
	require.Equal(t, http.StatusOK, list.Code)

	var ops []models.EditOperation
	decodeData(t, list, &ops)
	require.Len(t, ops, 1)
	require.Equal(t, appliedOp.ID, ops[0].ID)

	badType := env.perform(t, env.handler.SubmitOperation, "user-a", tokenParam(session.Token), gin.H{
		"type":         "teleport",
		"payload":      gin.H{"position": 0},
		"base_version": 0,
	})
	require.Equal(t, http.StatusBadRequest, badType.Code)
}

func TestCollabSessionHandlerControlCommentsAndSnapshot(t *testing.T) {
	env := newHandlerEnv(t, map[string]string{
		"user-a": services.PermissionEditor,
	})

	var session models.CollabSession
	decodeData(t, env.perform(t, env.handler.CreateSession, "owner-1", nil, gin.H{
		"name":       "Review",
		"content_id": "content-ctl",
	}), &session)
	env.perform(t, env.handler.Join, "owner-1", tokenParam(session.Token), nil)
	env.perform(t, env.handler.Join, "user-a", tokenParam(session.Token), nil)

	comment := env.perform(t, env.handler.AddComment, "user-a", tokenParam(session.Token), gin.H{
		"text": "looks good to me",
	})
	require.Equal(t, http.StatusCreated, comment.Code)

	heartbeat := env.perform(t, env.handler.Heartbeat, "user-a", tokenParam(session.Token), nil)
	require.Equal(t, http.StatusOK, heartbeat.Code)

	// Non-admin participants cannot drive the state machine.
	denied := env.perform(t, env.handler.Control, "user-a", tokenParam(session.Token), gin.H{
		"command": "pause",
	})
	require.Equal(t, http.StatusForbidden, denied.Code)

	paused := env.perform(t, env.handler.Control, "owner-1", tokenParam(session.Token), gin.H{
		"command": "pause",
	})
	require.Equal(t, http.StatusOK, paused.Code)

	var pausedSession models.CollabSession
	decodeData(t, paused, &pausedSession)
	require.Equal(t, services.SessionStatusPaused, pausedSession.Status)

	badKick := env.perform(t, env.handler.Control, "owner-1", tokenParam(session.Token), gin.H{
		"command": "kick",
	})
	require.Equal(t, http.StatusBadRequest, badKick.Code)

	snapshot := env.perform(t, env.handler.Snapshot, "user-a", tokenParam(session.Token), nil)
	require.Equal(t, http.StatusOK, snapshot.Code)

	var snap services.SessionSnapshot
	decodeData(t, snapshot, &snap)
	require.Len(t, snap.Participants, 2)

	metrics := env.perform(t, env.handler.Metrics, "user-a", tokenParam(session.Token), nil)
	require.Equal(t, http.StatusOK, metrics.Code)

	var summary services.SessionMetrics
	decodeData(t, metrics, &summary)
	require.Equal(t, int64(1), summary.Comments)

	ended := env.perform(t, env.handler.Control, "owner-1", tokenParam(session.Token), gin.H{
		"command": "end",
		"reason":  "done",
	})
	require.Equal(t, http.StatusOK, ended.Code)

	afterEnd := env.perform(t, env.handler.AddComment, "user-a", tokenParam(session.Token), gin.H{
		"text": "too late",
	})
	require.Equal(t, http.StatusConflict, afterEnd.Code)
	require.Equal(t, "session.ended", errorCode(t, afterEnd))
}

func TestCollabSessionHandlerReadsRequireParticipation(t *testing.T) {
	env := newHandlerEnv(t, map[string]string{
		"user-a": services.PermissionEditor,
		"user-b": services.PermissionEditor,
	})

	var session models.CollabSession
	decodeData(t, env.perform(t, env.handler.CreateSession, "owner-1", nil, gin.H{
		"name":       "Private doc",
		"content_id": "content-read",
	}), &session)
	env.perform(t, env.handler.Join, "owner-1", tokenParam(session.Token), nil)
	env.perform(t, env.handler.Join, "user-a", tokenParam(session.Token), nil)

	// An authenticated user who never joined cannot observe the session.
	require.Equal(t, http.StatusForbidden, env.perform(t, env.handler.Snapshot, "user-b", tokenParam(session.Token), nil).Code)
	require.Equal(t, http.StatusForbidden, env.perform(t, env.handler.Metrics, "user-b", tokenParam(session.Token), nil).Code)
	require.Equal(t, http.StatusForbidden, env.perform(t, env.handler.ListOperations, "user-b", tokenParam(session.Token), nil).Code)

	// Kicking revokes read access immediately.
	kicked := env.perform(t, env.handler.Control, "owner-1", tokenParam(session.Token), gin.H{
		"command":        "kick",
		"target_user_id": "user-a",
	})
	require.Equal(t, http.StatusOK, kicked.Code)
	require.Equal(t, http.StatusForbidden, env.perform(t, env.handler.Snapshot, "user-a", tokenParam(session.Token), nil).Code)

	// The owner keeps visibility into their own session.
	require.Equal(t, http.StatusOK, env.perform(t, env.handler.Snapshot, "owner-1", tokenParam(session.Token), nil).Code)
}

func TestCollabSessionHandlerRequiresIdentity(t *testing.T) {
	env := newHandlerEnv(t, nil)

	recorder := env.perform(t, env.handler.CreateSession, "", nil, gin.H{
		"name":       "Anonymous",
		"content_id": "content-x",
	})
	require.Equal(t, http.StatusUnauthorized, recorder.Code)
}

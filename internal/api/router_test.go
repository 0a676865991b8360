package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/syncpad/syncpad/internal/app"
	"github.com/syncpad/syncpad/internal/auth"
	"github.com/syncpad/syncpad/internal/cache"
	"github.com/syncpad/syncpad/internal/database/testutil"
	"github.com/syncpad/syncpad/internal/realtime"
	"github.com/syncpad/syncpad/internal/services"
	"github.com/syncpad/syncpad/pkg/response"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	store := cache.NewDatabaseStore(db)
	hub := realtime.NewHub()
	router := services.NewBroadcastRouter(hub)
	locks := services.NewKeyedMutex()

	authenticator := auth.NewStaticAuthenticator(map[string]auth.Identity{
		"owner-credential":  {UserID: "owner-1", Username: "mara"},
		"editor-credential": {UserID: "user-a", Username: "tomas"},
	})
	authorizer := auth.NewStaticAuthorizer(map[string]string{
		"user-a": services.PermissionEditor,
	}, "")

	registry, err := services.NewParticipantRegistry(db,
		services.WithRegistryPresence(services.NewPresenceTracker(store, 0)))
	require.NoError(t, err)
	cursors, err := services.NewCursorTracker(db, registry, services.WithCursorRouter(router))
	require.NoError(t, err)
	events, err := services.NewEventLogService(db, registry, authorizer, services.WithEventLogRouter(router))
	require.NoError(t, err)
	lifecycle, err := services.NewSessionLifecycleService(
		db, registry, authorizer,
		services.WithLifecycleRouter(router),
		services.WithLifecycleCursorTracker(cursors),
		services.WithLifecycleEventLog(events),
		services.WithLifecycleLocks(locks),
	)
	require.NoError(t, err)
	sequencer, err := services.NewOperationSequencer(db, registry, authorizer,
		services.WithSequencerRouter(router), services.WithSequencerLocks(locks))
	require.NoError(t, err)
	resolver, err := services.NewConflictResolver(db, registry, authorizer,
		services.WithResolverRouter(router), services.WithResolverLocks(locks))
	require.NoError(t, err)

	cfg, err := app.LoadConfig(t.TempDir())
	require.NoError(t, err)

	engine, err := NewRouter(Deps{
		Config:        cfg,
		Authenticator: authenticator,
		Store:         store,
		Hub:           hub,
		Router:        router,
		Registry:      registry,
		Cursors:       cursors,
		Events:        events,
		Lifecycle:     lifecycle,
		Sequencer:     sequencer,
		Resolver:      resolver,
	})
	require.NoError(t, err)
	return engine
}

func TestRouterHealthAndMetrics(t *testing.T) {
	engine := newTestRouter(t)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouterRequiresAuthentication(t *testing.T) {
	engine := newTestRouter(t)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouterSessionFlow(t *testing.T) {
	engine := newTestRouter(t)

	body, err := json.Marshal(map[string]any{
		"name":       "Roadmap",
		"content_id": "content-router",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer owner-credential")
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var payload response.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.True(t, payload.Success)

	data, ok := payload.Data.(map[string]any)
	require.True(t, ok)
	token, _ := data["token"].(string)
	require.NotEmpty(t, token)

	joinReq := httptest.NewRequest(http.MethodPost, "/api/sessions/"+token+"/join", nil)
	joinReq.Header.Set("Authorization", "Bearer editor-credential")

	joinRec := httptest.NewRecorder()
	engine.ServeHTTP(joinRec, joinReq)
	require.Equal(t, http.StatusOK, joinRec.Code)

	unknownReq := httptest.NewRequest(http.MethodGet, "/api/nowhere", nil)
	unknownReq.Header.Set("Authorization", "Bearer editor-credential")

	unknownRec := httptest.NewRecorder()
	engine.ServeHTTP(unknownRec, unknownReq)
	require.Equal(t, http.StatusNotFound, unknownRec.Code)
}

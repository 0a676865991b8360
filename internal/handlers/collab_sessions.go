package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/syncpad/syncpad/internal/middleware"
	"github.com/syncpad/syncpad/internal/models"
	"github.com/syncpad/syncpad/internal/services"
	apperrors "github.com/syncpad/syncpad/pkg/errors"
	"github.com/syncpad/syncpad/pkg/response"
	"github.com/syncpad/syncpad/pkg/validator"
)

// CollabSessionHandler exposes the REST surface of the collaboration engine.
type CollabSessionHandler struct {
	lifecycle *services.SessionLifecycleService
	sequencer *services.OperationSequencer
	resolver  *services.ConflictResolver
	cursors   *services.CursorTracker
	events    *services.EventLogService
	registry  *services.ParticipantRegistry
}

// NewCollabSessionHandler constructs the handler once dependencies are provided.
func NewCollabSessionHandler(
	lifecycle *services.SessionLifecycleService,
	sequencer *services.OperationSequencer,
	resolver *services.ConflictResolver,
	cursors *services.CursorTracker,
	events *services.EventLogService,
	registry *services.ParticipantRegistry,
) *CollabSessionHandler {
	return &CollabSessionHandler{
		lifecycle: lifecycle,
		sequencer: sequencer,
		resolver:  resolver,
		cursors:   cursors,
		events:    events,
		registry:  registry,
	}
}

type createSessionRequest struct {
	Name      string `json:"name" validate:"required,max=200"`
	ContentID string `json:"content_id" validate:"required"`
	Capacity  int    `json:"capacity" validate:"omitempty,min=1,max=100"`
}

type submitOperationRequest struct {
	Type        string         `json:"type" validate:"required,oneof=insert delete replace format"`
	Payload     map[string]any `json:"payload" validate:"required"`
	BaseVersion int64          `json:"base_version" validate:"min=0"`
}

type resolveConflictRequest struct {
	Strategy           string         `json:"strategy" validate:"required,oneof=manual transform"`
	TransformedPayload map[string]any `json:"transformed_payload"`
}

type controlRequest struct {
	Command      string `json:"command" validate:"required,oneof=pause resume end kick change_permission"`
	TargetUserID string `json:"target_user_id"`
	Level        string `json:"level"`
	Reason       string `json:"reason"`
}

type commentRequest struct {
	Text string `json:"text" validate:"required,max=2000"`
}

func requestUserID(c *gin.Context) (string, bool) {
	userID := strings.TrimSpace(c.GetString(middleware.CtxUserIDKey))
	if userID == "" {
		response.Error(c, apperrors.ErrUnauthorized)
		return "", false
	}
	return userID, true
}

func sessionToken(c *gin.Context) (string, bool) {
	token := strings.TrimSpace(c.Param("token"))
	if token == "" {
		response.Error(c, apperrors.NewBadRequest("session token is required"))
		return "", false
	}
	return token, true
}

func bindAndValidate(c *gin.Context, target any) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		response.Error(c, apperrors.NewBadRequest("invalid request payload"))
		return false
	}
	if err := validator.ValidateStruct(target); err != nil {
		response.Error(c, apperrors.NewBadRequest(err.Error()))
		return false
	}
	return true
}

// readableSession loads the session and confirms the caller may read its
// state: they must be seated in it right now, or own it. A kicked user with a
// valid identity gets nothing back.
func (h *CollabSessionHandler) readableSession(c *gin.Context, token, userID string) (*models.CollabSession, bool) {
	session, err := h.lifecycle.GetByToken(c.Request.Context(), token)
	if err != nil {
		response.Error(c, mapServiceError(err, "unable to load session"))
		return nil, false
	}
	if userID == session.OwnerUserID {
		return session, true
	}
	active, err := h.registry.IsActive(c.Request.Context(), session.ID, userID)
	if err != nil {
		response.Error(c, mapServiceError(err, "unable to verify participation"))
		return nil, false
	}
	if !active {
		response.Error(c, apperrors.ErrForbidden)
		return nil, false
	}
	return session, true
}

// CreateSession opens a new collaboration session over a content item.
func (h *CollabSessionHandler) CreateSession(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	var payload createSessionRequest
	if !bindAndValidate(c, &payload) {
		return
	}

	session, err := h.lifecycle.Create(c.Request.Context(), services.CreateSessionParams{
		Name:        payload.Name,
		ContentID:   payload.ContentID,
		OwnerUserID: userID,
		Capacity:    payload.Capacity,
	})
	if err != nil {
		response.Error(c, mapServiceError(err, "unable to create session"))
		return
	}
	response.Success(c, http.StatusCreated, session)
}

// Join admits the caller as a participant.
func (h *CollabSessionHandler) Join(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	token, ok := sessionToken(c)
	if !ok {
		return
	}

	participant, session, err := h.lifecycle.Join(c.Request.Context(), token, userID)
	if err != nil {
		response.Error(c, mapServiceError(err, "unable to join session"))
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"participant": participant,
		"session":     session,
	})
}

// Leave marks the caller as having left the session.
func (h *CollabSessionHandler) Leave(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	token, ok := sessionToken(c)
	if !ok {
		return
	}

	if err := h.lifecycle.Leave(c.Request.Context(), token, userID); err != nil {
		response.Error(c, mapServiceError(err, "unable to leave session"))
		return
	}
	response.Success(c, http.StatusOK, gin.H{"left": true})
}

// Control executes an admin command. The wire command string is parsed into
// the closed command set at this boundary; everything past it is typed.
func (h *CollabSessionHandler) Control(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	token, ok := sessionToken(c)
	if !ok {
		return
	}
	var payload controlRequest
	if !bindAndValidate(c, &payload) {
		return
	}

	command, err := controlCommandFromRequest(payload)
	if err != nil {
		response.Error(c, apperrors.NewBadRequest(err.Error()))
		return
	}

	session, err := h.lifecycle.Control(c.Request.Context(), token, userID, command)
	if err != nil {
		response.Error(c, mapServiceError(err, "unable to execute control command"))
		return
	}
	response.Success(c, http.StatusOK, session)
}

func controlCommandFromRequest(payload controlRequest) (services.ControlCommand, error) {
	switch payload.Command {
	case "pause":
		return services.PauseCommand{}, nil
	case "resume":
		return services.ResumeCommand{}, nil
	case "end":
		return services.EndCommand{Reason: payload.Reason}, nil
	case "kick":
		if strings.TrimSpace(payload.TargetUserID) == "" {
			return nil, errors.New("kick requires target_user_id")
		}
		return services.KickCommand{TargetUserID: payload.TargetUserID, Reason: payload.Reason}, nil
	case "change_permission":
		if strings.TrimSpace(payload.TargetUserID) == "" || strings.TrimSpace(payload.Level) == "" {
			return nil, errors.New("change_permission requires target_user_id and level")
		}
		return services.ChangePermissionCommand{TargetUserID: payload.TargetUserID, Level: payload.Level}, nil
	default:
		return nil, errors.New("unknown control command")
	}
}

// SubmitOperation feeds one edit into the sequencer. A stale base version is
// a successful response carrying a conflicted operation, not an error.
func (h *CollabSessionHandler) SubmitOperation(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	token, ok := sessionToken(c)
	if !ok {
		return
	}
	var payload submitOperationRequest
	if !bindAndValidate(c, &payload) {
		return
	}

	operation, err := h.sequencer.Submit(c.Request.Context(), services.SubmitOperationParams{
		SessionToken: token,
		AuthorID:     userID,
		Type:         payload.Type,
		Payload:      payload.Payload,
		BaseVersion:  payload.BaseVersion,
	})
	if err != nil {
		response.Error(c, mapServiceError(err, "unable to submit operation"))
		return
	}
	response.Success(c, http.StatusCreated, operation)
}

// ListOperations returns applied operations after a version, oldest first,
// so a reconnecting client can replay what it missed.
func (h *CollabSessionHandler) ListOperations(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	token, ok := sessionToken(c)
	if !ok {
		return
	}

	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		response.Error(c, apperrors.NewBadRequest("since must be a non-negative integer"))
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit < 0 {
		response.Error(c, apperrors.NewBadRequest("limit must be a non-negative integer"))
		return
	}

	session, ok := h.readableSession(c, token, userID)
	if !ok {
		return
	}
	operations, err := h.sequencer.ListApplied(c.Request.Context(), session.ID, since, limit)
	if err != nil {
		response.Error(c, mapServiceError(err, "unable to list operations"))
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, operations, &response.Meta{
		PerPage: limit,
		Total:   len(operations),
	})
}

// ResolveConflict settles a conflicted operation. Re-resolving one is an
// idempotent success.
func (h *CollabSessionHandler) ResolveConflict(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	operationID := strings.TrimSpace(c.Param("operationID"))
	if operationID == "" {
		response.Error(c, apperrors.NewBadRequest("operation id is required"))
		return
	}
	var payload resolveConflictRequest
	if !bindAndValidate(c, &payload) {
		return
	}

	operation, err := h.resolver.Resolve(c.Request.Context(), services.ResolveConflictParams{
		OperationID:        operationID,
		Strategy:           payload.Strategy,
		ResolvedByUserID:   userID,
		TransformedPayload: payload.TransformedPayload,
	})
	if errors.Is(err, services.ErrAlreadyResolved) {
		response.Success(c, http.StatusOK, operation)
		return
	}
	if err != nil {
		response.Error(c, mapServiceError(err, "unable to resolve conflict"))
		return
	}
	response.Success(c, http.StatusOK, operation)
}

// AddComment appends a comment event to the session history.
func (h *CollabSessionHandler) AddComment(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	token, ok := sessionToken(c)
	if !ok {
		return
	}
	var payload commentRequest
	if !bindAndValidate(c, &payload) {
		return
	}

	session, err := h.lifecycle.GetByToken(c.Request.Context(), token)
	if err != nil {
		response.Error(c, mapServiceError(err, "unable to load session"))
		return
	}

	event, err := h.events.Record(c.Request.Context(), services.RecordEventParams{
		Session:   session,
		AuthorID:  userID,
		EventType: services.EventTypeComment,
		Payload:   map[string]any{"text": strings.TrimSpace(payload.Text)},
	})
	if err != nil {
		response.Error(c, mapServiceError(err, "unable to add comment"))
		return
	}
	response.Success(c, http.StatusCreated, event)
}

// Heartbeat refreshes the caller's liveness.
func (h *CollabSessionHandler) Heartbeat(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	token, ok := sessionToken(c)
	if !ok {
		return
	}

	if err := h.lifecycle.Heartbeat(c.Request.Context(), token, userID); err != nil {
		response.Error(c, mapServiceError(err, "unable to record heartbeat"))
		return
	}
	response.Success(c, http.StatusOK, gin.H{"acknowledged": true})
}

// Snapshot returns the read-only point-in-time session summary.
func (h *CollabSessionHandler) Snapshot(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	token, ok := sessionToken(c)
	if !ok {
		return
	}
	if _, ok := h.readableSession(c, token, userID); !ok {
		return
	}

	snapshot, err := h.lifecycle.Snapshot(c.Request.Context(), token)
	if err != nil {
		response.Error(c, mapServiceError(err, "unable to build snapshot"))
		return
	}
	response.Success(c, http.StatusOK, snapshot)
}

// Metrics returns the session's aggregated history counters.
func (h *CollabSessionHandler) Metrics(c *gin.Context) {
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	token, ok := sessionToken(c)
	if !ok {
		return
	}

	session, ok := h.readableSession(c, token, userID)
	if !ok {
		return
	}
	metrics, err := h.events.SummaryMetrics(c.Request.Context(), session.ID)
	if err != nil {
		response.Error(c, mapServiceError(err, "unable to aggregate metrics"))
		return
	}
	response.Success(c, http.StatusOK, metrics)
}

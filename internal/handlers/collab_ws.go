package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/syncpad/syncpad/internal/realtime"
	"github.com/syncpad/syncpad/internal/services"
	apperrors "github.com/syncpad/syncpad/pkg/errors"
	"github.com/syncpad/syncpad/pkg/logger"
	"github.com/syncpad/syncpad/pkg/response"
)

// CollabStreamHandler serves the realtime WebSocket endpoint. Every inbound
// action maps onto the same service call its REST counterpart uses, so the
// two transports cannot drift apart.
type CollabStreamHandler struct {
	hub       *realtime.Hub
	router    *services.BroadcastRouter
	lifecycle *services.SessionLifecycleService
	sequencer *services.OperationSequencer
	resolver  *services.ConflictResolver
	cursors   *services.CursorTracker
	events    *services.EventLogService
	registry  *services.ParticipantRegistry
	log       *zap.Logger
}

// NewCollabStreamHandler constructs the WebSocket handler.
func NewCollabStreamHandler(
	hub *realtime.Hub,
	router *services.BroadcastRouter,
	lifecycle *services.SessionLifecycleService,
	sequencer *services.OperationSequencer,
	resolver *services.ConflictResolver,
	cursors *services.CursorTracker,
	events *services.EventLogService,
	registry *services.ParticipantRegistry,
) *CollabStreamHandler {
	return &CollabStreamHandler{
		hub:       hub,
		router:    router,
		lifecycle: lifecycle,
		sequencer: sequencer,
		resolver:  resolver,
		cursors:   cursors,
		events:    events,
		registry:  registry,
		log:       logger.WithModule("collab_ws"),
	}
}

type streamFrame struct {
	Action             string         `json:"action"`
	Position           map[string]any `json:"position"`
	Type               string         `json:"type"`
	Payload            map[string]any `json:"payload"`
	BaseVersion        int64          `json:"base_version"`
	Text               string         `json:"text"`
	OperationID        string         `json:"operation_id"`
	Strategy           string         `json:"strategy"`
	TransformedPayload map[string]any `json:"transformed_payload"`
	Command            string         `json:"command"`
	TargetUserID       string         `json:"target_user_id"`
	Level              string         `json:"level"`
	Reason             string         `json:"reason"`
}

// Stream upgrades the request and subscribes the caller to the session and
// their private user stream. Only active participants may attach.
func (h *CollabStreamHandler) Stream(c *gin.Context) {
	if h == nil || h.hub == nil {
		response.Error(c, apperrors.ErrInternalServer)
		return
	}
	userID, ok := requestUserID(c)
	if !ok {
		return
	}
	token, ok := sessionToken(c)
	if !ok {
		return
	}

	session, err := h.lifecycle.GetByToken(c.Request.Context(), token)
	if err != nil {
		response.Error(c, mapServiceError(err, "unable to load session"))
		return
	}
	active, err := h.registry.IsActive(c.Request.Context(), session.ID, userID)
	if err != nil {
		response.Error(c, mapServiceError(err, "unable to verify participant"))
		return
	}
	if !active {
		response.Error(c, apperrors.ErrForbidden)
		return
	}

	streams := []string{
		realtime.SessionStream(token),
		realtime.UserStream(userID),
	}
	allowed := map[string]struct{}{
		realtime.SessionStream(token): {},
		realtime.UserStream(userID):   {},
	}

	if err := h.registry.MarkOnline(c.Request.Context(), session.ID, userID); err != nil {
		h.log.Warn("presence attach failed", zap.String("user_id", userID), zap.Error(err))
	}

	// Serve blocks until the connection closes.
	h.hub.Serve(userID, streams, allowed, func(actorID string, raw []byte) {
		h.dispatch(token, actorID, raw)
	}, c.Writer, c.Request)

	// A kicked or departed participant is already offline; flipping the flag
	// again is a harmless no-op.
	if err := h.registry.MarkOffline(context.Background(), session.ID, userID); err != nil {
		h.log.Warn("presence detach failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// dispatch routes one inbound frame. The connection outlives the upgrade
// request, so service calls run under a fresh context.
func (h *CollabStreamHandler) dispatch(token, userID string, raw []byte) {
	var frame streamFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.sendError(userID, "", "malformed frame")
		return
	}
	action := strings.TrimSpace(frame.Action)
	if action == "" {
		h.sendError(userID, "", "action is required")
		return
	}

	ctx := context.Background()
	if err := h.handleAction(ctx, token, userID, action, frame); err != nil {
		h.sendError(userID, action, err.Error())
	}
}

func (h *CollabStreamHandler) handleAction(ctx context.Context, token, userID, action string, frame streamFrame) error {
	switch action {
	case "update_cursor":
		session, err := h.lifecycle.GetByToken(ctx, token)
		if err != nil {
			return err
		}
		_, err = h.cursors.UpdatePosition(ctx, session, userID, frame.Position)
		return err
	case "typing_start":
		session, err := h.lifecycle.GetByToken(ctx, token)
		if err != nil {
			return err
		}
		_, err = h.cursors.StartTyping(ctx, session, userID)
		return err
	case "typing_stop":
		session, err := h.lifecycle.GetByToken(ctx, token)
		if err != nil {
			return err
		}
		_, err = h.cursors.StopTyping(ctx, session, userID)
		return err
	case "edit_operation":
		_, err := h.sequencer.Submit(ctx, services.SubmitOperationParams{
			SessionToken: token,
			AuthorID:     userID,
			Type:         frame.Type,
			Payload:      frame.Payload,
			BaseVersion:  frame.BaseVersion,
		})
		return err
	case "add_comment":
		session, err := h.lifecycle.GetByToken(ctx, token)
		if err != nil {
			return err
		}
		text := strings.TrimSpace(frame.Text)
		if text == "" {
			return errors.New("comment text is required")
		}
		_, err = h.events.Record(ctx, services.RecordEventParams{
			Session:   session,
			AuthorID:  userID,
			EventType: services.EventTypeComment,
			Payload:   map[string]any{"text": text},
		})
		return err
	case "resolve_conflict":
		_, err := h.resolver.Resolve(ctx, services.ResolveConflictParams{
			OperationID:        frame.OperationID,
			Strategy:           frame.Strategy,
			ResolvedByUserID:   userID,
			TransformedPayload: frame.TransformedPayload,
		})
		if errors.Is(err, services.ErrAlreadyResolved) {
			return nil
		}
		return err
	case "session_control":
		command, err := controlCommandFromRequest(controlRequest{
			Command:      frame.Command,
			TargetUserID: frame.TargetUserID,
			Level:        frame.Level,
			Reason:       frame.Reason,
		})
		if err != nil {
			return err
		}
		_, err = h.lifecycle.Control(ctx, token, userID, command)
		return err
	case "request_snapshot":
		session, err := h.lifecycle.GetByToken(ctx, token)
		if err != nil {
			return err
		}
		// The participation check at upgrade time is not enough: a kicked
		// user can keep an attached socket open.
		if userID != session.OwnerUserID {
			active, activeErr := h.registry.IsActive(ctx, session.ID, userID)
			if activeErr != nil {
				return activeErr
			}
			if !active {
				return services.ErrForbidden
			}
		}
		snapshot, err := h.lifecycle.Snapshot(ctx, token)
		if err != nil {
			return err
		}
		h.router.Ack(userID, services.Event{
			Type:    services.EventSnapshotCreated,
			Payload: map[string]any{"snapshot": snapshot},
		})
		return nil
	case "heartbeat":
		return h.lifecycle.Heartbeat(ctx, token, userID)
	default:
		return errors.New("unknown action")
	}
}

// sendError delivers a failure frame to the originating user only.
func (h *CollabStreamHandler) sendError(userID, action, message string) {
	if h.log != nil {
		h.log.Debug("stream action rejected",
			zap.String("user_id", userID),
			zap.String("action", action),
			zap.String("reason", message),
		)
	}
	payload := map[string]any{"message": message}
	if action != "" {
		payload["action"] = action
	}
	h.router.Ack(userID, services.Event{Type: services.EventOperationError, Payload: payload})
}

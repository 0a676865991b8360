package services

import (
	"go.uber.org/zap"

	"github.com/syncpad/syncpad/internal/monitoring"
	"github.com/syncpad/syncpad/internal/realtime"
	"github.com/syncpad/syncpad/pkg/logger"
)

// Event types carried on session and personal streams.
const (
	EventSessionJoined         = "session_joined"
	EventParticipantJoined     = "participant_joined"
	EventParticipantLeft       = "participant_left"
	EventCursorUpdate          = "cursor_update"
	EventTypingStart           = "typing_start"
	EventTypingStop            = "typing_stop"
	EventEditOperation         = "edit_operation"
	EventOperationAcknowledged = "operation_acknowledged"
	EventOperationError        = "operation_error"
	EventCommentAdded          = "comment_added"
	EventConflictResolved      = "conflict_resolved"
	EventSessionPaused         = "session_paused"
	EventSessionResumed        = "session_resumed"
	EventSessionEnded          = "session_ended"
	EventParticipantKicked     = "participant_kicked"
	EventPermissionChanged     = "permission_changed"
	EventSnapshotCreated       = "snapshot_created"
	EventHeartbeatAcknowledged = "heartbeat_acknowledged"
)

// Event is a typed message published to a session topic or a personal stream.
type Event struct {
	Type    string
	Payload map[string]any
}

// BroadcastRouter fans typed events out to session topics over the realtime
// hub. Publishing is fire-and-forget: delivery problems are counted and
// logged, never returned, so a broadcast failure cannot roll back the state
// change that triggered it.
type BroadcastRouter struct {
	hub *realtime.Hub
	log *zap.Logger
}

// NewBroadcastRouter wraps the realtime hub. A nil hub yields a router that
// drops every event, which keeps service tests free of transport setup.
func NewBroadcastRouter(hub *realtime.Hub) *BroadcastRouter {
	return &BroadcastRouter{hub: hub, log: logger.WithModule("broadcast")}
}

// Publish delivers the event to every subscriber of the session topic.
func (r *BroadcastRouter) Publish(sessionToken string, event Event) {
	r.publish(sessionToken, "", event)
}

// PublishExcluding delivers the event to every subscriber of the session
// topic except the originator, who already received a direct acknowledgment.
func (r *BroadcastRouter) PublishExcluding(sessionToken string, event Event, excludedUserID string) {
	r.publish(sessionToken, excludedUserID, event)
}

// Ack delivers the event on the user's personal stream only.
func (r *BroadcastRouter) Ack(userID string, event Event) {
	if r == nil || r.hub == nil {
		return
	}
	monitoring.RecordBroadcast(event.Type)
	r.hub.BroadcastToUser(realtime.UserStream(userID), userID, realtime.Message{
		Type: event.Type,
		Data: event.Payload,
	})
}

func (r *BroadcastRouter) publish(sessionToken, excludedUserID string, event Event) {
	if r == nil || r.hub == nil {
		return
	}
	stream := realtime.SessionStream(sessionToken)
	message := realtime.Message{Type: event.Type, Data: event.Payload}

	monitoring.RecordBroadcast(event.Type)
	if r.hub.SubscriberCount(stream) == 0 {
		return
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			monitoring.RecordBroadcastFailure(event.Type)
			if r.log != nil {
				r.log.Warn("broadcast delivery failed",
					zap.String("stream", stream),
					zap.String("event", event.Type),
					zap.Any("panic", recovered))
			}
		}
	}()

	if excludedUserID == "" {
		r.hub.BroadcastStream(stream, message)
		return
	}
	r.hub.BroadcastStreamExcept(stream, excludedUserID, message)
}

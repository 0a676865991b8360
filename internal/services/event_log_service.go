package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/syncpad/syncpad/internal/auth"
	"github.com/syncpad/syncpad/internal/models"
	"github.com/syncpad/syncpad/internal/monitoring"
)

// Stored event types for the append-only collaboration log.
const (
	EventTypeComment           = "comment"
	EventTypeSessionCreated    = "session_created"
	EventTypeParticipantJoined = "participant_joined"
	EventTypeParticipantLeft   = "participant_left"
	EventTypeSessionPaused     = "session_paused"
	EventTypeSessionResumed    = "session_resumed"
	EventTypeSessionEnded      = "session_ended"
	EventTypeParticipantKicked = "participant_kicked"
	EventTypePermissionChanged = "permission_changed"
)

// RecordEventParams appends one event to a session's history.
type RecordEventParams struct {
	Session   *models.CollabSession
	AuthorID  string
	EventType string
	Payload   map[string]any
}

// SessionMetrics aggregates a session's history for the reporting subsystem.
type SessionMetrics struct {
	Edits             int64 `json:"edits"`
	Comments          int64 `json:"comments"`
	DistinctEditors   int64 `json:"distinct_editors"`
	ConflictsResolved int64 `json:"conflicts_resolved"`
}

// EventLogService owns the append-only collaboration event log. Rows are
// never mutated or deleted while the session exists. Lifecycle components
// call Record explicitly after their own state change commits; nothing here
// hangs off persistence hooks.
type EventLogService struct {
	db         *gorm.DB
	registry   *ParticipantRegistry
	authorizer auth.Authorizer
	router     *BroadcastRouter
	timeNow    func() time.Time
}

// EventLogOption customises event log dependencies.
type EventLogOption func(*EventLogService)

// WithEventLogRouter wires the broadcast router for comment fan-out.
func WithEventLogRouter(router *BroadcastRouter) EventLogOption {
	return func(s *EventLogService) {
		s.router = router
	}
}

// WithEventLogClock overrides the clock used for timestamps (test helper).
func WithEventLogClock(clock func() time.Time) EventLogOption {
	return func(s *EventLogService) {
		if clock != nil {
			s.timeNow = clock
		}
	}
}

// NewEventLogService constructs the event log service.
func NewEventLogService(db *gorm.DB, registry *ParticipantRegistry, authorizer auth.Authorizer, opts ...EventLogOption) (*EventLogService, error) {
	if db == nil {
		return nil, errors.New("event log service: db is required")
	}
	if registry == nil {
		return nil, errors.New("event log service: participant registry is required")
	}
	if authorizer == nil {
		return nil, errors.New("event log service: authorizer is required")
	}
	svc := &EventLogService{db: db, registry: registry, authorizer: authorizer, timeNow: time.Now}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Record appends one event. Comment events additionally increment the
// author's participant comment counter and fan out to the session excluding
// the author. Comments are refused once the session ended and require the
// author to be an active participant with the comment capability.
func (s *EventLogService) Record(ctx context.Context, params RecordEventParams) (*models.CollaborationEvent, error) {
	if s == nil {
		return nil, errors.New("event log service: service not initialised")
	}
	if params.Session == nil {
		return nil, ErrSessionNotFound
	}
	ctx = ensureContext(ctx)

	authorID := strings.TrimSpace(params.AuthorID)
	eventType := strings.TrimSpace(params.EventType)
	if authorID == "" || eventType == "" {
		return nil, ErrInvalidOperation
	}

	isComment := eventType == EventTypeComment
	if isComment {
		if params.Session.Status == SessionStatusEnded {
			return nil, ErrSessionEnded
		}
		active, err := s.registry.IsActive(ctx, params.Session.ID, authorID)
		if err != nil {
			return nil, err
		}
		if !active {
			return nil, ErrForbidden
		}
		allowed, err := s.authorizer.CanComment(ctx, authorID, params.Session.ContentID)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, ErrForbidden
		}
	}

	payload, err := encodePayload(params.Payload)
	if err != nil {
		return nil, ErrInvalidOperation
	}

	event := models.CollaborationEvent{
		SessionID: params.Session.ID,
		AuthorID:  authorID,
		EventType: eventType,
		Payload:   payload,
	}
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&event).Error; err != nil {
			return err
		}
		if !isComment {
			return nil
		}
		return tx.Model(&models.SessionParticipant{}).
			Where("session_id = ? AND user_id = ?", params.Session.ID, authorID).
			Update("comment_count", gorm.Expr("comment_count + 1")).Error
	}); err != nil {
		return nil, err
	}

	if isComment {
		monitoring.RecordComment()
		if s.router != nil {
			s.router.PublishExcluding(params.Session.Token, Event{
				Type: EventCommentAdded,
				Payload: map[string]any{
					"event_id":  event.ID,
					"author_id": authorID,
					"payload":   decodePayload(event.Payload),
				},
			}, authorID)
		}
	}
	return &event, nil
}

// List returns the session's events oldest first.
func (s *EventLogService) List(ctx context.Context, sessionID string, limit int) ([]models.CollaborationEvent, error) {
	if s == nil {
		return nil, errors.New("event log service: service not initialised")
	}
	ctx = ensureContext(ctx)

	query := s.db.WithContext(ctx).
		Where("session_id = ?", strings.TrimSpace(sessionID)).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var events []models.CollaborationEvent
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// SummaryMetrics aggregates edit, comment, editor, and resolution counts for
// the session. Read-only; consumed by the external reporting subsystem.
func (s *EventLogService) SummaryMetrics(ctx context.Context, sessionID string) (SessionMetrics, error) {
	if s == nil {
		return SessionMetrics{}, errors.New("event log service: service not initialised")
	}
	ctx = ensureContext(ctx)
	sessionID = strings.TrimSpace(sessionID)

	var metrics SessionMetrics
	if err := s.db.WithContext(ctx).
		Model(&models.EditOperation{}).
		Where("session_id = ? AND status = ?", sessionID, OperationStatusApplied).
		Count(&metrics.Edits).Error; err != nil {
		return SessionMetrics{}, err
	}
	if err := s.db.WithContext(ctx).
		Model(&models.CollaborationEvent{}).
		Where("session_id = ? AND event_type = ?", sessionID, EventTypeComment).
		Count(&metrics.Comments).Error; err != nil {
		return SessionMetrics{}, err
	}
	if err := s.db.WithContext(ctx).
		Model(&models.EditOperation{}).
		Where("session_id = ?", sessionID).
		Distinct("author_id").
		Count(&metrics.DistinctEditors).Error; err != nil {
		return SessionMetrics{}, err
	}
	if err := s.db.WithContext(ctx).
		Model(&models.EditOperation{}).
		Where("session_id = ? AND status = ?", sessionID, OperationStatusResolved).
		Count(&metrics.ConflictsResolved).Error; err != nil {
		return SessionMetrics{}, err
	}
	return metrics, nil
}

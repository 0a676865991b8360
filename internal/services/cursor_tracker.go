package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/syncpad/syncpad/internal/models"
)

// colorPalette holds the cursor colors handed out to participants. Assignment
// is a pure function of the participant's color index, so a reconnecting
// participant always gets the same color back.
var colorPalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
	"#008080", "#e6beff", "#9a6324", "#fffac8", "#800000",
	"#aaffc3",
}

// ColorForIndex maps a stable participant index onto the palette.
func ColorForIndex(index int) string {
	if index < 0 {
		index = -index
	}
	return colorPalette[index%len(colorPalette)]
}

// CursorTracker owns the single cursor record per (session, user): position,
// typing flag, and assigned color. Updates are last-writer-wins overwrites
// and every change fans out to the session excluding the originator.
type CursorTracker struct {
	db       *gorm.DB
	registry *ParticipantRegistry
	router   *BroadcastRouter
	timeNow  func() time.Time
}

// CursorTrackerOption customises tracker dependencies.
type CursorTrackerOption func(*CursorTracker)

// WithCursorRouter wires the broadcast router for fan-out.
func WithCursorRouter(router *BroadcastRouter) CursorTrackerOption {
	return func(t *CursorTracker) {
		t.router = router
	}
}

// WithCursorClock overrides the clock used for timestamps (test helper).
func WithCursorClock(clock func() time.Time) CursorTrackerOption {
	return func(t *CursorTracker) {
		if clock != nil {
			t.timeNow = clock
		}
	}
}

// NewCursorTracker constructs the tracker.
func NewCursorTracker(db *gorm.DB, registry *ParticipantRegistry, opts ...CursorTrackerOption) (*CursorTracker, error) {
	if db == nil {
		return nil, errors.New("cursor tracker: db is required")
	}
	if registry == nil {
		return nil, errors.New("cursor tracker: participant registry is required")
	}
	tracker := &CursorTracker{db: db, registry: registry, timeNow: time.Now}
	for _, opt := range opts {
		opt(tracker)
	}
	return tracker, nil
}

// UpdatePosition overwrites the participant's cursor position and broadcasts
// the move to everyone else in the session.
func (t *CursorTracker) UpdatePosition(ctx context.Context, session *models.CollabSession, userID string, position map[string]any) (*models.CursorPosition, error) {
	return t.upsert(ctx, session, userID, position, nil)
}

// StartTyping flips the typing indicator on and broadcasts it.
func (t *CursorTracker) StartTyping(ctx context.Context, session *models.CollabSession, userID string) (*models.CursorPosition, error) {
	typing := true
	return t.upsert(ctx, session, userID, nil, &typing)
}

// StopTyping flips the typing indicator off and broadcasts it.
func (t *CursorTracker) StopTyping(ctx context.Context, session *models.CollabSession, userID string) (*models.CursorPosition, error) {
	typing := false
	return t.upsert(ctx, session, userID, nil, &typing)
}

func (t *CursorTracker) upsert(ctx context.Context, session *models.CollabSession, userID string, position map[string]any, typing *bool) (*models.CursorPosition, error) {
	if t == nil {
		return nil, errors.New("cursor tracker: tracker not initialised")
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	ctx = ensureContext(ctx)

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidOperation
	}
	if session.Status == SessionStatusEnded {
		return nil, ErrSessionEnded
	}

	participant, err := t.registry.Get(ctx, session.ID, userID)
	if err != nil {
		return nil, err
	}
	if participant.LeftAt != nil {
		return nil, ErrForbidden
	}

	cursor := models.CursorPosition{
		SessionID: session.ID,
		UserID:    userID,
		Color:     ColorForIndex(participant.ColorIndex),
		UpdatedAt: t.timeNow(),
	}
	assignments := map[string]any{
		"color":      cursor.Color,
		"updated_at": cursor.UpdatedAt,
	}
	if position != nil {
		raw, encErr := encodePayload(position)
		if encErr != nil {
			return nil, ErrInvalidOperation
		}
		cursor.Position = raw
		assignments["position"] = raw
	}
	if typing != nil {
		cursor.Typing = *typing
		assignments["typing"] = *typing
	}

	if err := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "user_id"}},
			DoUpdates: clause.Assignments(assignments),
		}).
		Create(&cursor).Error; err != nil {
		return nil, err
	}

	var current models.CursorPosition
	if err := t.db.WithContext(ctx).
		First(&current, "session_id = ? AND user_id = ?", session.ID, userID).Error; err != nil {
		return nil, err
	}

	t.broadcast(session.Token, userID, &current, position != nil, typing)
	return &current, nil
}

func (t *CursorTracker) broadcast(sessionToken, userID string, cursor *models.CursorPosition, moved bool, typing *bool) {
	if t.router == nil {
		return
	}

	payload := map[string]any{
		"user_id": userID,
		"color":   cursor.Color,
		"typing":  cursor.Typing,
	}
	if len(cursor.Position) > 0 {
		payload["position"] = decodePayload(cursor.Position)
	}

	eventType := EventCursorUpdate
	if !moved && typing != nil {
		if *typing {
			eventType = EventTypingStart
		} else {
			eventType = EventTypingStop
		}
	}
	t.router.PublishExcluding(sessionToken, Event{Type: eventType, Payload: payload}, userID)
}

// Release deletes the cursor record when a participant leaves or is kicked.
func (t *CursorTracker) Release(ctx context.Context, sessionID, userID string) error {
	if t == nil {
		return errors.New("cursor tracker: tracker not initialised")
	}
	ctx = ensureContext(ctx)

	return t.db.WithContext(ctx).
		Where("session_id = ? AND user_id = ?", strings.TrimSpace(sessionID), strings.TrimSpace(userID)).
		Delete(&models.CursorPosition{}).Error
}

// List returns the session's live cursor records.
func (t *CursorTracker) List(ctx context.Context, sessionID string) ([]models.CursorPosition, error) {
	if t == nil {
		return nil, errors.New("cursor tracker: tracker not initialised")
	}
	ctx = ensureContext(ctx)

	var cursors []models.CursorPosition
	err := t.db.WithContext(ctx).
		Where("session_id = ?", strings.TrimSpace(sessionID)).
		Order("user_id ASC").
		Find(&cursors).Error
	if err != nil {
		return nil, err
	}
	return cursors, nil
}

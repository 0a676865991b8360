package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/syncpad/syncpad/internal/models"
	"github.com/syncpad/syncpad/internal/monitoring"
)

const (
	// PermissionAdmin may issue control commands and resolve conflicts.
	PermissionAdmin = "admin"
	// PermissionEditor may submit edit operations and comments.
	PermissionEditor = "editor"
	// PermissionViewer may observe the session and move a cursor.
	PermissionViewer = "viewer"
)

// ValidPermissionLevel reports whether level is one of the known levels.
func ValidPermissionLevel(level string) bool {
	switch level {
	case PermissionAdmin, PermissionEditor, PermissionViewer:
		return true
	default:
		return false
	}
}

// AddParticipantParams describes the membership row to create or reactivate.
type AddParticipantParams struct {
	SessionID       string
	UserID          string
	PermissionLevel string
	ColorIndex      int
	JoinedAt        time.Time
}

// RemoveParticipantParams controls a soft removal. KickedByUserID is set only
// for admin-initiated kicks.
type RemoveParticipantParams struct {
	SessionID      string
	UserID         string
	LeftAt         time.Time
	KickedByUserID *string
	KickReason     string
}

// ParticipantRegistry maintains the participant set for every session and the
// online flag every other component consults before acting. Membership is
// unique per (session, user); all writes are idempotent for repeated
// identical calls.
type ParticipantRegistry struct {
	db       *gorm.DB
	presence *PresenceTracker
	timeNow  func() time.Time
}

// ParticipantRegistryOption customises registry dependencies.
type ParticipantRegistryOption func(*ParticipantRegistry)

// WithRegistryPresence wires the key-value presence tracker. Online and
// offline transitions write through to it when present.
func WithRegistryPresence(presence *PresenceTracker) ParticipantRegistryOption {
	return func(r *ParticipantRegistry) {
		r.presence = presence
	}
}

// WithRegistryClock overrides the clock used for timestamps (test helper).
func WithRegistryClock(clock func() time.Time) ParticipantRegistryOption {
	return func(r *ParticipantRegistry) {
		if clock != nil {
			r.timeNow = clock
		}
	}
}

// NewParticipantRegistry constructs the registry.
func NewParticipantRegistry(db *gorm.DB, opts ...ParticipantRegistryOption) (*ParticipantRegistry, error) {
	if db == nil {
		return nil, errors.New("participant registry: db is required")
	}
	registry := &ParticipantRegistry{db: db, timeNow: time.Now}
	for _, opt := range opts {
		opt(registry)
	}
	return registry, nil
}

// Add creates the membership row, or reactivates an earlier one keeping its
// permission level and color so a reconnecting participant looks the same.
func (r *ParticipantRegistry) Add(ctx context.Context, params AddParticipantParams) (*models.SessionParticipant, error) {
	if r == nil {
		return nil, errors.New("participant registry: registry not initialised")
	}
	ctx = ensureContext(ctx)

	sessionID := strings.TrimSpace(params.SessionID)
	userID := strings.TrimSpace(params.UserID)
	if sessionID == "" || userID == "" {
		return nil, ErrInvalidOperation
	}
	level := strings.TrimSpace(strings.ToLower(params.PermissionLevel))
	if level == "" {
		level = PermissionViewer
	}
	if !ValidPermissionLevel(level) {
		return nil, ErrInvalidOperation
	}
	joinedAt := params.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = r.timeNow()
	}

	var participant models.SessionParticipant
	err := r.db.WithContext(ctx).
		First(&participant, "session_id = ? AND user_id = ?", sessionID, userID).Error
	switch {
	case err == nil:
		updates := map[string]any{
			"online":            true,
			"left_at":           gorm.Expr("NULL"),
			"last_seen_at":      joinedAt,
			"kicked_by_user_id": gorm.Expr("NULL"),
			"kick_reason":       "",
		}
		if err := r.db.WithContext(ctx).
			Model(&models.SessionParticipant{}).
			Where("session_id = ? AND user_id = ?", sessionID, userID).
			Updates(updates).Error; err != nil {
			return nil, err
		}
		participant.Online = true
		participant.LeftAt = nil
		participant.LastSeenAt = joinedAt
		participant.KickedByUserID = nil
		participant.KickReason = ""
	case errors.Is(err, gorm.ErrRecordNotFound):
		participant = models.SessionParticipant{
			SessionID:       sessionID,
			UserID:          userID,
			PermissionLevel: level,
			ColorIndex:      params.ColorIndex,
			JoinedAt:        joinedAt,
			LastSeenAt:      joinedAt,
			Online:          true,
		}
		if createErr := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&participant).Error; createErr != nil && !isUniqueConstraintError(createErr) {
			return nil, createErr
		}
	default:
		return nil, err
	}

	if r.presence != nil {
		if presErr := r.presence.MarkOnline(ctx, sessionID, userID); presErr != nil {
			return nil, presErr
		}
	}
	return &participant, nil
}

// Remove soft-removes the participant: offline, LeftAt stamped, presence
// dropped. Historical operations and events stay untouched. Removing an
// already-left participant is a no-op.
func (r *ParticipantRegistry) Remove(ctx context.Context, params RemoveParticipantParams) error {
	if r == nil {
		return errors.New("participant registry: registry not initialised")
	}
	ctx = ensureContext(ctx)

	sessionID := strings.TrimSpace(params.SessionID)
	userID := strings.TrimSpace(params.UserID)
	if sessionID == "" || userID == "" {
		return ErrInvalidOperation
	}
	leftAt := params.LeftAt
	if leftAt.IsZero() {
		leftAt = r.timeNow()
	}

	updates := map[string]any{
		"online":  false,
		"left_at": leftAt,
	}
	if params.KickedByUserID != nil {
		updates["kicked_by_user_id"] = params.KickedByUserID
		updates["kick_reason"] = strings.TrimSpace(params.KickReason)
	}

	result := r.db.WithContext(ctx).
		Model(&models.SessionParticipant{}).
		Where("session_id = ? AND user_id = ? AND left_at IS NULL", sessionID, userID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}

	if r.presence != nil {
		if err := r.presence.MarkOffline(ctx, sessionID, userID); err != nil {
			return err
		}
	}
	return nil
}

// MarkOnline flips the online flag and refreshes the presence key.
func (r *ParticipantRegistry) MarkOnline(ctx context.Context, sessionID, userID string) error {
	return r.setOnline(ctx, sessionID, userID, true)
}

// MarkOffline flips the online flag off and drops the presence key.
func (r *ParticipantRegistry) MarkOffline(ctx context.Context, sessionID, userID string) error {
	return r.setOnline(ctx, sessionID, userID, false)
}

func (r *ParticipantRegistry) setOnline(ctx context.Context, sessionID, userID string, online bool) error {
	if r == nil {
		return errors.New("participant registry: registry not initialised")
	}
	ctx = ensureContext(ctx)

	sessionID = strings.TrimSpace(sessionID)
	userID = strings.TrimSpace(userID)
	if sessionID == "" || userID == "" {
		return ErrInvalidOperation
	}

	updates := map[string]any{"online": online}
	if online {
		updates["last_seen_at"] = r.timeNow()
	}
	if err := r.db.WithContext(ctx).
		Model(&models.SessionParticipant{}).
		Where("session_id = ? AND user_id = ? AND left_at IS NULL", sessionID, userID).
		Updates(updates).Error; err != nil {
		return err
	}

	if r.presence == nil {
		return nil
	}
	if online {
		return r.presence.MarkOnline(ctx, sessionID, userID)
	}
	return r.presence.MarkOffline(ctx, sessionID, userID)
}

// Touch refreshes LastSeenAt and presence on a heartbeat.
func (r *ParticipantRegistry) Touch(ctx context.Context, sessionID, userID string) error {
	if r == nil {
		return errors.New("participant registry: registry not initialised")
	}
	ctx = ensureContext(ctx)

	result := r.db.WithContext(ctx).
		Model(&models.SessionParticipant{}).
		Where("session_id = ? AND user_id = ? AND left_at IS NULL", sessionID, userID).
		Updates(map[string]any{"last_seen_at": r.timeNow(), "online": true})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrParticipantNotFound
	}

	if r.presence != nil {
		return r.presence.MarkOnline(ctx, sessionID, userID)
	}
	return nil
}

// SetPermission updates a participant's level. Setting the level it already
// has is a no-op.
func (r *ParticipantRegistry) SetPermission(ctx context.Context, sessionID, userID, level string) error {
	if r == nil {
		return errors.New("participant registry: registry not initialised")
	}
	ctx = ensureContext(ctx)

	level = strings.TrimSpace(strings.ToLower(level))
	if !ValidPermissionLevel(level) {
		return ErrInvalidOperation
	}

	result := r.db.WithContext(ctx).
		Model(&models.SessionParticipant{}).
		Where("session_id = ? AND user_id = ? AND left_at IS NULL", strings.TrimSpace(sessionID), strings.TrimSpace(userID)).
		Update("permission_level", level)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

// Get returns the membership row regardless of its left state.
func (r *ParticipantRegistry) Get(ctx context.Context, sessionID, userID string) (*models.SessionParticipant, error) {
	if r == nil {
		return nil, errors.New("participant registry: registry not initialised")
	}
	ctx = ensureContext(ctx)

	var participant models.SessionParticipant
	err := r.db.WithContext(ctx).
		First(&participant, "session_id = ? AND user_id = ?", strings.TrimSpace(sessionID), strings.TrimSpace(userID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrParticipantNotFound
	}
	if err != nil {
		return nil, err
	}
	return &participant, nil
}

// IsActive reports whether the user currently belongs to the session. Every
// other component's permission gate goes through this check.
func (r *ParticipantRegistry) IsActive(ctx context.Context, sessionID, userID string) (bool, error) {
	if r == nil {
		return false, errors.New("participant registry: registry not initialised")
	}
	ctx = ensureContext(ctx)

	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.SessionParticipant{}).
		Where("session_id = ? AND user_id = ? AND left_at IS NULL", strings.TrimSpace(sessionID), strings.TrimSpace(userID)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// ActiveCount returns the number of participants who have not left.
func (r *ParticipantRegistry) ActiveCount(ctx context.Context, sessionID string) (int64, error) {
	if r == nil {
		return 0, errors.New("participant registry: registry not initialised")
	}
	ctx = ensureContext(ctx)

	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.SessionParticipant{}).
		Where("session_id = ? AND left_at IS NULL", strings.TrimSpace(sessionID)).
		Count(&count).Error
	return count, err
}

// TotalCount returns the number of membership rows ever created for the
// session. Used to hand out the next stable color index.
func (r *ParticipantRegistry) TotalCount(ctx context.Context, sessionID string) (int64, error) {
	if r == nil {
		return 0, errors.New("participant registry: registry not initialised")
	}
	ctx = ensureContext(ctx)

	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.SessionParticipant{}).
		Where("session_id = ?", strings.TrimSpace(sessionID)).
		Count(&count).Error
	return count, err
}

// List returns the session's participants, active members first when
// activeOnly is set.
func (r *ParticipantRegistry) List(ctx context.Context, sessionID string, activeOnly bool) ([]models.SessionParticipant, error) {
	if r == nil {
		return nil, errors.New("participant registry: registry not initialised")
	}
	ctx = ensureContext(ctx)

	query := r.db.WithContext(ctx).
		Where("session_id = ?", strings.TrimSpace(sessionID)).
		Order("joined_at ASC")
	if activeOnly {
		query = query.Where("left_at IS NULL")
	}

	var participants []models.SessionParticipant
	if err := query.Find(&participants).Error; err != nil {
		return nil, err
	}
	return participants, nil
}

// SweepInactive marks active participants offline when their last heartbeat
// predates the window. Liveness here is advisory presence state only.
func (r *ParticipantRegistry) SweepInactive(ctx context.Context, window time.Duration) (int64, error) {
	if r == nil {
		return 0, errors.New("participant registry: registry not initialised")
	}
	ctx = ensureContext(ctx)
	if window <= 0 {
		window = DefaultHeartbeatWindow
	}
	cutoff := r.timeNow().Add(-window)

	result := r.db.WithContext(ctx).
		Model(&models.SessionParticipant{}).
		Where("online = ? AND left_at IS NULL AND last_seen_at < ?", true, cutoff).
		Update("online", false)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		monitoring.RecordParticipantEvent("marked_offline")
	}
	return result.RowsAffected, nil
}

package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/syncpad/syncpad/internal/auth"
	"github.com/syncpad/syncpad/internal/models"
	"github.com/syncpad/syncpad/internal/monitoring"
)

const (
	// SessionStatusCreated marks a session that exists but has not started.
	SessionStatusCreated = "created"
	// SessionStatusActive indicates the session is currently live.
	SessionStatusActive = "active"
	// SessionStatusPaused indicates editing is suspended by an admin.
	SessionStatusPaused = "paused"
	// SessionStatusEnded marks the terminal, irreversible state.
	SessionStatusEnded = "ended"
)

// DefaultSessionCapacity bounds participant count when a session is created
// without an explicit limit.
const DefaultSessionCapacity = 10

// defaultSnapshotOperations bounds how many recent operations a snapshot carries.
const defaultSnapshotOperations = 50

// ControlCommand is the closed set of admin control actions. Each variant
// carries its own arguments and has exactly one handler; there is no
// string-keyed dispatch.
type ControlCommand interface {
	commandName() string
}

// PauseCommand suspends an active or freshly created session.
type PauseCommand struct{}

// ResumeCommand reactivates a paused session.
type ResumeCommand struct{}

// EndCommand terminates the session permanently.
type EndCommand struct {
	Reason string
}

// KickCommand removes a target participant, recording who did it and why.
type KickCommand struct {
	TargetUserID string
	Reason       string
}

// ChangePermissionCommand updates a target participant's level.
type ChangePermissionCommand struct {
	TargetUserID string
	Level        string
}

func (PauseCommand) commandName() string            { return "pause" }
func (ResumeCommand) commandName() string           { return "resume" }
func (EndCommand) commandName() string              { return "end" }
func (KickCommand) commandName() string             { return "kick" }
func (ChangePermissionCommand) commandName() string { return "change_permission" }

// CreateSessionParams carries the attributes for a new session.
type CreateSessionParams struct {
	Name        string
	ContentID   string
	OwnerUserID string
	Capacity    int
	Token       string
}

// SessionSnapshot is a side-effect-free point-in-time summary.
type SessionSnapshot struct {
	Session      models.CollabSession        `json:"session"`
	Participants []models.SessionParticipant `json:"participants"`
	Cursors      []models.CursorPosition     `json:"cursors"`
	Operations   []models.EditOperation      `json:"operations"`
	Version      int64                       `json:"version"`
	GeneratedAt  time.Time                   `json:"generated_at"`
}

// SessionLifecycleService owns the session state machine, capacity-gated
// joins, and admin control commands. Every read-modify-write on a session's
// participant set or status runs under the shared per-session lock, the same
// serialization point the sequencer uses.
type SessionLifecycleService struct {
	db                 *gorm.DB
	registry           *ParticipantRegistry
	authorizer         auth.Authorizer
	cursors            *CursorTracker
	events             *EventLogService
	router             *BroadcastRouter
	profiles           auth.ProfileLookup
	locks              *KeyedMutex
	defaultCapacity    int
	snapshotOperations int
	timeNow            func() time.Time
}

// SessionLifecycleOption customises service dependencies.
type SessionLifecycleOption func(*SessionLifecycleService)

// WithLifecycleRouter wires the broadcast router.
func WithLifecycleRouter(router *BroadcastRouter) SessionLifecycleOption {
	return func(s *SessionLifecycleService) {
		s.router = router
	}
}

// WithLifecycleCursorTracker wires cursor release on leave and kick.
func WithLifecycleCursorTracker(cursors *CursorTracker) SessionLifecycleOption {
	return func(s *SessionLifecycleService) {
		s.cursors = cursors
	}
}

// WithLifecycleEventLog wires explicit post-commit history recording.
func WithLifecycleEventLog(events *EventLogService) SessionLifecycleOption {
	return func(s *SessionLifecycleService) {
		s.events = events
	}
}

// WithLifecycleProfiles wires the external profile lookup used to decorate
// join broadcasts with display names and avatars.
func WithLifecycleProfiles(profiles auth.ProfileLookup) SessionLifecycleOption {
	return func(s *SessionLifecycleService) {
		s.profiles = profiles
	}
}

// WithLifecycleLocks shares the per-session mutex with the other services.
func WithLifecycleLocks(locks *KeyedMutex) SessionLifecycleOption {
	return func(s *SessionLifecycleService) {
		if locks != nil {
			s.locks = locks
		}
	}
}

// WithDefaultCapacity overrides the capacity applied when Create receives none.
func WithDefaultCapacity(capacity int) SessionLifecycleOption {
	return func(s *SessionLifecycleService) {
		if capacity > 0 {
			s.defaultCapacity = capacity
		}
	}
}

// WithSnapshotOperationCount bounds the operations a snapshot includes.
func WithSnapshotOperationCount(count int) SessionLifecycleOption {
	return func(s *SessionLifecycleService) {
		if count > 0 {
			s.snapshotOperations = count
		}
	}
}

// WithLifecycleClock overrides the clock used for timestamps (test helper).
func WithLifecycleClock(clock func() time.Time) SessionLifecycleOption {
	return func(s *SessionLifecycleService) {
		if clock != nil {
			s.timeNow = clock
		}
	}
}

// NewSessionLifecycleService constructs the lifecycle service.
func NewSessionLifecycleService(db *gorm.DB, registry *ParticipantRegistry, authorizer auth.Authorizer, opts ...SessionLifecycleOption) (*SessionLifecycleService, error) {
	if db == nil {
		return nil, errors.New("session lifecycle service: db is required")
	}
	if registry == nil {
		return nil, errors.New("session lifecycle service: participant registry is required")
	}
	if authorizer == nil {
		return nil, errors.New("session lifecycle service: authorizer is required")
	}

	svc := &SessionLifecycleService{
		db:                 db,
		registry:           registry,
		authorizer:         authorizer,
		locks:              NewKeyedMutex(),
		defaultCapacity:    DefaultSessionCapacity,
		snapshotOperations: defaultSnapshotOperations,
		timeNow:            time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Create persists a new session in the created state. The owner becomes its
// admin participant on their own Join. At most one live session may exist per
// content reference; the check runs under a lock keyed by the content id so
// racing creators cannot both slip through.
func (s *SessionLifecycleService) Create(ctx context.Context, params CreateSessionParams) (*models.CollabSession, error) {
	if s == nil {
		return nil, errors.New("session lifecycle service: service not initialised")
	}
	ctx = ensureContext(ctx)

	name := strings.TrimSpace(params.Name)
	contentID := strings.TrimSpace(params.ContentID)
	ownerID := strings.TrimSpace(params.OwnerUserID)
	if name == "" || contentID == "" || ownerID == "" {
		return nil, ErrInvalidOperation
	}
	capacity := params.Capacity
	if capacity <= 0 {
		capacity = s.defaultCapacity
	}
	token := strings.TrimSpace(params.Token)
	if token == "" {
		token = uuid.NewString()
	}

	if err := s.mirrorUser(ctx, ownerID); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock("content:" + contentID)
	defer unlock()

	var existing int64
	if err := s.db.WithContext(ctx).
		Model(&models.CollabSession{}).
		Where("content_id = ? AND status <> ?", contentID, SessionStatusEnded).
		Count(&existing).Error; err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, ErrActiveSessionExists
	}

	session := models.CollabSession{
		Token:       token,
		Name:        name,
		ContentID:   contentID,
		Status:      SessionStatusCreated,
		Capacity:    capacity,
		OwnerUserID: ownerID,
		Version:     0,
	}
	if err := s.db.WithContext(ctx).Create(&session).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, ErrActiveSessionExists
		}
		return nil, err
	}

	monitoring.AdjustActiveSessions(1)
	s.recordEvent(ctx, &session, ownerID, EventTypeSessionCreated, map[string]any{
		"name":     session.Name,
		"capacity": session.Capacity,
	})
	return &session, nil
}

// GetByToken loads a session by its opaque token.
func (s *SessionLifecycleService) GetByToken(ctx context.Context, token string) (*models.CollabSession, error) {
	if s == nil {
		return nil, errors.New("session lifecycle service: service not initialised")
	}
	ctx = ensureContext(ctx)

	var session models.CollabSession
	err := s.db.WithContext(ctx).First(&session, "token = ?", strings.TrimSpace(token)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Join admits the user as a participant. Capacity is checked against the
// active participant count under the session lock, so the (C+1)th of C+1
// concurrent joins always loses. A participant who left earlier is
// reactivated with their original color and permission level. The first join
// moves a created session to active.
func (s *SessionLifecycleService) Join(ctx context.Context, sessionToken, userID string) (*models.SessionParticipant, *models.CollabSession, error) {
	if s == nil {
		return nil, nil, errors.New("session lifecycle service: service not initialised")
	}
	ctx = ensureContext(ctx)

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil, ErrInvalidOperation
	}
	session, err := s.GetByToken(ctx, sessionToken)
	if err != nil {
		return nil, nil, err
	}
	switch session.Status {
	case SessionStatusEnded:
		return nil, nil, ErrSessionEnded
	case SessionStatusCreated, SessionStatusActive:
	default:
		return nil, nil, ErrNotJoinable
	}

	// Owning the session is itself authorization to sit in it.
	if userID != session.OwnerUserID {
		allowed, authErr := s.authorizer.CanJoin(ctx, userID, session.ContentID)
		if authErr != nil {
			return nil, nil, authErr
		}
		if !allowed {
			return nil, nil, ErrForbidden
		}
	}
	level, err := s.permissionForJoin(ctx, session, userID)
	if err != nil {
		return nil, nil, err
	}
	if err := s.mirrorUser(ctx, userID); err != nil {
		return nil, nil, err
	}

	unlock := s.locks.Lock(session.ID)
	defer unlock()

	// Re-read under the lock: status or capacity may have changed while we
	// waited behind a control command or competing join.
	session, err = s.GetByToken(ctx, sessionToken)
	if err != nil {
		return nil, nil, err
	}
	switch session.Status {
	case SessionStatusEnded:
		return nil, nil, ErrSessionEnded
	case SessionStatusCreated, SessionStatusActive:
	default:
		return nil, nil, ErrNotJoinable
	}

	existing, err := s.registry.Get(ctx, session.ID, userID)
	if err != nil && !errors.Is(err, ErrParticipantNotFound) {
		return nil, nil, err
	}

	colorIndex := 0
	if existing != nil {
		colorIndex = existing.ColorIndex
	}
	if existing == nil || existing.LeftAt != nil {
		activeCount, countErr := s.registry.ActiveCount(ctx, session.ID)
		if countErr != nil {
			return nil, nil, countErr
		}
		if activeCount >= int64(session.Capacity) {
			return nil, nil, ErrCapacityExceeded
		}
	}
	if existing == nil {
		total, totalErr := s.registry.TotalCount(ctx, session.ID)
		if totalErr != nil {
			return nil, nil, totalErr
		}
		colorIndex = int(total)
	}

	participant, err := s.registry.Add(ctx, AddParticipantParams{
		SessionID:       session.ID,
		UserID:          userID,
		PermissionLevel: level,
		ColorIndex:      colorIndex,
		JoinedAt:        s.timeNow(),
	})
	if err != nil {
		return nil, nil, err
	}

	if session.Status == SessionStatusCreated {
		now := s.timeNow()
		if err := s.db.WithContext(ctx).
			Model(&models.CollabSession{}).
			Where("id = ?", session.ID).
			Updates(map[string]any{"status": SessionStatusActive, "started_at": now}).Error; err != nil {
			return nil, nil, err
		}
		session.Status = SessionStatusActive
		session.StartedAt = &now
	}

	monitoring.RecordParticipantEvent("joined")
	s.recordEvent(ctx, session, userID, EventTypeParticipantJoined, map[string]any{
		"permission_level": participant.PermissionLevel,
	})
	s.broadcastJoin(ctx, session, participant)
	return participant, session, nil
}

// mirrorUser upserts the minimal identity row that session, operation, and
// event foreign keys point at. The authoritative account lives in the
// external authentication service; this copy exists for referential integrity
// and display decoration only.
func (s *SessionLifecycleService) mirrorUser(ctx context.Context, userID string) error {
	user := models.User{ID: userID, Username: userID}
	if s.profiles != nil {
		if profile, err := s.profiles.Profile(ctx, userID); err == nil {
			if username := strings.TrimSpace(profile.Username); username != "" {
				user.Username = username
			}
			user.DisplayName = profile.DisplayName
			user.Avatar = profile.AvatarURL
		}
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&user).Error
}

func (s *SessionLifecycleService) permissionForJoin(ctx context.Context, session *models.CollabSession, userID string) (string, error) {
	if userID == session.OwnerUserID {
		return PermissionAdmin, nil
	}
	level, err := s.authorizer.PermissionLevel(ctx, userID, session.ContentID)
	if err != nil {
		return "", err
	}
	level = strings.TrimSpace(strings.ToLower(level))
	if !ValidPermissionLevel(level) {
		level = PermissionViewer
	}
	return level, nil
}

func (s *SessionLifecycleService) broadcastJoin(ctx context.Context, session *models.CollabSession, participant *models.SessionParticipant) {
	if s.router == nil {
		return
	}

	payload := map[string]any{
		"user_id":          participant.UserID,
		"permission_level": participant.PermissionLevel,
		"color":            ColorForIndex(participant.ColorIndex),
	}
	if s.profiles != nil {
		if profile, err := s.profiles.Profile(ctx, participant.UserID); err == nil {
			payload["username"] = profile.Username
			payload["display_name"] = profile.DisplayName
			payload["avatar_url"] = profile.AvatarURL
		}
	}

	s.router.PublishExcluding(session.Token, Event{Type: EventParticipantJoined, Payload: payload}, participant.UserID)
	s.router.Ack(participant.UserID, Event{
		Type: EventSessionJoined,
		Payload: map[string]any{
			"session_token":    session.Token,
			"session_name":     session.Name,
			"version":          session.Version,
			"permission_level": participant.PermissionLevel,
			"color":            ColorForIndex(participant.ColorIndex),
		},
	})
}

// Leave marks the participant offline and left, and releases their cursor.
// Operations and events they produced stay in the history. Leaving twice is
// a no-op.
func (s *SessionLifecycleService) Leave(ctx context.Context, sessionToken, userID string) error {
	if s == nil {
		return errors.New("session lifecycle service: service not initialised")
	}
	ctx = ensureContext(ctx)

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidOperation
	}
	session, err := s.GetByToken(ctx, sessionToken)
	if err != nil {
		return err
	}

	participant, err := s.registry.Get(ctx, session.ID, userID)
	if err != nil {
		return err
	}
	if participant.LeftAt != nil {
		return nil
	}

	if err := s.registry.Remove(ctx, RemoveParticipantParams{
		SessionID: session.ID,
		UserID:    userID,
		LeftAt:    s.timeNow(),
	}); err != nil {
		return err
	}
	if s.cursors != nil {
		if err := s.cursors.Release(ctx, session.ID, userID); err != nil {
			return err
		}
	}

	monitoring.RecordParticipantEvent("left")
	s.recordEvent(ctx, session, userID, EventTypeParticipantLeft, nil)
	if s.router != nil {
		s.router.PublishExcluding(session.Token, Event{
			Type:    EventParticipantLeft,
			Payload: map[string]any{"user_id": userID},
		}, userID)
	}
	return nil
}

// Control executes an admin command against the session state machine.
// Transitions: created/active pause to paused, paused resumes to active, any
// non-terminal state ends to ended. Ended is terminal; every command against
// an ended session fails without mutating state.
func (s *SessionLifecycleService) Control(ctx context.Context, sessionToken, actorUserID string, command ControlCommand) (*models.CollabSession, error) {
	if s == nil {
		return nil, errors.New("session lifecycle service: service not initialised")
	}
	if command == nil {
		return nil, ErrInvalidOperation
	}
	ctx = ensureContext(ctx)

	actorUserID = strings.TrimSpace(actorUserID)
	if actorUserID == "" {
		return nil, ErrInvalidOperation
	}
	session, err := s.GetByToken(ctx, sessionToken)
	if err != nil {
		return nil, err
	}
	if session.Status == SessionStatusEnded {
		return nil, ErrSessionEnded
	}

	actor, err := s.registry.Get(ctx, session.ID, actorUserID)
	if err != nil {
		return nil, err
	}
	if actor.LeftAt != nil || actor.PermissionLevel != PermissionAdmin {
		return nil, ErrForbidden
	}

	unlock := s.locks.Lock(session.ID)
	defer unlock()

	session, err = s.GetByToken(ctx, sessionToken)
	if err != nil {
		return nil, err
	}
	if session.Status == SessionStatusEnded {
		return nil, ErrSessionEnded
	}

	var applyErr error
	switch cmd := command.(type) {
	case PauseCommand:
		applyErr = s.pause(ctx, session, actorUserID)
	case ResumeCommand:
		applyErr = s.resume(ctx, session, actorUserID)
	case EndCommand:
		applyErr = s.end(ctx, session, actorUserID, cmd)
	case KickCommand:
		applyErr = s.kick(ctx, session, actorUserID, cmd)
	case ChangePermissionCommand:
		applyErr = s.changePermission(ctx, session, actorUserID, cmd)
	default:
		applyErr = ErrInvalidOperation
	}

	result := "success"
	if applyErr != nil {
		result = "failure"
	}
	monitoring.RecordControlCommand(command.commandName(), result)
	if applyErr != nil {
		return nil, applyErr
	}
	return session, nil
}

func (s *SessionLifecycleService) pause(ctx context.Context, session *models.CollabSession, actorID string) error {
	if session.Status != SessionStatusCreated && session.Status != SessionStatusActive {
		return ErrInvalidTransition
	}
	if err := s.setStatus(ctx, session, SessionStatusPaused, nil); err != nil {
		return err
	}
	s.recordEvent(ctx, session, actorID, EventTypeSessionPaused, nil)
	s.publish(session, EventSessionPaused, map[string]any{"by": actorID})
	return nil
}

func (s *SessionLifecycleService) resume(ctx context.Context, session *models.CollabSession, actorID string) error {
	if session.Status != SessionStatusPaused {
		return ErrInvalidTransition
	}
	if err := s.setStatus(ctx, session, SessionStatusActive, nil); err != nil {
		return err
	}
	s.recordEvent(ctx, session, actorID, EventTypeSessionResumed, nil)
	s.publish(session, EventSessionResumed, map[string]any{"by": actorID})
	return nil
}

func (s *SessionLifecycleService) end(ctx context.Context, session *models.CollabSession, actorID string, cmd EndCommand) error {
	now := s.timeNow()
	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.CollabSession{}).
			Where("id = ?", session.ID).
			Updates(map[string]any{"status": SessionStatusEnded, "ended_at": now}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.SessionParticipant{}).
			Where("session_id = ? AND left_at IS NULL", session.ID).
			Updates(map[string]any{"online": false, "left_at": now}).Error; err != nil {
			return err
		}
		return tx.Where("session_id = ?", session.ID).
			Delete(&models.CursorPosition{}).Error
	}); err != nil {
		return err
	}
	session.Status = SessionStatusEnded
	session.EndedAt = &now

	monitoring.AdjustActiveSessions(-1)
	s.recordEvent(ctx, session, actorID, EventTypeSessionEnded, map[string]any{"reason": strings.TrimSpace(cmd.Reason)})
	s.publish(session, EventSessionEnded, map[string]any{
		"by":     actorID,
		"reason": strings.TrimSpace(cmd.Reason),
	})
	return nil
}

func (s *SessionLifecycleService) kick(ctx context.Context, session *models.CollabSession, actorID string, cmd KickCommand) error {
	targetID := strings.TrimSpace(cmd.TargetUserID)
	if targetID == "" {
		return ErrInvalidOperation
	}
	if targetID == actorID {
		return ErrCannotKickSelf
	}
	target, err := s.registry.Get(ctx, session.ID, targetID)
	if err != nil {
		return err
	}
	if target.LeftAt != nil {
		return ErrParticipantNotFound
	}

	kicker := actorID
	if err := s.registry.Remove(ctx, RemoveParticipantParams{
		SessionID:      session.ID,
		UserID:         targetID,
		LeftAt:         s.timeNow(),
		KickedByUserID: &kicker,
		KickReason:     cmd.Reason,
	}); err != nil {
		return err
	}
	if s.cursors != nil {
		if err := s.cursors.Release(ctx, session.ID, targetID); err != nil {
			return err
		}
	}

	monitoring.RecordParticipantEvent("kicked")
	s.recordEvent(ctx, session, actorID, EventTypeParticipantKicked, map[string]any{
		"target_user_id": targetID,
		"reason":         strings.TrimSpace(cmd.Reason),
	})
	s.publish(session, EventParticipantKicked, map[string]any{
		"user_id": targetID,
		"by":      actorID,
		"reason":  strings.TrimSpace(cmd.Reason),
	})
	return nil
}

func (s *SessionLifecycleService) changePermission(ctx context.Context, session *models.CollabSession, actorID string, cmd ChangePermissionCommand) error {
	targetID := strings.TrimSpace(cmd.TargetUserID)
	level := strings.TrimSpace(strings.ToLower(cmd.Level))
	if targetID == "" || !ValidPermissionLevel(level) {
		return ErrInvalidOperation
	}
	if err := s.registry.SetPermission(ctx, session.ID, targetID, level); err != nil {
		return err
	}

	s.recordEvent(ctx, session, actorID, EventTypePermissionChanged, map[string]any{
		"target_user_id":   targetID,
		"permission_level": level,
	})
	s.publish(session, EventPermissionChanged, map[string]any{
		"user_id":          targetID,
		"permission_level": level,
		"by":               actorID,
	})
	return nil
}

func (s *SessionLifecycleService) setStatus(ctx context.Context, session *models.CollabSession, status string, extra map[string]any) error {
	updates := map[string]any{"status": status}
	for key, value := range extra {
		updates[key] = value
	}
	if err := s.db.WithContext(ctx).
		Model(&models.CollabSession{}).
		Where("id = ?", session.ID).
		Updates(updates).Error; err != nil {
		return err
	}
	session.Status = status
	return nil
}

// Snapshot produces a read-only point-in-time summary of the session:
// active participants, cursors, the latest operations, and the version
// counter. It mutates nothing.
func (s *SessionLifecycleService) Snapshot(ctx context.Context, sessionToken string) (*SessionSnapshot, error) {
	if s == nil {
		return nil, errors.New("session lifecycle service: service not initialised")
	}
	ctx = ensureContext(ctx)

	session, err := s.GetByToken(ctx, sessionToken)
	if err != nil {
		return nil, err
	}

	participants, err := s.registry.List(ctx, session.ID, true)
	if err != nil {
		return nil, err
	}

	var cursors []models.CursorPosition
	if err := s.db.WithContext(ctx).
		Where("session_id = ?", session.ID).
		Order("user_id ASC").
		Find(&cursors).Error; err != nil {
		return nil, err
	}

	var operations []models.EditOperation
	if err := s.db.WithContext(ctx).
		Where("session_id = ? AND sequence_number IS NOT NULL", session.ID).
		Order("sequence_number DESC").
		Limit(s.snapshotOperations).
		Find(&operations).Error; err != nil {
		return nil, err
	}

	return &SessionSnapshot{
		Session:      *session,
		Participants: participants,
		Cursors:      cursors,
		Operations:   operations,
		Version:      session.Version,
		GeneratedAt:  s.timeNow(),
	}, nil
}

// Heartbeat refreshes the participant's last-seen timestamp and presence TTL.
// It never changes session status; liveness is advisory display state.
func (s *SessionLifecycleService) Heartbeat(ctx context.Context, sessionToken, userID string) error {
	if s == nil {
		return errors.New("session lifecycle service: service not initialised")
	}
	ctx = ensureContext(ctx)

	session, err := s.GetByToken(ctx, sessionToken)
	if err != nil {
		return err
	}
	if session.Status == SessionStatusEnded {
		return ErrSessionEnded
	}

	if err := s.registry.Touch(ctx, session.ID, strings.TrimSpace(userID)); err != nil {
		return err
	}

	monitoring.RecordHeartbeat()
	if s.router != nil {
		s.router.Ack(strings.TrimSpace(userID), Event{
			Type:    EventHeartbeatAcknowledged,
			Payload: map[string]any{"session_token": session.Token},
		})
	}
	return nil
}

func (s *SessionLifecycleService) recordEvent(ctx context.Context, session *models.CollabSession, authorID, eventType string, payload map[string]any) {
	if s.events == nil {
		return
	}
	// History recording is best-effort bookkeeping after the state change
	// committed; failures must not undo the transition.
	_, _ = s.events.Record(ctx, RecordEventParams{
		Session:   session,
		AuthorID:  authorID,
		EventType: eventType,
		Payload:   payload,
	})
}

func (s *SessionLifecycleService) publish(session *models.CollabSession, eventType string, payload map[string]any) {
	if s.router == nil {
		return
	}
	s.router.Publish(session.Token, Event{Type: eventType, Payload: payload})
}

package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/syncpad/syncpad/internal/auth"
	"github.com/syncpad/syncpad/internal/models"
	"github.com/syncpad/syncpad/internal/monitoring"
	"github.com/syncpad/syncpad/pkg/logger"
)

const (
	// OperationInsert adds text at a position.
	OperationInsert = "insert"
	// OperationDelete removes a range.
	OperationDelete = "delete"
	// OperationReplace swaps a range for new text.
	OperationReplace = "replace"
	// OperationFormat applies attributes to a range.
	OperationFormat = "format"
)

const (
	// OperationStatusPending marks an operation not yet sequenced.
	OperationStatusPending = "pending"
	// OperationStatusApplied marks an operation that won its sequence number.
	OperationStatusApplied = "applied"
	// OperationStatusConflicted marks an operation whose base version was stale.
	OperationStatusConflicted = "conflicted"
	// OperationStatusResolved marks a conflicted operation after resolution.
	OperationStatusResolved = "resolved"
	// OperationStatusRejected marks an operation refused before sequencing.
	OperationStatusRejected = "rejected"
)

// ValidOperationType reports whether the operation type is known.
func ValidOperationType(opType string) bool {
	switch opType {
	case OperationInsert, OperationDelete, OperationReplace, OperationFormat:
		return true
	default:
		return false
	}
}

// SubmitOperationParams carries one candidate edit into the sequencer.
type SubmitOperationParams struct {
	SessionToken string
	AuthorID     string
	Type         string
	Payload      map[string]any
	BaseVersion  int64
}

// OperationSequencer assigns gap-free, strictly increasing sequence numbers
// to accepted edits and owns the session's authoritative version counter.
// Submissions for one session are strictly ordered through the keyed mutex;
// different sessions never block each other.
type OperationSequencer struct {
	db         *gorm.DB
	registry   *ParticipantRegistry
	authorizer auth.Authorizer
	router     *BroadcastRouter
	locks      *KeyedMutex
	timeNow    func() time.Time
}

// OperationSequencerOption customises sequencer dependencies.
type OperationSequencerOption func(*OperationSequencer)

// WithSequencerRouter wires the broadcast router for fan-out and acks.
func WithSequencerRouter(router *BroadcastRouter) OperationSequencerOption {
	return func(s *OperationSequencer) {
		s.router = router
	}
}

// WithSequencerLocks shares the per-session mutex with the other services.
func WithSequencerLocks(locks *KeyedMutex) OperationSequencerOption {
	return func(s *OperationSequencer) {
		if locks != nil {
			s.locks = locks
		}
	}
}

// WithSequencerClock overrides the clock used for timestamps (test helper).
func WithSequencerClock(clock func() time.Time) OperationSequencerOption {
	return func(s *OperationSequencer) {
		if clock != nil {
			s.timeNow = clock
		}
	}
}

// NewOperationSequencer constructs the sequencer.
func NewOperationSequencer(db *gorm.DB, registry *ParticipantRegistry, authorizer auth.Authorizer, opts ...OperationSequencerOption) (*OperationSequencer, error) {
	if db == nil {
		return nil, errors.New("operation sequencer: db is required")
	}
	if registry == nil {
		return nil, errors.New("operation sequencer: participant registry is required")
	}
	if authorizer == nil {
		return nil, errors.New("operation sequencer: authorizer is required")
	}
	sequencer := &OperationSequencer{
		db:         db,
		registry:   registry,
		authorizer: authorizer,
		locks:      NewKeyedMutex(),
		timeNow:    time.Now,
	}
	for _, opt := range opts {
		opt(sequencer)
	}
	return sequencer, nil
}

// Submit validates and sequences one edit. An operation whose base version
// is stale at the serialization point is persisted as conflicted and returned
// as data, never dropped and never treated as an error. Exactly one of two
// racing operations wins any given version.
func (s *OperationSequencer) Submit(ctx context.Context, params SubmitOperationParams) (*models.EditOperation, error) {
	if s == nil {
		return nil, errors.New("operation sequencer: sequencer not initialised")
	}
	ctx = ensureContext(ctx)

	token := strings.TrimSpace(params.SessionToken)
	authorID := strings.TrimSpace(params.AuthorID)
	if token == "" || authorID == "" {
		return nil, ErrInvalidOperation
	}
	if !ValidOperationType(params.Type) || len(params.Payload) == 0 || params.BaseVersion < 0 {
		return nil, ErrInvalidOperation
	}
	payload, err := encodePayload(params.Payload)
	if err != nil {
		return nil, ErrInvalidOperation
	}

	var session models.CollabSession
	if err := s.db.WithContext(ctx).
		First(&session, "token = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	switch session.Status {
	case SessionStatusEnded:
		return nil, ErrSessionEnded
	case SessionStatusActive:
	default:
		return nil, ErrSessionNotActive
	}

	active, err := s.registry.IsActive(ctx, session.ID, authorID)
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, ErrForbidden
	}
	allowed, err := s.authorizer.CanEdit(ctx, authorID, session.ContentID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrForbidden
	}

	lockStart := time.Now()
	unlock := s.locks.Lock(session.ID)
	monitoring.ObserveSequencerWait(time.Since(lockStart))
	defer unlock()

	operation := models.EditOperation{
		SessionID:   session.ID,
		AuthorID:    authorID,
		Type:        params.Type,
		Payload:     payload,
		BaseVersion: params.BaseVersion,
		Status:      OperationStatusPending,
	}

	if err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.CollabSession
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&current, "id = ?", session.ID).Error; err != nil {
			return err
		}
		if current.Status != SessionStatusActive {
			if current.Status == SessionStatusEnded {
				return ErrSessionEnded
			}
			return ErrSessionNotActive
		}

		if params.BaseVersion != current.Version {
			operation.Status = OperationStatusConflicted
			return tx.Create(&operation).Error
		}

		sequence := current.Version + 1
		operation.SequenceNumber = &sequence
		operation.Status = OperationStatusApplied
		if err := tx.Create(&operation).Error; err != nil {
			return err
		}
		return tx.Model(&models.CollabSession{}).
			Where("id = ?", session.ID).
			Update("version", sequence).Error
	}); err != nil {
		return nil, err
	}

	monitoring.RecordOperation(operation.Status)
	if operation.Status == OperationStatusConflicted {
		logger.WithSession("sequencer", session.Token).Info("operation conflicted",
			zap.String("operation_id", operation.ID),
			zap.String("author_id", operation.AuthorID),
			zap.Int64("base_version", operation.BaseVersion))
	}
	s.notify(session.Token, &operation)
	return &operation, nil
}

func (s *OperationSequencer) notify(sessionToken string, operation *models.EditOperation) {
	if s.router == nil {
		return
	}

	ack := map[string]any{
		"operation_id": operation.ID,
		"status":       operation.Status,
		"base_version": operation.BaseVersion,
	}
	if operation.SequenceNumber != nil {
		ack["sequence_number"] = *operation.SequenceNumber
		ack["version"] = *operation.SequenceNumber
	}
	s.router.Ack(operation.AuthorID, Event{Type: EventOperationAcknowledged, Payload: ack})

	if operation.Status != OperationStatusApplied {
		return
	}
	s.router.PublishExcluding(sessionToken, Event{
		Type: EventEditOperation,
		Payload: map[string]any{
			"operation_id":    operation.ID,
			"author_id":       operation.AuthorID,
			"type":            operation.Type,
			"payload":         decodePayload(operation.Payload),
			"sequence_number": *operation.SequenceNumber,
			"base_version":    operation.BaseVersion,
		},
	}, operation.AuthorID)
}

// Get returns one operation by id.
func (s *OperationSequencer) Get(ctx context.Context, operationID string) (*models.EditOperation, error) {
	if s == nil {
		return nil, errors.New("operation sequencer: sequencer not initialised")
	}
	ctx = ensureContext(ctx)

	var operation models.EditOperation
	err := s.db.WithContext(ctx).First(&operation, "id = ?", strings.TrimSpace(operationID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &operation, nil
}

// ListApplied returns applied operations with sequence numbers above
// sinceVersion in assignment order. A non-positive limit returns all of them.
func (s *OperationSequencer) ListApplied(ctx context.Context, sessionID string, sinceVersion int64, limit int) ([]models.EditOperation, error) {
	if s == nil {
		return nil, errors.New("operation sequencer: sequencer not initialised")
	}
	ctx = ensureContext(ctx)

	query := s.db.WithContext(ctx).
		Where("session_id = ? AND status = ? AND sequence_number > ?",
			strings.TrimSpace(sessionID), OperationStatusApplied, sinceVersion).
		Order("sequence_number ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var operations []models.EditOperation
	if err := query.Find(&operations).Error; err != nil {
		return nil, err
	}
	return operations, nil
}

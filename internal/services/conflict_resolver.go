package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/syncpad/syncpad/internal/auth"
	"github.com/syncpad/syncpad/internal/models"
	"github.com/syncpad/syncpad/internal/monitoring"
)

const (
	// ResolutionManual accepts a transformed payload supplied by the resolver.
	ResolutionManual = "manual"
	// ResolutionTransform shifts the payload against operations applied since
	// the conflicting operation's base version.
	ResolutionTransform = "transform"
)

// TransformStrategy rewrites a conflicted operation's payload against the
// operations applied after its base version. Implementations must be pure:
// they may not touch storage or broadcast.
type TransformStrategy interface {
	Transform(operation *models.EditOperation, applied []models.EditOperation) (datatypes.JSON, error)
}

// PositionShiftTransform is the default automatic strategy. It shifts the
// conflicted payload's position by the net length delta of every applied
// operation located at or before it.
type PositionShiftTransform struct{}

// Transform implements TransformStrategy.
func (PositionShiftTransform) Transform(operation *models.EditOperation, applied []models.EditOperation) (datatypes.JSON, error) {
	payload := decodePayload(operation.Payload)
	position := payloadInt(payload, "position")

	shift := int64(0)
	for _, other := range applied {
		otherPayload := decodePayload(other.Payload)
		otherPosition := payloadInt(otherPayload, "position")
		if otherPosition > position {
			continue
		}
		switch other.Type {
		case OperationInsert:
			shift += int64(len(payloadString(otherPayload, "text")))
		case OperationDelete:
			shift -= payloadInt(otherPayload, "length")
		case OperationReplace:
			shift += int64(len(payloadString(otherPayload, "text"))) - payloadInt(otherPayload, "length")
		}
	}

	adjusted := position + shift
	if adjusted < 0 {
		adjusted = 0
	}
	out := clonePayload(payload)
	out["position"] = adjusted
	return encodePayload(out)
}

// ResolveConflictParams identifies the conflicted operation and how to settle it.
type ResolveConflictParams struct {
	OperationID      string
	Strategy         string
	ResolvedByUserID string
	// TransformedPayload carries the manually merged payload. Required only
	// for the manual strategy; when empty the original payload is accepted
	// as-is.
	TransformedPayload map[string]any
}

// ConflictResolver settles operations the sequencer flagged as conflicted.
// Resolution happens at most once per operation; repeat calls are no-ops
// that do not re-broadcast.
type ConflictResolver struct {
	db         *gorm.DB
	registry   *ParticipantRegistry
	authorizer auth.Authorizer
	router     *BroadcastRouter
	transform  TransformStrategy
	locks      *KeyedMutex
	timeNow    func() time.Time
}

// ConflictResolverOption customises resolver dependencies.
type ConflictResolverOption func(*ConflictResolver)

// WithResolverRouter wires the broadcast router.
func WithResolverRouter(router *BroadcastRouter) ConflictResolverOption {
	return func(r *ConflictResolver) {
		r.router = router
	}
}

// WithResolverLocks shares the per-session mutex with the other services.
func WithResolverLocks(locks *KeyedMutex) ConflictResolverOption {
	return func(r *ConflictResolver) {
		if locks != nil {
			r.locks = locks
		}
	}
}

// WithTransformStrategy swaps the automatic strategy implementation.
func WithTransformStrategy(strategy TransformStrategy) ConflictResolverOption {
	return func(r *ConflictResolver) {
		if strategy != nil {
			r.transform = strategy
		}
	}
}

// WithResolverClock overrides the clock used for timestamps (test helper).
func WithResolverClock(clock func() time.Time) ConflictResolverOption {
	return func(r *ConflictResolver) {
		if clock != nil {
			r.timeNow = clock
		}
	}
}

// NewConflictResolver constructs the resolver.
func NewConflictResolver(db *gorm.DB, registry *ParticipantRegistry, authorizer auth.Authorizer, opts ...ConflictResolverOption) (*ConflictResolver, error) {
	if db == nil {
		return nil, errors.New("conflict resolver: db is required")
	}
	if registry == nil {
		return nil, errors.New("conflict resolver: participant registry is required")
	}
	if authorizer == nil {
		return nil, errors.New("conflict resolver: authorizer is required")
	}
	resolver := &ConflictResolver{
		db:         db,
		registry:   registry,
		authorizer: authorizer,
		transform:  PositionShiftTransform{},
		locks:      NewKeyedMutex(),
		timeNow:    time.Now,
	}
	for _, opt := range opts {
		opt(resolver)
	}
	return resolver, nil
}

// Resolve settles a conflicted operation. On success the operation becomes
// resolved with the resolver's identity and timestamp recorded, and the
// session receives a conflict_resolved broadcast. Resolving an already
// resolved operation returns the operation with ErrAlreadyResolved and emits
// nothing.
func (r *ConflictResolver) Resolve(ctx context.Context, params ResolveConflictParams) (*models.EditOperation, error) {
	if r == nil {
		return nil, errors.New("conflict resolver: resolver not initialised")
	}
	ctx = ensureContext(ctx)

	operationID := strings.TrimSpace(params.OperationID)
	resolverID := strings.TrimSpace(params.ResolvedByUserID)
	if operationID == "" || resolverID == "" {
		return nil, ErrInvalidOperation
	}
	strategy := strings.TrimSpace(strings.ToLower(params.Strategy))
	if strategy != ResolutionManual && strategy != ResolutionTransform {
		return nil, ErrInvalidOperation
	}

	var operation models.EditOperation
	if err := r.db.WithContext(ctx).
		First(&operation, "id = ?", operationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOperationNotFound
		}
		return nil, err
	}

	var session models.CollabSession
	if err := r.db.WithContext(ctx).
		First(&session, "id = ?", operation.SessionID).Error; err != nil {
		return nil, err
	}
	if session.Status == SessionStatusEnded {
		return nil, ErrSessionEnded
	}

	// Active participants may resolve their own conflicts; an admin for the
	// content may resolve without being seated in the session.
	active, err := r.registry.IsActive(ctx, session.ID, resolverID)
	if err != nil {
		return nil, err
	}
	if !active {
		level, levelErr := r.authorizer.PermissionLevel(ctx, resolverID, session.ContentID)
		if levelErr != nil {
			return nil, levelErr
		}
		if strings.TrimSpace(strings.ToLower(level)) != PermissionAdmin {
			return nil, ErrForbidden
		}
	}

	unlock := r.locks.Lock(session.ID)
	defer unlock()

	var alreadyResolved bool
	if err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&operation, "id = ?", operationID).Error; err != nil {
			return err
		}
		switch operation.Status {
		case OperationStatusResolved:
			alreadyResolved = true
			return nil
		case OperationStatusConflicted:
		default:
			return ErrNotConflicted
		}

		transformed, transformErr := r.transformedPayload(tx, &operation, strategy, params.TransformedPayload)
		if transformErr != nil {
			return transformErr
		}

		now := r.timeNow()
		operation.Status = OperationStatusResolved
		operation.TransformedPayload = transformed
		operation.ResolvedByUserID = &resolverID
		operation.ResolvedAt = &now
		return tx.Model(&models.EditOperation{}).
			Where("id = ?", operation.ID).
			Updates(map[string]any{
				"status":              OperationStatusResolved,
				"transformed_payload": transformed,
				"resolved_by_user_id": resolverID,
				"resolved_at":         now,
			}).Error
	}); err != nil {
		return nil, err
	}

	if alreadyResolved {
		return &operation, ErrAlreadyResolved
	}

	monitoring.RecordConflictResolved(strategy)
	if r.router != nil {
		r.router.Publish(session.Token, Event{
			Type: EventConflictResolved,
			Payload: map[string]any{
				"operation_id":        operation.ID,
				"author_id":           operation.AuthorID,
				"resolved_by":         resolverID,
				"strategy":            strategy,
				"transformed_payload": decodePayload(operation.TransformedPayload),
			},
		})
	}
	return &operation, nil
}

func (r *ConflictResolver) transformedPayload(tx *gorm.DB, operation *models.EditOperation, strategy string, manual map[string]any) (datatypes.JSON, error) {
	if strategy == ResolutionManual {
		if len(manual) == 0 {
			return operation.Payload, nil
		}
		return encodePayload(manual)
	}

	var applied []models.EditOperation
	if err := tx.
		Where("session_id = ? AND status = ? AND sequence_number > ?",
			operation.SessionID, OperationStatusApplied, operation.BaseVersion).
		Order("sequence_number ASC").
		Find(&applied).Error; err != nil {
		return nil, err
	}
	return r.transform.Transform(operation, applied)
}

func payloadInt(payload map[string]any, key string) int64 {
	switch value := payload[key].(type) {
	case float64:
		return int64(value)
	case int64:
		return value
	case int:
		return int64(value)
	default:
		return 0
	}
}

func payloadString(payload map[string]any, key string) string {
	if value, ok := payload[key].(string); ok {
		return value
	}
	return ""
}

package services

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrSessionNotFound indicates the session record could not be located.
	ErrSessionNotFound = errors.New("session service: session not found")
	// ErrParticipantNotFound indicates the user has no membership in the session.
	ErrParticipantNotFound = errors.New("session service: participant not found")
	// ErrOperationNotFound indicates the edit operation could not be located.
	ErrOperationNotFound = errors.New("session service: operation not found")
	// ErrForbidden indicates the caller lacks the capability for the action.
	ErrForbidden = errors.New("session service: forbidden")
	// ErrCapacityExceeded indicates a join was refused against a full session.
	ErrCapacityExceeded = errors.New("session service: capacity exceeded")
	// ErrNotJoinable indicates the session status does not permit joining.
	ErrNotJoinable = errors.New("session service: session not joinable")
	// ErrSessionEnded indicates the session reached its terminal state.
	ErrSessionEnded = errors.New("session service: session ended")
	// ErrSessionNotActive indicates the action requires an active session.
	ErrSessionNotActive = errors.New("session service: session not active")
	// ErrInvalidOperation indicates a malformed operation or command payload.
	ErrInvalidOperation = errors.New("session service: invalid operation")
	// ErrInvalidTransition indicates a control command illegal for the current status.
	ErrInvalidTransition = errors.New("session service: invalid status transition")
	// ErrAlreadyResolved indicates the conflicted operation was resolved earlier.
	ErrAlreadyResolved = errors.New("session service: operation already resolved")
	// ErrNotConflicted indicates resolution was requested for a non-conflicted operation.
	ErrNotConflicted = errors.New("session service: operation not conflicted")
	// ErrActiveSessionExists indicates the content already has a live session.
	ErrActiveSessionExists = errors.New("session service: active session exists for content")
	// ErrCannotKickSelf indicates an admin attempted to kick themself.
	ErrCannotKickSelf = errors.New("session service: cannot kick the acting admin")
)

// isUniqueConstraintError detects database uniqueness constraint violations across vendors.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr != nil && pgErr.Code == "23505" {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr != nil && myErr.Number == 1062 {
		return true
	}

	// Substring fallback for sqlite. Keep this narrow: a foreign key or NOT
	// NULL failure also mentions "constraint" and must stay a store error.
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unique") ||
		strings.Contains(lower, "duplicate")
}

package handlers

import (
	"errors"

	"github.com/syncpad/syncpad/internal/services"
	apperrors "github.com/syncpad/syncpad/pkg/errors"
)

// mapServiceError translates service sentinels into API errors so every
// handler reports the taxonomy consistently.
func mapServiceError(err error, fallback string) *apperrors.AppError {
	switch {
	case errors.Is(err, services.ErrSessionNotFound),
		errors.Is(err, services.ErrOperationNotFound),
		errors.Is(err, services.ErrParticipantNotFound):
		return apperrors.ErrNotFound
	case errors.Is(err, services.ErrForbidden),
		errors.Is(err, services.ErrCannotKickSelf):
		return apperrors.ErrForbidden
	case errors.Is(err, services.ErrCapacityExceeded):
		return apperrors.ErrCapacityExceeded
	case errors.Is(err, services.ErrSessionEnded):
		return apperrors.ErrSessionEnded
	case errors.Is(err, services.ErrNotJoinable),
		errors.Is(err, services.ErrSessionNotActive),
		errors.Is(err, services.ErrInvalidTransition):
		return apperrors.ErrNotJoinable
	case errors.Is(err, services.ErrActiveSessionExists):
		return apperrors.ErrSessionExists
	case errors.Is(err, services.ErrInvalidOperation),
		errors.Is(err, services.ErrNotConflicted):
		return apperrors.ErrInvalidOperation
	case errors.Is(err, services.ErrAlreadyResolved):
		return apperrors.ErrAlreadyResolved
	default:
		return apperrors.Wrap(err, fallback)
	}
}

package services

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsUniqueConstraintErrorClassification(t *testing.T) {
	require.True(t, isUniqueConstraintError(errors.New("UNIQUE constraint failed: collab_sessions.token")))
	require.True(t, isUniqueConstraintError(errors.New("Duplicate entry 'tok-1' for key 'token'")))

	// Other constraint classes are store failures, not uniqueness races.
	require.False(t, isUniqueConstraintError(errors.New("FOREIGN KEY constraint failed")))
	require.False(t, isUniqueConstraintError(errors.New("NOT NULL constraint failed: users.username")))
	require.False(t, isUniqueConstraintError(nil))
}

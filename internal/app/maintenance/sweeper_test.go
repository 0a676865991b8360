package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	testutil "github.com/syncpad/syncpad/internal/database/testutil"
	"github.com/syncpad/syncpad/internal/models"
	"github.com/syncpad/syncpad/internal/services"
)

func TestCleanupCacheEntries(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	expired := models.CacheEntry{
		Key:       "presence:s1:u1",
		Value:     []byte("1"),
		ExpiresAt: now.Add(-time.Minute),
	}
	live := models.CacheEntry{
		Key:       "presence:s1:u2",
		Value:     []byte("1"),
		ExpiresAt: now.Add(time.Minute),
	}
	require.NoError(t, db.Create(&expired).Error)
	require.NoError(t, db.Create(&live).Error)

	removed, err := CleanupCacheEntries(context.Background(), db, now)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	var count int64
	require.NoError(t, db.Model(&models.CacheEntry{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestSweeperRunOnceMarksSilentParticipantsOffline(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	registry, err := services.NewParticipantRegistry(db)
	require.NoError(t, err)

	now := time.Now()
	session := models.CollabSession{
		Token:       "sweep-token",
		Name:        "Sweep",
		ContentID:   "content-sweep",
		Status:      services.SessionStatusActive,
		Capacity:    5,
		OwnerUserID: "owner-1",
	}
	require.NoError(t, db.Create(&session).Error)

	stale := models.SessionParticipant{
		SessionID:       session.ID,
		UserID:          "user-stale",
		PermissionLevel: services.PermissionEditor,
		JoinedAt:        now.Add(-time.Hour),
		LastSeenAt:      now.Add(-time.Hour),
		Online:          true,
	}
	fresh := models.SessionParticipant{
		SessionID:       session.ID,
		UserID:          "user-fresh",
		PermissionLevel: services.PermissionEditor,
		JoinedAt:        now,
		LastSeenAt:      now,
		Online:          true,
	}
	require.NoError(t, db.Create(&stale).Error)
	require.NoError(t, db.Create(&fresh).Error)

	sweeper := NewSweeper(db, registry, WithHeartbeatWindow(5*time.Minute))
	require.NoError(t, sweeper.RunOnce(context.Background()))

	var reloaded models.SessionParticipant
	require.NoError(t, db.Where("session_id = ? AND user_id = ?", session.ID, "user-stale").First(&reloaded).Error)
	require.False(t, reloaded.Online)
	require.Nil(t, reloaded.LeftAt)

	require.NoError(t, db.Where("session_id = ? AND user_id = ?", session.ID, "user-fresh").First(&reloaded).Error)
	require.True(t, reloaded.Online)
}

package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/syncpad/syncpad/internal/models"
	"github.com/syncpad/syncpad/internal/monitoring"
	"github.com/syncpad/syncpad/internal/services"
	"github.com/syncpad/syncpad/pkg/logger"
)

const (
	defaultPresenceSpec = "@every 1m"
	defaultCacheSpec    = "@hourly"
)

// Sweeper coordinates background maintenance tasks: marking silent
// participants offline and pruning expired cache entries.
type Sweeper struct {
	db       *gorm.DB
	registry *services.ParticipantRegistry
	window   time.Duration
	cron     *cron.Cron
	now      func() time.Time
	log      *zap.Logger

	presenceSchedule string
	cacheSchedule    string
}

// Option customises the Sweeper.
type Option func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithNow overrides the clock used for cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithHeartbeatWindow adjusts how long a participant may stay silent before
// being marked offline.
func WithHeartbeatWindow(window time.Duration) Option {
	return func(s *Sweeper) {
		if window > 0 {
			s.window = window
		}
	}
}

// WithPresenceSchedule overrides the cron expression for the presence sweep.
func WithPresenceSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.presenceSchedule = spec
		}
	}
}

// WithCacheSchedule overrides the cron expression for cache entry pruning.
func WithCacheSchedule(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.cacheSchedule = spec
		}
	}
}

// NewSweeper constructs a Sweeper with sensible defaults. A nil registry
// disables the presence sweep and a nil db disables cache pruning.
func NewSweeper(db *gorm.DB, registry *services.ParticipantRegistry, opts ...Option) *Sweeper {
	sweeper := &Sweeper{
		db:               db,
		registry:         registry,
		window:           services.DefaultHeartbeatWindow,
		now:              time.Now,
		presenceSchedule: defaultPresenceSpec,
		cacheSchedule:    defaultCacheSpec,
		log:              logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(sweeper)
	}

	if sweeper.cron == nil {
		sweeper.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return sweeper
}

// Start registers the jobs with the cron scheduler and launches it.
func (s *Sweeper) Start() error {
	if s.registry != nil {
		if _, err := s.cron.AddFunc(s.presenceSchedule, func() {
			if _, err := s.sweepPresence(context.Background()); err != nil {
				s.log.Warn("presence sweep failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if s.db != nil {
		if _, err := s.cron.AddFunc(s.cacheSchedule, func() {
			if _, err := CleanupCacheEntries(context.Background(), s.db, s.now()); err != nil {
				s.log.Warn("cache cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	s.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (s *Sweeper) Stop() context.Context {
	if s.cron == nil {
		return context.Background()
	}
	return s.cron.Stop()
}

// RunOnce executes all configured maintenance routines sequentially. Primarily
// used in tests and during graceful shutdown.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if s.registry != nil {
		if _, err := s.sweepPresence(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if s.db != nil {
		if _, err := CleanupCacheEntries(ctx, s.db, s.now()); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

func (s *Sweeper) sweepPresence(ctx context.Context) (int64, error) {
	swept, err := s.registry.SweepInactive(ctx, s.window)
	if err != nil {
		monitoring.RecordMaintenanceRun("presence_sweep", "failure")
		return 0, err
	}
	monitoring.RecordMaintenanceRun("presence_sweep", "success")
	if swept > 0 {
		s.log.Info("marked silent participants offline", zap.Int64("count", swept))
	}
	s.logIdleSessions(ctx)
	return swept, nil
}

// logIdleSessions reports active sessions where every participant has gone
// offline. Liveness is advisory, so the sweep observes and never ends them.
func (s *Sweeper) logIdleSessions(ctx context.Context) {
	if s.db == nil {
		return
	}

	var idle []models.CollabSession
	err := s.db.WithContext(ctx).
		Where("status = ?", services.SessionStatusActive).
		Where("id NOT IN (?)", s.db.Model(&models.SessionParticipant{}).
			Select("session_id").
			Where("online = ? AND left_at IS NULL", true)).
		Find(&idle).Error
	if err != nil {
		s.log.Warn("idle session scan failed", zap.Error(err))
		return
	}
	for _, session := range idle {
		s.log.Info("active session has no online participants",
			zap.String("session_id", session.ID),
			zap.String("token", session.Token),
		)
	}
}

// CleanupCacheEntries removes expired rows from the database-backed cache.
func CleanupCacheEntries(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	if db == nil {
		return 0, errors.New("cleanup cache: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	result := db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&models.CacheEntry{})
	if result.Error != nil {
		monitoring.RecordMaintenanceRun("cache_cleanup", "failure")
		return 0, fmt.Errorf("cleanup cache: %w", result.Error)
	}
	monitoring.RecordMaintenanceRun("cache_cleanup", "success")
	return result.RowsAffected, nil
}

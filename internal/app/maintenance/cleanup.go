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

	"github.com/lockerhq/lockerd/internal/models"
	"github.com/lockerhq/lockerd/internal/services"
	"github.com/lockerhq/lockerd/pkg/logger"
)

const (
	defaultRetentionDays = 90
	defaultSweepSpec     = "@every 5m"
	defaultPruneSpec     = "@daily"
)

// Cleaner runs the background sweeps that keep the locker tables healthy:
// revoking expired access codes and pruning old history and alert rows.
type Cleaner struct {
	db        *gorm.DB
	creds     *services.CredentialService
	cron      *cron.Cron
	now       func() time.Time
	log       *zap.Logger
	enabled   bool
	retention int

	sweepSchedule string
	pruneSchedule string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for retention comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithRetentionDays adjusts how long history and alert rows are retained.
func WithRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.retention = days
		}
	}
}

// WithSweepSchedule overrides the cron specification for the credential sweep.
func WithSweepSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.sweepSchedule = spec
		}
	}
}

// WithPruneSchedule overrides the cron specification for retention pruning.
func WithPruneSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.pruneSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. A nil dependency
// disables the corresponding job.
func NewCleaner(db *gorm.DB, creds *services.CredentialService, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:            db,
		creds:         creds,
		now:           time.Now,
		retention:     defaultRetentionDays,
		sweepSchedule: defaultSweepSpec,
		pruneSchedule: defaultPruneSpec,
		log:           logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	cleaner.enabled = cleaner.creds != nil || cleaner.db != nil

	return cleaner
}

// Start registers the sweeps with the cron scheduler and launches it if at
// least one job is enabled.
func (c *Cleaner) Start() error {
	if !c.enabled {
		return nil
	}

	if c.creds != nil {
		if _, err := c.cron.AddFunc(c.sweepSchedule, func() {
			ctx := context.Background()
			if _, err := c.creds.RevokeExpired(ctx); err != nil {
				c.log.Warn("credential sweep failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.db != nil && c.retention > 0 {
		if _, err := c.cron.AddFunc(c.pruneSchedule, func() {
			ctx := context.Background()
			if _, err := PruneRecords(ctx, c.db, c.cutoff()); err != nil {
				c.log.Warn("retention prune failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured sweeps sequentially. Primarily used in
// tests and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.creds != nil {
		if _, err := c.creds.RevokeExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.db != nil && c.retention > 0 {
		if _, err := PruneRecords(ctx, c.db, c.cutoff()); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

func (c *Cleaner) cutoff() time.Time {
	return c.now().UTC().AddDate(0, 0, -c.retention)
}

// PruneStats captures the number of rows removed per table.
type PruneStats struct {
	History int64
	Alerts  int64
}

// PruneRecords deletes history and alert rows created before the cutoff.
func PruneRecords(ctx context.Context, db *gorm.DB, cutoff time.Time) (PruneStats, error) {
	if db == nil {
		return PruneStats{}, errors.New("prune records: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	stats := PruneStats{}

	if result := db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.LockerHistory{}); result.Error != nil {
		return stats, fmt.Errorf("prune records: history: %w", result.Error)
	} else {
		stats.History = result.RowsAffected
	}

	if result := db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.LockerAlert{}); result.Error != nil {
		return stats, fmt.Errorf("prune records: alerts: %w", result.Error)
	} else {
		stats.Alerts = result.RowsAffected
	}

	return stats, nil
}

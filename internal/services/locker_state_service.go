package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/lockerhq/lockerd/internal/models"
	apperrors "github.com/lockerhq/lockerd/pkg/errors"
	"github.com/lockerhq/lockerd/pkg/metrics"
)

// LockerStateService owns the occupancy state machine. It is the sole writer
// of Locker rows; transitions on a single locker are linearizable via
// conditional updates, and transitions on different lockers are independent.
type LockerStateService struct {
	db  *gorm.DB
	now func() time.Time
}

// NewLockerStateService constructs a LockerStateService.
func NewLockerStateService(db *gorm.DB) (*LockerStateService, error) {
	if db == nil {
		return nil, errors.New("locker state service: db is required")
	}
	return &LockerStateService{db: db, now: time.Now}, nil
}

// Claim atomically selects an available locker, transitions it to occupied,
// and assigns it to the user. Two concurrent claims never win the same
// locker: the selection-and-transition is a conditional update on status, so
// a lost race simply moves on to the next candidate. Returns ErrNoCapacity
// only when the select finds no available locker: every lost race means a
// competing claim succeeded, so the loop cannot run without the system as a
// whole making progress.
func (s *LockerStateService) Claim(ctx context.Context, userID string) (*models.Locker, error) {
	ctx = ensureContext(ctx)
	if userID == "" {
		return nil, errors.New("locker state service: user id is required")
	}

	for {
		var candidate models.Locker
		err := s.db.WithContext(ctx).
			Where("status = ?", models.LockerStatusAvailable).
			Order("created_at ASC").
			First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNoCapacity
		}
		if err != nil {
			return nil, fmt.Errorf("locker state service: select candidate: %w", err)
		}

		res := s.db.WithContext(ctx).
			Model(&models.Locker{}).
			Where("id = ? AND status = ?", candidate.ID, models.LockerStatusAvailable).
			Updates(map[string]any{
				"status":           models.LockerStatusOccupied,
				"assigned_user_id": userID,
				"updated_at":       s.now().UTC(),
			})
		if res.Error != nil {
			return nil, fmt.Errorf("locker state service: claim %s: %w", candidate.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			// Lost the race for this candidate; try the next one.
			continue
		}

		metrics.OccupiedLockers.Inc()
		return s.Get(ctx, candidate.ID)
	}
}

// Release transitions a locker back to available, clears its assignment, and
// clears the prior occupant's credential in the same transaction. Releasing
// an already-available locker is a no-op success. The second return value
// reports whether a transition actually happened.
func (s *LockerStateService) Release(ctx context.Context, lockerID string) (*models.Locker, bool, error) {
	ctx = ensureContext(ctx)

	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locker models.Locker
		if err := tx.First(&locker, "id = ?", lockerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.ErrNotFound
			}
			return fmt.Errorf("load locker: %w", err)
		}

		if locker.Status == models.LockerStatusAvailable && locker.AssignedUserID == nil {
			return nil
		}

		if locker.AssignedUserID != nil {
			err := tx.Model(&models.LockerUser{}).
				Where("id = ?", *locker.AssignedUserID).
				Updates(map[string]any{"pin": nil, "pin_issued_at": nil}).Error
			if err != nil {
				return fmt.Errorf("clear credential: %w", err)
			}
		}

		err := tx.Model(&models.Locker{}).
			Where("id = ?", locker.ID).
			Updates(map[string]any{
				"status":           models.LockerStatusAvailable,
				"assigned_user_id": nil,
				"updated_at":       s.now().UTC(),
			}).Error
		if err != nil {
			return fmt.Errorf("release locker: %w", err)
		}

		changed = true
		return nil
	})
	if err != nil {
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return nil, false, appErr
		}
		return nil, false, fmt.Errorf("locker state service: release %s: %w", lockerID, err)
	}

	if changed {
		metrics.OccupiedLockers.Dec()
	}

	locker, err := s.Get(ctx, lockerID)
	return locker, changed, err
}

// MarkOccupied forces a locker's status to occupied without touching its
// assignment. Used when a movement sensor reports an object present but the
// record disagrees. Idempotent. The second return value reports whether a
// transition happened.
func (s *LockerStateService) MarkOccupied(ctx context.Context, lockerID string) (*models.Locker, bool, error) {
	ctx = ensureContext(ctx)

	res := s.db.WithContext(ctx).
		Model(&models.Locker{}).
		Where("id = ? AND status <> ?", lockerID, models.LockerStatusOccupied).
		Updates(map[string]any{
			"status":     models.LockerStatusOccupied,
			"updated_at": s.now().UTC(),
		})
	if res.Error != nil {
		return nil, false, fmt.Errorf("locker state service: mark occupied %s: %w", lockerID, res.Error)
	}

	changed := res.RowsAffected > 0
	if changed {
		metrics.OccupiedLockers.Inc()
	}

	locker, err := s.Get(ctx, lockerID)
	if err != nil {
		return nil, false, err
	}
	return locker, changed, nil
}

// Get returns the locker by id or ErrNotFound.
func (s *LockerStateService) Get(ctx context.Context, lockerID string) (*models.Locker, error) {
	ctx = ensureContext(ctx)

	var locker models.Locker
	if err := s.db.WithContext(ctx).First(&locker, "id = ?", lockerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("locker state service: get %s: %w", lockerID, err)
	}
	return &locker, nil
}

// GetByUser returns the locker currently assigned to the user, if any.
func (s *LockerStateService) GetByUser(ctx context.Context, userID string) (*models.Locker, error) {
	ctx = ensureContext(ctx)

	var locker models.Locker
	err := s.db.WithContext(ctx).First(&locker, "assigned_user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("locker state service: get by user %s: %w", userID, err)
	}
	return &locker, nil
}

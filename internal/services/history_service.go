package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/lockerhq/lockerd/internal/models"
)

// HistoryService maintains the append-only history and alert trail for
// lockers. Entries are write-once; this service never mutates or deletes
// individual rows outside the retention sweep.
type HistoryService struct {
	db *gorm.DB
}

// NewHistoryService constructs a HistoryService.
func NewHistoryService(db *gorm.DB) (*HistoryService, error) {
	if db == nil {
		return nil, errors.New("history service: db is required")
	}
	return &HistoryService{db: db}, nil
}

// Record appends a transition or device interaction fact for a locker.
func (s *HistoryService) Record(ctx context.Context, lockerID, action string) error {
	ctx = ensureContext(ctx)

	entry := models.LockerHistory{
		LockerID: strings.TrimSpace(lockerID),
		Action:   strings.TrimSpace(action),
	}
	if entry.LockerID == "" || entry.Action == "" {
		return errors.New("history service: locker id and action are required")
	}

	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("history service: record %q: %w", entry.Action, err)
	}
	return nil
}

// Alert appends a degraded-mode alert for a locker with optional metadata.
func (s *HistoryService) Alert(ctx context.Context, lockerID, description string, metadata map[string]any) error {
	ctx = ensureContext(ctx)

	alert := models.LockerAlert{
		LockerID:    strings.TrimSpace(lockerID),
		Description: strings.TrimSpace(description),
	}
	if alert.LockerID == "" || alert.Description == "" {
		return errors.New("history service: locker id and description are required")
	}

	if metadata != nil {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("history service: marshal alert metadata: %w", err)
		}
		alert.Metadata = datatypes.JSON(data)
	}

	if err := s.db.WithContext(ctx).Create(&alert).Error; err != nil {
		return fmt.Errorf("history service: record alert: %w", err)
	}
	return nil
}

// ListHistory returns history entries for a locker ordered by recency.
func (s *HistoryService) ListHistory(ctx context.Context, lockerID string, limit, offset int) ([]models.LockerHistory, error) {
	ctx = ensureContext(ctx)

	var rows []models.LockerHistory
	err := s.db.WithContext(ctx).
		Where("locker_id = ?", lockerID).
		Order("created_at DESC").
		Limit(clampLimit(limit)).
		Offset(max(0, offset)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("history service: list history: %w", err)
	}
	return rows, nil
}

// ListAlerts returns alerts for a locker ordered by recency.
func (s *HistoryService) ListAlerts(ctx context.Context, lockerID string, limit, offset int) ([]models.LockerAlert, error) {
	ctx = ensureContext(ctx)

	var rows []models.LockerAlert
	err := s.db.WithContext(ctx).
		Where("locker_id = ?", lockerID).
		Order("created_at DESC").
		Limit(clampLimit(limit)).
		Offset(max(0, offset)).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("history service: list alerts: %w", err)
	}
	return rows, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 25
	}
	return limit
}

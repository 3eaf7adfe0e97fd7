package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/lockerhq/lockerd/internal/database/testutil"
	"github.com/lockerhq/lockerd/internal/models"
)

func newHistoryFixture(t *testing.T) (*HistoryService, *gorm.DB, string) {
	t.Helper()
	db := testutil.MustOpenTestDB(t, testutil.WithLockerPool(1))
	svc, err := NewHistoryService(db)
	require.NoError(t, err)

	var locker models.Locker
	require.NoError(t, db.First(&locker).Error)
	return svc, db, locker.ID
}

func TestHistoryRecordAppendsEntry(t *testing.T) {
	svc, db, lockerID := newHistoryFixture(t)

	require.NoError(t, svc.Record(context.Background(), lockerID, models.HistoryLockerAssigned))

	var rows []models.LockerHistory
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	require.Equal(t, lockerID, rows[0].LockerID)
	require.Equal(t, models.HistoryLockerAssigned, rows[0].Action)
}

func TestHistoryRecordRejectsBlankInput(t *testing.T) {
	svc, _, lockerID := newHistoryFixture(t)

	require.Error(t, svc.Record(context.Background(), "", models.HistoryLockerAssigned))
	require.Error(t, svc.Record(context.Background(), lockerID, "  "))
}

func TestHistoryAlertStoresMetadata(t *testing.T) {
	svc, db, lockerID := newHistoryFixture(t)

	err := svc.Alert(context.Background(), lockerID, "device unreachable", map[string]any{
		"subscribers": 0,
	})
	require.NoError(t, err)

	var alert models.LockerAlert
	require.NoError(t, db.First(&alert).Error)
	require.Equal(t, "device unreachable", alert.Description)

	var metadata map[string]any
	require.NoError(t, json.Unmarshal(alert.Metadata, &metadata))
	require.EqualValues(t, 0, metadata["subscribers"])
}

func TestHistoryAlertWithoutMetadata(t *testing.T) {
	svc, db, lockerID := newHistoryFixture(t)

	require.NoError(t, svc.Alert(context.Background(), lockerID, "stuck latch", nil))

	var alert models.LockerAlert
	require.NoError(t, db.First(&alert).Error)
	require.Empty(t, alert.Metadata)
}

func TestHistoryListOrdersByRecencyAndPaginates(t *testing.T) {
	svc, db, lockerID := newHistoryFixture(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		entry := models.LockerHistory{LockerID: lockerID, Action: fmt.Sprintf("action_%d", i)}
		require.NoError(t, db.Create(&entry).Error)
		require.NoError(t, db.Model(&entry).Update("created_at", base.Add(time.Duration(i)*time.Minute)).Error)
	}

	rows, err := svc.ListHistory(context.Background(), lockerID, 2, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "action_4", rows[0].Action)
	require.Equal(t, "action_3", rows[1].Action)

	next, err := svc.ListHistory(context.Background(), lockerID, 2, 2)
	require.NoError(t, err)
	require.Len(t, next, 2)
	require.Equal(t, "action_2", next[0].Action)
}

func TestHistoryListClampsPagination(t *testing.T) {
	svc, _, lockerID := newHistoryFixture(t)

	rows, err := svc.ListHistory(context.Background(), lockerID, -5, -10)
	require.NoError(t, err)
	require.Empty(t, rows)

	alerts, err := svc.ListAlerts(context.Background(), lockerID, 10_000, 0)
	require.NoError(t, err)
	require.Empty(t, alerts)
}

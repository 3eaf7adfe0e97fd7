package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	testutil "github.com/lockerhq/lockerd/internal/database/testutil"
	"github.com/lockerhq/lockerd/internal/models"
	"github.com/lockerhq/lockerd/internal/services"
)

func TestPruneRecords(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithLockerPool(1))
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	cutoff := now.AddDate(0, 0, -7)

	var locker models.Locker
	require.NoError(t, db.First(&locker).Error)

	seedHistory := func(action string, createdAt time.Time) {
		entry := models.LockerHistory{LockerID: locker.ID, Action: action}
		require.NoError(t, db.Create(&entry).Error)
		require.NoError(t, db.Model(&entry).Update("created_at", createdAt).Error)
	}
	seedAlert := func(description string, createdAt time.Time) {
		alert := models.LockerAlert{LockerID: locker.ID, Description: description}
		require.NoError(t, db.Create(&alert).Error)
		require.NoError(t, db.Model(&alert).Update("created_at", createdAt).Error)
	}

	seedHistory("old_action", cutoff.Add(-time.Hour))
	seedHistory("recent_action", cutoff.Add(time.Hour))
	seedAlert("old alert", cutoff.Add(-time.Hour))
	seedAlert("recent alert", cutoff.Add(time.Hour))

	stats, err := PruneRecords(context.Background(), db, cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.History)
	require.Equal(t, int64(1), stats.Alerts)

	var history []models.LockerHistory
	require.NoError(t, db.Find(&history).Error)
	require.Len(t, history, 1)
	require.Equal(t, "recent_action", history[0].Action)

	var alerts []models.LockerAlert
	require.NoError(t, db.Find(&alerts).Error)
	require.Len(t, alerts, 1)
	require.Equal(t, "recent alert", alerts[0].Description)
}

func TestPruneRecordsRequiresDB(t *testing.T) {
	_, err := PruneRecords(context.Background(), nil, time.Now())
	require.Error(t, err)
}

func TestCleanerRunOnce(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithLockerPool(1))

	creds, err := services.NewCredentialService(db, 6, 15*time.Minute)
	require.NoError(t, err)

	clock := fixedClock{current: time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)}

	var locker models.Locker
	require.NoError(t, db.First(&locker).Error)

	// A user whose code expired an hour ago and one with a live code.
	staleUser := models.LockerUser{Email: "stale@example.com"}
	require.NoError(t, db.Create(&staleUser).Error)
	require.NoError(t, db.Model(&staleUser).Updates(map[string]any{
		"pin": "111111", "pin_issued_at": clock.Now().Add(-time.Hour),
	}).Error)

	freshUser := models.LockerUser{Email: "fresh@example.com"}
	require.NoError(t, db.Create(&freshUser).Error)
	freshPIN, err := creds.Issue(context.Background(), freshUser.ID)
	require.NoError(t, err)

	// History older than the retention window.
	entry := models.LockerHistory{LockerID: locker.ID, Action: models.HistoryLockerAssigned}
	require.NoError(t, db.Create(&entry).Error)
	require.NoError(t, db.Model(&entry).Update("created_at", clock.Now().AddDate(0, 0, -10)).Error)

	c := NewCleaner(db, creds,
		WithNow(clock.Now),
		WithRetentionDays(7),
		WithCron(cron.New(cron.WithLogger(cron.DiscardLogger))),
	)

	require.NoError(t, c.RunOnce(context.Background()))

	var reloaded models.LockerUser
	require.NoError(t, db.First(&reloaded, "id = ?", staleUser.ID).Error)
	require.Nil(t, reloaded.PIN, "expired credential should be revoked")

	reloaded = models.LockerUser{}
	require.NoError(t, db.First(&reloaded, "id = ?", freshUser.ID).Error)
	require.NotNil(t, reloaded.PIN)
	require.Equal(t, freshPIN, *reloaded.PIN)

	var historyCount int64
	require.NoError(t, db.Model(&models.LockerHistory{}).Count(&historyCount).Error)
	require.Equal(t, int64(0), historyCount)
}

func TestCleanerStartAndStop(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	creds, err := services.NewCredentialService(db, 6, 15*time.Minute)
	require.NoError(t, err)

	c := NewCleaner(db, creds,
		WithSweepSchedule("@every 1h"),
		WithPruneSchedule("@daily"),
	)

	require.NoError(t, c.Start())
	<-c.Stop().Done()
}

func TestCleanerStartRejectsBadSchedule(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())

	creds, err := services.NewCredentialService(db, 6, 15*time.Minute)
	require.NoError(t, err)

	c := NewCleaner(db, creds, WithSweepSchedule("not-a-schedule"))
	require.Error(t, c.Start())
}

type fixedClock struct {
	current time.Time
}

func (c *fixedClock) Now() time.Time {
	return c.current
}

package database

import (
	"gorm.io/gorm"

	"github.com/lockerhq/lockerd/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.LockerUser{},
		&models.Locker{},
		&models.LockerHistory{},
		&models.LockerAlert{},
	)
}

// SeedLockers provisions the locker pool on first start. Seeding only runs
// against an empty lockers table so restarts never grow or reset the pool.
func SeedLockers(db *gorm.DB, count int) error {
	if count <= 0 {
		return nil
	}

	var existing int64
	if err := db.Model(&models.Locker{}).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}

	lockers := make([]models.Locker, count)
	for i := range lockers {
		lockers[i].Status = models.LockerStatusAvailable
	}

	return db.Create(&lockers).Error
}

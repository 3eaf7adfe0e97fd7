package models

import "gorm.io/datatypes"

// LockerAlert records a degraded-mode event: a device command or credential
// email that failed after the state transition already committed, or a
// detected data inconsistency. Full detail lives here; clients only ever see
// a generic error.
type LockerAlert struct {
	BaseModel

	LockerID    string         `gorm:"type:uuid;not null;index" json:"locker_id"`
	Description string         `gorm:"type:text;not null" json:"description"`
	Metadata    datatypes.JSON `json:"metadata,omitempty"`
}

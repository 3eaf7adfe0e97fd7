package models

// History action names recorded against a locker. Append-only facts; this
// service never updates or deletes individual entries.
const (
	HistoryLockerAssigned  = "locker_assigned"
	HistoryLockerOpened    = "locker_opened"
	HistoryLockerReleased  = "locker_released"
	HistoryObjectStored    = "object_stored"
	HistoryObjectRetrieved = "object_retrieved"
	HistoryFailedAttempt   = "failed_attempt"
)

// LockerHistory records a single transition or device interaction.
type LockerHistory struct {
	BaseModel

	LockerID string `gorm:"type:uuid;not null;index" json:"locker_id"`
	Action   string `gorm:"type:varchar(64);not null" json:"action"`
}

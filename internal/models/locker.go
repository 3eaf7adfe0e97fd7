package models

// LockerStatus enumerates the occupancy states of a locker.
type LockerStatus string

const (
	LockerStatusAvailable LockerStatus = "available"
	LockerStatusOccupied  LockerStatus = "occupied"
)

// Locker is a physical storage compartment. AssignedUserID is set if and
// only if Status is occupied; a locker has at most one assigned user.
// Lockers are provisioned once and cycle between states indefinitely.
type Locker struct {
	BaseModel

	Status         LockerStatus `gorm:"type:varchar(32);not null;default:'available';index" json:"status"`
	AssignedUserID *string      `gorm:"type:uuid;index" json:"assigned_user_id"`
	AssignedUser   *LockerUser  `gorm:"foreignKey:AssignedUserID" json:"assigned_user,omitempty"`

	History []LockerHistory `gorm:"foreignKey:LockerID" json:"-"`
	Alerts  []LockerAlert   `gorm:"foreignKey:LockerID" json:"-"`
}

// Occupied reports whether the locker currently holds an assignment.
func (l *Locker) Occupied() bool {
	return l.Status == LockerStatusOccupied
}

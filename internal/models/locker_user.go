package models

import "time"

// LockerUser is created the first time an email requests a locker. PIN and
// PINIssuedAt are set together when a credential is issued and cleared
// together when the user's locker is released. PIN values are not unique
// across users; lookups must treat collisions as ambiguous.
type LockerUser struct {
	BaseModel

	Email       string     `gorm:"uniqueIndex;not null" json:"email"`
	PIN         *string    `gorm:"type:varchar(16);index" json:"-"`
	PINIssuedAt *time.Time `json:"pin_issued_at,omitempty"`
}

// HasCredential reports whether the user currently holds a live PIN.
func (u *LockerUser) HasCredential() bool {
	return u.PIN != nil && u.PINIssuedAt != nil
}

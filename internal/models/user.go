package models

import "time"

// User is the account row. Fallback* fields are the durable settings the
// fallback coordinator and monitor read and write; FallbackActive must
// mirror whether a fallback session for this user is currently active.
type User struct {
	ID           uint64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Name         string  `gorm:"type:varchar(128);not null" json:"name"`
	Email        *string `gorm:"type:varchar(255);uniqueIndex" json:"email,omitempty"`
	PhoneNumber  *string `gorm:"type:varchar(20);uniqueIndex" json:"phone_number,omitempty"`
	PasswordHash *string `gorm:"type:varchar(100)" json:"-"`
	AuthProvider string  `gorm:"type:varchar(16);not null;default:email" json:"auth_provider"`
	IsActive     bool    `gorm:"not null;default:true" json:"is_active"`

	AutoFallbackEnabled   bool    `gorm:"not null;default:false" json:"auto_fallback_enabled"`
	FallbackMode          string  `gorm:"type:varchar(16);not null;default:manual" json:"fallback_mode"`
	FallbackActive        bool    `gorm:"not null;default:false" json:"fallback_active"`
	FallbackPhone         *string `gorm:"type:varchar(20)" json:"fallback_phone,omitempty"`
	FallbackPhoneVerified bool    `gorm:"not null;default:false" json:"fallback_phone_verified"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }

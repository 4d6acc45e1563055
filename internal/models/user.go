// Package models contains data structures for the application's domain models.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// User presence statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusAway    = "away"
)

// User represents a registered account. Users are never hard-deleted;
// rows referencing them switch to NULL sender ids instead.
type User struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Handle         string     `gorm:"size:50;uniqueIndex;not null" json:"handle"`
	CredentialHash string     `gorm:"not null" json:"-"`
	DisplayName    string     `gorm:"size:100" json:"display_name"`
	AvatarRef      string     `json:"avatar_ref,omitempty"`
	Status         string     `gorm:"size:16;default:'offline'" json:"status"`
	LastSeenAt     *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// BeforeCreate assigns a fresh id when none is set.
func (u *User) BeforeCreate(_ *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

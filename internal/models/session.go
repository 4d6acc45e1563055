package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session is a single credentialed login on a single device. A user may
// hold many concurrent sessions.
type Session struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID         uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	RefreshSecret  string    `gorm:"uniqueIndex;not null" json:"-"`
	DeviceID       string    `json:"device_id,omitempty"`
	DeviceKind     string    `gorm:"size:32" json:"device_kind,omitempty"`
	DeviceLabel    string    `json:"device_label,omitempty"`
	SocketID       string    `json:"socket_id,omitempty"`
	IPAddress      string    `gorm:"size:64" json:"ip_address,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	Active         bool      `gorm:"default:true;index" json:"active"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `gorm:"index" json:"expires_at"`
}

// BeforeCreate assigns a fresh id when none is set.
func (s *Session) BeforeCreate(_ *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// Expired reports whether the session is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Usable reports whether the session can authenticate a request.
func (s *Session) Usable(now time.Time) bool {
	return s.Active && !s.Expired(now)
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Chat kinds.
const (
	ChatDirect = "direct"
	ChatGroup  = "group"
)

// Participant roles.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// MaxGroupParticipants caps active membership of a group chat.
const MaxGroupParticipants = 300

// Chat is a conversation, either direct (two participants, no name) or
// group (named, up to MaxGroupParticipants members).
//
// DirectKey is the normalized participant pair of a direct chat, the two
// user ids sorted and joined. Its unique index is what makes "one direct
// chat per pair" hold under concurrent mirror-image creates. Null for
// group chats.
type Chat struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Kind          string     `gorm:"size:16;not null;index" json:"kind"`
	DirectKey     *string    `gorm:"size:80;uniqueIndex" json:"-"`
	Name          string     `gorm:"size:200" json:"name,omitempty"`
	Slug          *string    `gorm:"size:200;uniqueIndex" json:"slug,omitempty"`
	AvatarRef     string     `json:"avatar_ref,omitempty"`
	OwnerID       *uuid.UUID `gorm:"type:uuid" json:"owner_id,omitempty"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	Deleted       bool       `gorm:"default:false" json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	Participants []Participant `gorm:"foreignKey:ChatID" json:"participants,omitempty"`
}

// BeforeCreate assigns a fresh id when none is set.
func (c *Chat) BeforeCreate(_ *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// Participant is a user's membership in a chat. leftAt == nil means the
// membership is active.
type Participant struct {
	ID                uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	ChatID            uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_participant_chat_user;index" json:"chat_id"`
	UserID            uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_participant_chat_user;index" json:"user_id"`
	Role              string     `gorm:"size:16;not null;default:'member'" json:"role"`
	JoinedAt          time.Time  `json:"joined_at"`
	LeftAt            *time.Time `json:"left_at,omitempty"`
	LastReadMessageID *uuid.UUID `gorm:"type:uuid" json:"last_read_message_id,omitempty"`
	UnreadCount       int        `gorm:"default:0" json:"unread_count"`

	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// BeforeCreate assigns a fresh id and join time when unset.
func (p *Participant) BeforeCreate(_ *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}
	return nil
}

// Active reports whether the membership is current.
func (p *Participant) Active() bool {
	return p.LeftAt == nil
}

// ChatSummary is a chat joined with the viewer's unread count and the
// latest visible message, as returned by chat listings.
type ChatSummary struct {
	Chat        Chat     `json:"chat"`
	UnreadCount int      `json:"unread_count"`
	LastMessage *Message `json:"last_message,omitempty"`
}

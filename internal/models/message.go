package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Message kinds.
const (
	MessageText   = "text"
	MessageImage  = "image"
	MessageSystem = "system"
)

// MaxMessageBodyLen is the maximum accepted body length in characters.
const MaxMessageBodyLen = 10000

// DeletedMessageBody replaces the body of soft-deleted messages.
const DeletedMessageBody = "[message deleted]"

// Message is a chat message. SenderID becomes nil when the sending account
// is deleted; the body is replaced by DeletedMessageBody on soft delete.
type Message struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	ChatID    uuid.UUID       `gorm:"type:uuid;not null;index:idx_messages_chat_created,priority:1" json:"chat_id"`
	SenderID  *uuid.UUID      `gorm:"type:uuid;index" json:"sender_id,omitempty"`
	Body      string          `gorm:"type:text;not null" json:"body"`
	Kind      string          `gorm:"size:16;not null;default:'text'" json:"kind"`
	Metadata  json.RawMessage `gorm:"type:jsonb" json:"metadata,omitempty"`
	ReplyToID *uuid.UUID      `gorm:"type:uuid" json:"reply_to_id,omitempty"`
	Edited    bool            `gorm:"default:false" json:"edited"`
	EditedAt  *time.Time      `json:"edited_at,omitempty"`
	Deleted   bool            `gorm:"default:false" json:"deleted"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
	CreatedAt time.Time       `gorm:"index:idx_messages_chat_created,priority:2" json:"created_at"`

	Sender      *User        `gorm:"foreignKey:SenderID" json:"sender,omitempty"`
	Reactions   []Reaction   `gorm:"foreignKey:MessageID" json:"reactions,omitempty"`
	Attachments []Attachment `gorm:"foreignKey:MessageID" json:"attachments,omitempty"`
}

// BeforeCreate assigns a fresh id when none is set. CreatedAt is assigned
// by the store at persistence time so that per-chat ordering is server
// controlled.
func (m *Message) BeforeCreate(_ *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// EditEntry is an append-only audit record of a message edit.
type EditEntry struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	MessageID     uuid.UUID       `gorm:"type:uuid;not null;index" json:"message_id"`
	PriorBody     string          `gorm:"type:text;not null" json:"prior_body"`
	PriorMetadata json.RawMessage `gorm:"type:jsonb" json:"prior_metadata,omitempty"`
	EditedAt      time.Time       `json:"edited_at"`
}

// BeforeCreate assigns a fresh id when none is set.
func (e *EditEntry) BeforeCreate(_ *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// MaxReactionGlyphLen bounds the reaction glyph.
const MaxReactionGlyphLen = 10

// Reaction is a per-user glyph on a message, unique per (message, user, glyph).
type Reaction struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	MessageID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_reaction_msg_user_glyph" json:"message_id"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_reaction_msg_user_glyph" json:"user_id"`
	Glyph     string    `gorm:"size:10;not null;uniqueIndex:idx_reaction_msg_user_glyph" json:"glyph"`
	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate assigns a fresh id when none is set.
func (r *Reaction) BeforeCreate(_ *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

// Attachment references blobs persisted through the external blob service.
// The core stores keys and URLs only and never processes image content.
type Attachment struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	MessageID    uuid.UUID `gorm:"type:uuid;not null;index" json:"message_id"`
	FileName     string    `gorm:"not null" json:"file_name"`
	MimeType     string    `gorm:"size:100;not null" json:"mime_type"`
	ByteSize     int64     `json:"byte_size"`
	OriginalRef  string    `gorm:"not null" json:"original_ref"`
	ThumbnailRef string    `json:"thumbnail_ref,omitempty"`
	MediumRef    string    `json:"medium_ref,omitempty"`
	OriginalURL  string    `gorm:"not null" json:"original_url"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	MediumURL    string    `json:"medium_url,omitempty"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// BeforeCreate assigns a fresh id when none is set.
func (a *Attachment) BeforeCreate(_ *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Delivery statuses. Transitions are monotonic: sent < delivered < read.
const (
	DeliverySent      = "sent"
	DeliveryDelivered = "delivered"
	DeliveryRead      = "read"
)

// deliveryRank orders statuses for monotonicity checks.
var deliveryRank = map[string]int{
	DeliverySent:      0,
	DeliveryDelivered: 1,
	DeliveryRead:      2,
}

// DeliveryStatusRank returns the ordering rank of a status, or -1 for
// unknown statuses.
func DeliveryStatusRank(status string) int {
	if r, ok := deliveryRank[status]; ok {
		return r
	}
	return -1
}

// Delivery tracks the status of one message toward one recipient. One row
// exists per active participant except the sender, created in bulk when the
// message is persisted.
type Delivery struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	MessageID   uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_delivery_msg_user" json:"message_id"`
	UserID      uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_delivery_msg_user;index:idx_delivery_user_status,priority:1" json:"user_id"`
	Status      string     `gorm:"size:16;not null;default:'sent';index:idx_delivery_user_status,priority:2" json:"status"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// BeforeCreate assigns a fresh id when none is set.
func (d *Delivery) BeforeCreate(_ *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return nil
}

package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "PENDING"
	OutboxSent    OutboxStatus = "SENT"
)

// OutboxEvent announces one accepted command. AggregateID is the command id and
// is unique, so a command never has more than one event.
type OutboxEvent struct {
	ID            string       `gorm:"type:uuid;primaryKey"`
	AggregateType string       `gorm:"size:100;not null"`
	AggregateID   string       `gorm:"type:uuid;not null;uniqueIndex:outbox_aggregate_id_unique"`
	EventType     string       `gorm:"size:100;not null"`
	Status        OutboxStatus `gorm:"size:20;not null;default:PENDING;index:outbox_status_created_at_index,priority:1"`
	CreatedAt     time.Time    `gorm:"index:outbox_status_created_at_index,priority:2"`
	SentAt        *time.Time
}

func (OutboxEvent) TableName() string { return "outbox" }

func (e *OutboxEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	if e.Status == "" {
		e.Status = OutboxPending
	}
	return nil
}

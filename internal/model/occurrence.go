package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Occurrence is the incident read model written by the command worker.
type Occurrence struct {
	ID          string    `gorm:"type:uuid;primaryKey" json:"id"`
	ExternalID  string    `gorm:"size:255;not null;uniqueIndex" json:"external_id"`
	Type        string    `gorm:"size:64;not null;index" json:"type"`
	Status      string    `gorm:"size:32;not null;index" json:"status"`
	Description string    `gorm:"type:text" json:"description"`
	ReportedAt  time.Time `json:"reported_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Occurrence) TableName() string { return "occurrences" }

func (o *Occurrence) BeforeCreate(tx *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.Must(uuid.NewV7()).String()
	}
	return nil
}

// OccurrenceFilter selects one page of the occurrence listing.
type OccurrenceFilter struct {
	Status string `json:"status"`
	Type   string `json:"type"`
	Limit  int    `json:"limit"`
	Page   int    `json:"page"`
}

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Normalize clamps limit to [1, MaxPageSize] and page to >= 1.
func (f OccurrenceFilter) Normalize() OccurrenceFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultPageSize
	}
	if f.Limit > MaxPageSize {
		f.Limit = MaxPageSize
	}
	if f.Page < 1 {
		f.Page = 1
	}
	return f
}

type OccurrenceList struct {
	Data  []Occurrence `json:"data"`
	Total int64        `json:"total"`
	Page  int          `json:"page"`
	Limit int          `json:"limit"`
}

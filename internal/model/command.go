package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CommandStatus is the inbox lifecycle state.
type CommandStatus string

const (
	CommandReceived  CommandStatus = "RECEIVED"
	CommandEnqueued  CommandStatus = "ENQUEUED"
	CommandSucceeded CommandStatus = "SUCCEEDED"
	CommandFailed    CommandStatus = "FAILED"
)

// Dispatchable reports whether a command in this state may be handed to a worker.
// FAILED is included so that a retry with the same key re-runs the command.
func (s CommandStatus) Dispatchable() bool {
	return s == CommandReceived || s == CommandFailed
}

type CommandSource string

const (
	SourceInternal CommandSource = "internal_system"
	SourceExternal CommandSource = "external_system"
)

// Command is one row of the idempotent inbox. (IdempotencyKey, Type, ScopeKey)
// is unique and that index decides which of several concurrent submissions wins.
// Version increases on every status change, so a transition based on an earlier
// read only applies if nothing moved the row in between.
type Command struct {
	ID             string         `gorm:"type:uuid;primaryKey"`
	IdempotencyKey string         `gorm:"size:255;not null;uniqueIndex:command_inbox_idem_scope_unique,priority:1"`
	Source         CommandSource  `gorm:"size:32;not null"`
	Type           CommandType    `gorm:"size:64;not null;uniqueIndex:command_inbox_idem_scope_unique,priority:2"`
	ScopeKey       string         `gorm:"size:255;not null;uniqueIndex:command_inbox_idem_scope_unique,priority:3"`
	PayloadHash    string         `gorm:"size:64;not null"`
	Payload        datatypes.JSON `gorm:"type:json;not null"`
	Status         CommandStatus  `gorm:"size:20;not null;index"`
	Result         datatypes.JSON `gorm:"type:jsonb"`
	ErrorMessage   *string
	ProcessedAt    *time.Time
	Version        uint64    `gorm:"not null;default:0"`
	ExpiresAt      time.Time `gorm:"not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Command) TableName() string { return "command_inbox" }

func (c *Command) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.Must(uuid.NewV7()).String()
	}
	if c.Status == "" {
		c.Status = CommandReceived
	}
	return nil
}

// CommandScopeClaim reserves a scope for the one command of its type allowed to
// exist there, whatever idempotency key later callers use.
type CommandScopeClaim struct {
	Type      CommandType `gorm:"size:64;primaryKey"`
	ScopeKey  string      `gorm:"size:255;primaryKey"`
	CommandID string      `gorm:"type:uuid;not null"`
	CreatedAt time.Time
}

func (CommandScopeClaim) TableName() string { return "command_scope_claims" }

// CommandStatusView is the projection served to status-polling clients.
type CommandStatusView struct {
	CommandID    string         `json:"command_id"`
	Status       CommandStatus  `json:"status"`
	Result       datatypes.JSON `json:"result"`
	ErrorMessage *string        `json:"error_message"`
	ProcessedAt  *time.Time     `json:"processed_at"`
}

// Job is the message handed to the asynchronous worker for one command.
type Job struct {
	CommandID string         `json:"command_id"`
	Type      CommandType    `json:"type"`
	Source    CommandSource  `json:"source"`
	ScopeKey  string         `json:"scope_key"`
	Payload   datatypes.JSON `json:"payload"`
}

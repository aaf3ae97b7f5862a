package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	TaskTypeVectorStoreDelete = "vector_store_delete"
	TaskTypeAttachmentSweep   = "attachment_sweep"
	TaskTypeGroupEvict        = "group_evict"
)

// Task is a durable work item. At-least-once delivery; handlers must be
// idempotent. LockedAt implements the claim visibility timeout.
type Task struct {
	ID   uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Type string    `gorm:"column:type;not null;index" json:"type"`

	Body datatypes.JSON `gorm:"type:jsonb;column:body" json:"body,omitempty"`

	RunAt     time.Time  `gorm:"column:run_at;not null;index" json:"run_at"`
	Attempts  int        `gorm:"column:attempts;not null;default:0" json:"attempts"`
	LastError string     `gorm:"column:last_error" json:"last_error,omitempty"`
	LockedAt  *time.Time `gorm:"column:locked_at;index" json:"locked_at,omitempty"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Task) TableName() string { return "task" }

func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

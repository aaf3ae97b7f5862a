package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ConversationGroup is the fork tree: the root conversation and every fork of
// any member share exactly one group. The group is the unit of sharing,
// ownership and deletion.
type ConversationGroup struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerUserID uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_user_id"`

	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ConversationGroup) TableName() string { return "conversation_group" }

func (g *ConversationGroup) BeforeCreate(tx *gorm.DB) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	return nil
}

type Conversation struct {
	ID      uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	GroupID uuid.UUID `gorm:"type:uuid;not null;index" json:"group_id"`

	Title    string         `gorm:"column:title;not null;default:''" json:"title"`
	Metadata datatypes.JSON `gorm:"type:jsonb;column:metadata" json:"metadata,omitempty"`

	// Fork point. Both nil for a root conversation. Entries up to and
	// including the parent entry are visible in the fork via a virtual
	// prefix, never copied.
	ForkedAtConversationID *uuid.UUID `gorm:"type:uuid;column:forked_at_conversation_id;index" json:"forked_at_conversation_id,omitempty"`
	ForkedAtEntryID        *uuid.UUID `gorm:"type:uuid;column:forked_at_entry_id" json:"forked_at_entry_id,omitempty"`

	// Epoch is the MEMORY-channel revision counter advanced by sync
	// divergence. Monotonically non-decreasing.
	Epoch int64 `gorm:"column:epoch;not null;default:1" json:"epoch"`

	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Conversation) TableName() string { return "conversation" }

func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

func (c *Conversation) IsRoot() bool { return c.ForkedAtConversationID == nil }

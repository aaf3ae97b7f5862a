package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Channel string

const (
	// ChannelHistory is the append-only user-visible transcript.
	ChannelHistory Channel = "HISTORY"
	// ChannelMemory is the agent-owned sync-reconciled transcript.
	ChannelMemory Channel = "MEMORY"
)

// Entry is an append-only transcript item. Entries never mutate and never
// reorder; created_at is strictly monotonic within a conversation.
type Entry struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;index:idx_entry_conversation_created,priority:1" json:"conversation_id"`
	// GroupID denormalizes the conversation's group for KNN pre-filtering.
	GroupID uuid.UUID `gorm:"type:uuid;not null;index" json:"group_id"`

	Channel     Channel        `gorm:"column:channel;not null;default:'HISTORY';index" json:"channel"`
	ContentType string         `gorm:"column:content_type;not null;default:''" json:"content_type"`
	Content     datatypes.JSON `gorm:"type:jsonb;column:content;not null" json:"content"`

	// IndexedContent is redacted plaintext derived from content, used for
	// full-text and embedding indexing. Stored plain.
	IndexedContent string `gorm:"column:indexed_content;type:text;not null;default:''" json:"indexed_content,omitempty"`

	Role     string     `gorm:"column:role" json:"role,omitempty"`
	UserID   *uuid.UUID `gorm:"type:uuid;column:user_id;index" json:"user_id,omitempty"`
	ClientID string     `gorm:"column:client_id" json:"client_id,omitempty"`

	Epoch int64 `gorm:"column:epoch;not null;default:1;index" json:"epoch"`

	CreatedAt time.Time `gorm:"column:created_at;not null;index:idx_entry_conversation_created,priority:2" json:"created_at"`
	// IndexedAt nil means pending background vectorization.
	IndexedAt *time.Time `gorm:"column:indexed_at;index" json:"indexed_at,omitempty"`

	ForkedAtConversationID *uuid.UUID `gorm:"type:uuid;column:forked_at_conversation_id" json:"forked_at_conversation_id,omitempty"`
	ForkedAtEntryID        *uuid.UUID `gorm:"type:uuid;column:forked_at_entry_id" json:"forked_at_entry_id,omitempty"`

	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Entry) TableName() string { return "entry" }

func (e *Entry) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	AttachmentStatusPending = "pending"
	AttachmentStatusReady   = "ready"
)

// Attachment is a reference to a content-addressed blob. Multiple attachments
// may share one storage key; the blob is hard-deleted only when the reference
// count reaches zero.
type Attachment struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`

	StorageKey  string `gorm:"column:storage_key;index" json:"storage_key,omitempty"`
	Filename    string `gorm:"column:filename;not null" json:"filename"`
	ContentType string `gorm:"column:content_type;not null;default:''" json:"content_type"`
	Size        *int64 `gorm:"column:size" json:"size,omitempty"`
	SHA256      string `gorm:"column:sha256;index" json:"sha256,omitempty"`

	// EntryID nil means unlinked and subject to TTL expiry.
	EntryID   *uuid.UUID `gorm:"type:uuid;column:entry_id;index" json:"entry_id,omitempty"`
	ExpiresAt *time.Time `gorm:"column:expires_at;index" json:"expires_at,omitempty"`
	SourceURL string     `gorm:"column:source_url" json:"source_url,omitempty"`
	Status    string     `gorm:"column:status;not null;default:'pending';index" json:"status"`

	CreatedAt time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Attachment) TableName() string { return "attachment" }

func (a *Attachment) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

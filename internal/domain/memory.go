package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Episodic memory delete reasons.
const (
	MemoryDeletedSuperseded int16 = 0
	MemoryDeletedDeleted    int16 = 1
	MemoryDeletedExpired    int16 = 2
)

// EpisodicMemory is a namespaced key-value memory row. value and attributes
// are encrypted at rest; policy_attributes stay plaintext and are indexed for
// filtering. At most one active row per (namespace, key); updates soft-delete
// the prior row with reason superseded.
type EpisodicMemory struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	// Namespace segments joined with '/'.
	Namespace string `gorm:"column:namespace;not null;index:idx_memory_ns_key,priority:1" json:"namespace"`
	Key       string `gorm:"column:key;not null;index:idx_memory_ns_key,priority:2" json:"key"`

	ValueEncrypted      []byte         `gorm:"column:value_encrypted" json:"-"`
	AttributesEncrypted []byte         `gorm:"column:attributes_encrypted" json:"-"`
	PolicyAttributes    datatypes.JSON `gorm:"type:jsonb;column:policy_attributes" json:"policy_attributes,omitempty"`

	IndexFields   datatypes.JSON `gorm:"type:jsonb;column:index_fields" json:"index_fields,omitempty"`
	IndexDisabled bool           `gorm:"column:index_disabled;not null;default:false" json:"index_disabled"`
	IndexedAt     *time.Time     `gorm:"column:indexed_at;index" json:"indexed_at,omitempty"`

	ExpiresAt *time.Time `gorm:"column:expires_at;index" json:"expires_at,omitempty"`

	CreatedAt     time.Time      `gorm:"not null;index" json:"created_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
	DeletedReason *int16         `gorm:"column:deleted_reason" json:"deleted_reason,omitempty"`
}

func (EpisodicMemory) TableName() string { return "episodic_memory" }

func (m *EpisodicMemory) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// NamespacePath joins segments into the stored form.
func NamespacePath(segments []string) string {
	out := ""
	for i, s := range segments {
		if i > 0 {
			out += "/"
		}
		out += s
	}
	return out
}

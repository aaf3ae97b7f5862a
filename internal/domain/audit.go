package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AuditRecord is an append-only log of admin and ownership mutations.
// Destructive admin operations must carry a justification.
type AuditRecord struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ActorUserID uuid.UUID      `gorm:"type:uuid;not null;index" json:"actor_user_id"`
	Action      string         `gorm:"column:action;not null;index" json:"action"`
	TargetType  string         `gorm:"column:target_type;not null" json:"target_type"`
	TargetID    string         `gorm:"column:target_id;index" json:"target_id"`
	Justification string       `gorm:"column:justification;type:text" json:"justification,omitempty"`
	Details     datatypes.JSON `gorm:"type:jsonb;column:details" json:"details,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;index" json:"created_at"`
}

func (AuditRecord) TableName() string { return "audit_record" }

func (r *AuditRecord) BeforeCreate(tx *gorm.DB) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	return nil
}

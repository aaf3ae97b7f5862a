package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AccessLevel string

const (
	AccessOwner   AccessLevel = "owner"
	AccessManager AccessLevel = "manager"
	AccessWriter  AccessLevel = "writer"
	AccessReader  AccessLevel = "reader"
	AccessNone    AccessLevel = ""
)

// Rank implements access dominance: owner > manager > writer > reader.
func (a AccessLevel) Rank() int {
	switch a {
	case AccessOwner:
		return 4
	case AccessManager:
		return 3
	case AccessWriter:
		return 2
	case AccessReader:
		return 1
	default:
		return 0
	}
}

func (a AccessLevel) AtLeast(b AccessLevel) bool { return a.Rank() >= b.Rank() }

func (a AccessLevel) Valid() bool {
	switch a {
	case AccessOwner, AccessManager, AccessWriter, AccessReader:
		return true
	}
	return false
}

// ConversationMembership grants a user an access level on every conversation
// in a group. Exactly one owner membership per group at any time.
type ConversationMembership struct {
	ID      uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	GroupID uuid.UUID `gorm:"type:uuid;not null;index:idx_membership_group_user,priority:1" json:"group_id"`
	UserID  uuid.UUID `gorm:"type:uuid;not null;index:idx_membership_group_user,priority:2;index" json:"user_id"`

	AccessLevel AccessLevel `gorm:"column:access_level;not null" json:"access_level"`

	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ConversationMembership) TableName() string { return "conversation_membership" }

func (m *ConversationMembership) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

// OwnershipTransfer is pending until the target accepts. Accepting swaps the
// owner and manager memberships atomically and removes the transfer row.
type OwnershipTransfer struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	GroupID    uuid.UUID `gorm:"type:uuid;not null;index" json:"group_id"`
	FromUserID uuid.UUID `gorm:"type:uuid;not null;index" json:"from_user_id"`
	ToUserID   uuid.UUID `gorm:"type:uuid;not null;index" json:"to_user_id"`

	CreatedAt time.Time `gorm:"not null" json:"created_at"`
}

func (OwnershipTransfer) TableName() string { return "ownership_transfer" }

func (t *OwnershipTransfer) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

package db

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/recollect-ai/recollect-backend/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		// Conversation core
		&types.ConversationGroup{},
		&types.Conversation{},
		&types.Entry{},
		&types.ConversationMembership{},
		&types.OwnershipTransfer{},

		// Attachments
		&types.Attachment{},

		// Episodic memory
		&types.EpisodicMemory{},

		// Work queue + audit
		&types.Task{},
		&types.AuditRecord{},
	)
}

// EnsurePostgresIndexes creates the indexes GORM tags cannot express:
// full-text GIN indexes and partial uniqueness over live rows.
func EnsurePostgresIndexes(db *gorm.DB) error {
	// Lexical retrieval over indexed_content.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_entry_fts
		ON entry
		USING GIN (to_tsvector('english', indexed_content))
		WHERE deleted_at IS NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_entry_fts: %w", err)
	}

	// One owner per group among live memberships.
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_membership_group_owner
		ON conversation_membership (group_id)
		WHERE deleted_at IS NULL AND access_level = 'owner';
	`).Error; err != nil {
		return fmt.Errorf("create idx_membership_group_owner: %w", err)
	}

	// One live membership per (group, user).
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_membership_group_user_active
		ON conversation_membership (group_id, user_id)
		WHERE deleted_at IS NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_membership_group_user_active: %w", err)
	}

	// One active row per (namespace, key) in episodic memory.
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_memory_ns_key_active
		ON episodic_memory (namespace, key)
		WHERE deleted_at IS NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_memory_ns_key_active: %w", err)
	}

	// Pending vectorization scans.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_entry_pending_index
		ON entry (created_at)
		WHERE deleted_at IS NULL AND indexed_at IS NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_entry_pending_index: %w", err)
	}

	return nil
}

package app

import (
	"gorm.io/gorm"

	"github.com/recollect-ai/recollect-backend/internal/data/repos"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
)

type Repos struct {
	Group        repos.GroupRepo
	Conversation repos.ConversationRepo
	Entry        repos.EntryRepo
	Membership   repos.MembershipRepo
	Transfer     repos.TransferRepo
	Attachment   repos.AttachmentRepo
	Task         repos.TaskRepo
	Memory       repos.MemoryRepo
	Audit        repos.AuditRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	return Repos{
		Group:        repos.NewGroupRepo(db, log),
		Conversation: repos.NewConversationRepo(db, log),
		Entry:        repos.NewEntryRepo(db, log),
		Membership:   repos.NewMembershipRepo(db, log),
		Transfer:     repos.NewTransferRepo(db, log),
		Attachment:   repos.NewAttachmentRepo(db, log),
		Task:         repos.NewTaskRepo(db, log),
		Memory:       repos.NewMemoryRepo(db, log),
		Audit:        repos.NewAuditRepo(db, log),
	}
}

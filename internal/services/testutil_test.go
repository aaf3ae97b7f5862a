package services

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/recollect-ai/recollect-backend/internal/data/db"
	"github.com/recollect-ai/recollect-backend/internal/data/repos"
	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/pkg/ctxutil"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/platform/apierr"
)

type testEnv struct {
	db  *gorm.DB
	log *logger.Logger

	groups        repos.GroupRepo
	conversations repos.ConversationRepo
	entries       repos.EntryRepo
	memberships   repos.MembershipRepo
	transfers     repos.TransferRepo
	attachments   repos.AttachmentRepo
	tasks         repos.TaskRepo
	memories      repos.MemoryRepo
	audits        repos.AuditRepo

	access       AccessService
	conversation ConversationService
	sync         SyncService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	// A single connection keeps the in-memory database alive across sessions.
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrateAll(gdb); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	log := logger.NewNop()
	env := &testEnv{
		db:            gdb,
		log:           log,
		groups:        repos.NewGroupRepo(gdb, log),
		conversations: repos.NewConversationRepo(gdb, log),
		entries:       repos.NewEntryRepo(gdb, log),
		memberships:   repos.NewMembershipRepo(gdb, log),
		transfers:     repos.NewTransferRepo(gdb, log),
		attachments:   repos.NewAttachmentRepo(gdb, log),
		tasks:         repos.NewTaskRepo(gdb, log),
		memories:      repos.NewMemoryRepo(gdb, log),
		audits:        repos.NewAuditRepo(gdb, log),
	}
	env.access = NewAccessService(log, env.memberships, env.transfers, env.groups)
	env.conversation = NewConversationService(
		gdb, log,
		env.groups, env.conversations, env.entries, env.memberships, env.transfers, env.attachments,
		env.access, nil, nil,
	)
	env.sync = NewSyncService(gdb, log, env.conversations, env.entries, env.access, nil)
	return env
}

func testCaller() *ctxutil.RequestData {
	return &ctxutil.RequestData{UserID: uuid.New(), ClientID: "client-test"}
}

func textContent(text string) datatypes.JSON {
	return datatypes.JSON(fmt.Sprintf(`{"text":%q}`, text))
}

func mustCreateConversation(t *testing.T, env *testEnv, caller *ctxutil.RequestData, title string) *types.Conversation {
	t.Helper()
	conv, err := env.conversation.Create(context.Background(), caller, CreateConversationInput{Title: title})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func wantAPIErrCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %q, got nil", code)
	}
	ae := apierr.As(err)
	if ae == nil {
		t.Fatalf("expected api error with code %q, got %v", code, err)
	}
	if ae.Code != code {
		t.Fatalf("expected code %q, got %q (%v)", code, ae.Code, err)
	}
}

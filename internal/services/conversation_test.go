package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/platform/apierr"
)

func historyEntry(text string) AppendEntryInput {
	return AppendEntryInput{
		Channel:        types.ChannelHistory,
		ContentType:    "text",
		Content:        textContent(text),
		IndexedContent: text,
		Role:           "user",
	}
}

func TestCreate_GrantsOwnerMembership(t *testing.T) {
	env := newTestEnv(t)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "first")

	if conv.Epoch != 1 {
		t.Fatalf("expected epoch 1, got %d", conv.Epoch)
	}
	members, err := env.conversation.ListMemberships(context.Background(), caller, conv.ID)
	if err != nil {
		t.Fatalf("list memberships: %v", err)
	}
	if len(members) != 1 {
		t.Fatalf("expected 1 membership, got %d", len(members))
	}
	if members[0].UserID != caller.UserID || members[0].AccessLevel != types.AccessOwner {
		t.Fatalf("expected owner membership for creator, got %+v", members[0])
	}
}

func TestAppendEntries_MonotonicCreatedAt(t *testing.T) {
	env := newTestEnv(t)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "append")

	created, err := env.conversation.AppendEntries(context.Background(), caller, conv.ID,
		[]AppendEntryInput{historyEntry("one"), historyEntry("two"), historyEntry("three")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(created))
	}
	for i := 1; i < len(created); i++ {
		if !created[i].CreatedAt.After(created[i-1].CreatedAt) {
			t.Fatalf("created_at not strictly increasing at %d", i)
		}
	}
}

func TestAppendEntries_EmptyContentRejected(t *testing.T) {
	env := newTestEnv(t)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "append")

	_, err := env.conversation.AppendEntries(context.Background(), caller, conv.ID,
		[]AppendEntryInput{{Channel: types.ChannelHistory}})
	wantAPIErrCode(t, err, apierr.CodeValidation)
}

func TestFork_InheritsEntriesUpToForkPoint(t *testing.T) {
	env := newTestEnv(t)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "root")

	ctx := context.Background()
	parentEntries, err := env.conversation.AppendEntries(ctx, caller, conv.ID,
		[]AppendEntryInput{historyEntry("e1"), historyEntry("e2")})
	if err != nil {
		t.Fatalf("append parent: %v", err)
	}
	e1 := parentEntries[0]

	// Appending under a fresh id with fork pointers creates the fork.
	forkID := uuid.New()
	forkCreated, err := env.conversation.AppendEntries(ctx, caller, forkID,
		[]AppendEntryInput{{
			Channel:                types.ChannelHistory,
			ContentType:            "text",
			Content:                textContent("fork-e"),
			IndexedContent:         "fork-e",
			ForkedAtConversationID: &conv.ID,
			ForkedAtEntryID:        &e1.ID,
		}})
	if err != nil {
		t.Fatalf("append fork: %v", err)
	}
	if len(forkCreated) != 1 {
		t.Fatalf("expected 1 fork entry, got %d", len(forkCreated))
	}

	// The fork reads its virtual prefix [e1] plus its own entry. e2 came
	// after the fork point and must not appear.
	got, err := env.conversation.ListEntries(ctx, caller, forkID, ListEntriesInput{})
	if err != nil {
		t.Fatalf("list fork entries: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries in fork view, got %d", len(got))
	}
	if got[0].ID != e1.ID {
		t.Fatalf("expected inherited prefix to start with e1")
	}
	if got[1].IndexedContent != "fork-e" {
		t.Fatalf("expected fork entry last, got %q", got[1].IndexedContent)
	}

	// The parent is unaffected.
	parentView, err := env.conversation.ListEntries(ctx, caller, conv.ID, ListEntriesInput{})
	if err != nil {
		t.Fatalf("list parent entries: %v", err)
	}
	if len(parentView) != 2 {
		t.Fatalf("expected 2 entries in parent view, got %d", len(parentView))
	}

	// Both conversations share the fork tree.
	forks, err := env.conversation.ListForks(ctx, caller, conv.ID)
	if err != nil {
		t.Fatalf("list forks: %v", err)
	}
	if len(forks) != 2 {
		t.Fatalf("expected 2 conversations in the group, got %d", len(forks))
	}
}

func TestFork_RejectsEntryFromAnotherConversation(t *testing.T) {
	env := newTestEnv(t)
	caller := testCaller()
	convA := mustCreateConversation(t, env, caller, "a")
	convB := mustCreateConversation(t, env, caller, "b")

	ctx := context.Background()
	entriesB, err := env.conversation.AppendEntries(ctx, caller, convB.ID, []AppendEntryInput{historyEntry("b1")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	_, err = env.conversation.AppendEntries(ctx, caller, uuid.New(),
		[]AppendEntryInput{{
			Channel:                types.ChannelHistory,
			Content:                textContent("x"),
			ForkedAtConversationID: &convA.ID,
			ForkedAtEntryID:        &entriesB[0].ID,
		}})
	wantAPIErrCode(t, err, apierr.CodeValidation)
}

func TestDelete_CascadesOverForkTree(t *testing.T) {
	env := newTestEnv(t)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "root")

	ctx := context.Background()
	parentEntries, err := env.conversation.AppendEntries(ctx, caller, conv.ID, []AppendEntryInput{historyEntry("e1")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	forkID := uuid.New()
	if _, err := env.conversation.AppendEntries(ctx, caller, forkID,
		[]AppendEntryInput{{
			Channel:                types.ChannelHistory,
			Content:                textContent("f"),
			ForkedAtConversationID: &conv.ID,
			ForkedAtEntryID:        &parentEntries[0].ID,
		}}); err != nil {
		t.Fatalf("fork: %v", err)
	}

	// Deleting the fork removes the whole tree, root included.
	if err := env.conversation.Delete(ctx, caller, forkID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, err = env.conversation.Get(ctx, caller, conv.ID)
	wantAPIErrCode(t, err, apierr.CodeNotFound)
	_, err = env.conversation.Get(ctx, caller, forkID)
	wantAPIErrCode(t, err, apierr.CodeNotFound)
}

func TestDelete_RequiresOwner(t *testing.T) {
	env := newTestEnv(t)
	owner := testCaller()
	conv := mustCreateConversation(t, env, owner, "root")

	ctx := context.Background()
	manager := testCaller()
	if _, err := env.conversation.Share(ctx, owner, conv.ID, manager.UserID, types.AccessManager); err != nil {
		t.Fatalf("share: %v", err)
	}
	err := env.conversation.Delete(ctx, manager, conv.ID)
	wantAPIErrCode(t, err, apierr.CodeForbidden)
}

func TestShare_GrantsAndLimitsAccess(t *testing.T) {
	env := newTestEnv(t)
	owner := testCaller()
	conv := mustCreateConversation(t, env, owner, "shared")

	ctx := context.Background()
	reader := testCaller()

	// No access at all reads as absence.
	_, err := env.conversation.Get(ctx, reader, conv.ID)
	wantAPIErrCode(t, err, apierr.CodeNotFound)

	if _, err := env.conversation.Share(ctx, owner, conv.ID, reader.UserID, types.AccessReader); err != nil {
		t.Fatalf("share: %v", err)
	}
	if _, err := env.conversation.Get(ctx, reader, conv.ID); err != nil {
		t.Fatalf("get after share: %v", err)
	}

	// Readers cannot write.
	_, err = env.conversation.AppendEntries(ctx, reader, conv.ID, []AppendEntryInput{historyEntry("x")})
	wantAPIErrCode(t, err, apierr.CodeForbidden)

	// Sharing twice conflicts.
	_, err = env.conversation.Share(ctx, owner, conv.ID, reader.UserID, types.AccessWriter)
	wantAPIErrCode(t, err, apierr.CodeConflict)
}

func TestShare_OwnerLevelRejected(t *testing.T) {
	env := newTestEnv(t)
	owner := testCaller()
	conv := mustCreateConversation(t, env, owner, "shared")

	_, err := env.conversation.Share(context.Background(), owner, conv.ID, uuid.New(), types.AccessOwner)
	wantAPIErrCode(t, err, apierr.CodeValidation)
}

func TestTransfer_AcceptSwapsOwnership(t *testing.T) {
	env := newTestEnv(t)
	owner := testCaller()
	conv := mustCreateConversation(t, env, owner, "transfer")

	ctx := context.Background()
	successor := testCaller()
	if _, err := env.conversation.Share(ctx, owner, conv.ID, successor.UserID, types.AccessWriter); err != nil {
		t.Fatalf("share: %v", err)
	}
	transfer, err := env.conversation.CreateTransfer(ctx, owner, conv.ID, successor.UserID)
	if err != nil {
		t.Fatalf("create transfer: %v", err)
	}

	if err := env.conversation.AcceptTransfer(ctx, successor, transfer.ID); err != nil {
		t.Fatalf("accept: %v", err)
	}

	members, err := env.conversation.ListMemberships(ctx, successor, conv.ID)
	if err != nil {
		t.Fatalf("list memberships: %v", err)
	}
	levels := map[uuid.UUID]types.AccessLevel{}
	for _, m := range members {
		levels[m.UserID] = m.AccessLevel
	}
	if levels[successor.UserID] != types.AccessOwner {
		t.Fatalf("expected successor to own, got %q", levels[successor.UserID])
	}
	if levels[owner.UserID] != types.AccessManager {
		t.Fatalf("expected previous owner demoted to manager, got %q", levels[owner.UserID])
	}

	// The transfer is consumed.
	err = env.conversation.AcceptTransfer(ctx, successor, transfer.ID)
	wantAPIErrCode(t, err, apierr.CodeNotFound)
}

func TestTransfer_TargetMustBeMember(t *testing.T) {
	env := newTestEnv(t)
	owner := testCaller()
	conv := mustCreateConversation(t, env, owner, "transfer")

	_, err := env.conversation.CreateTransfer(context.Background(), owner, conv.ID, uuid.New())
	wantAPIErrCode(t, err, apierr.CodeConflict)
}

func TestTransfer_OnlyRecipientCanAccept(t *testing.T) {
	env := newTestEnv(t)
	owner := testCaller()
	conv := mustCreateConversation(t, env, owner, "transfer")

	ctx := context.Background()
	successor := testCaller()
	if _, err := env.conversation.Share(ctx, owner, conv.ID, successor.UserID, types.AccessWriter); err != nil {
		t.Fatalf("share: %v", err)
	}
	transfer, err := env.conversation.CreateTransfer(ctx, owner, conv.ID, successor.UserID)
	if err != nil {
		t.Fatalf("create transfer: %v", err)
	}

	err = env.conversation.AcceptTransfer(ctx, owner, transfer.ID)
	wantAPIErrCode(t, err, apierr.CodeNotFound)
}

func TestUpdateMembership_OwnerRowImmutable(t *testing.T) {
	env := newTestEnv(t)
	owner := testCaller()
	conv := mustCreateConversation(t, env, owner, "members")

	ctx := context.Background()
	members, err := env.conversation.ListMemberships(ctx, owner, conv.ID)
	if err != nil {
		t.Fatalf("list memberships: %v", err)
	}
	err = env.conversation.UpdateMembership(ctx, owner, conv.ID, members[0].ID, types.AccessReader)
	wantAPIErrCode(t, err, apierr.CodeConflict)
	err = env.conversation.DeleteMembership(ctx, owner, conv.ID, members[0].ID)
	wantAPIErrCode(t, err, apierr.CodeConflict)
}

func TestDeleteMembership_SelfRemovalAllowed(t *testing.T) {
	env := newTestEnv(t)
	owner := testCaller()
	conv := mustCreateConversation(t, env, owner, "members")

	ctx := context.Background()
	reader := testCaller()
	if _, err := env.conversation.Share(ctx, owner, conv.ID, reader.UserID, types.AccessReader); err != nil {
		t.Fatalf("share: %v", err)
	}
	members, err := env.conversation.ListMemberships(ctx, owner, conv.ID)
	if err != nil {
		t.Fatalf("list memberships: %v", err)
	}
	var readerMembership uuid.UUID
	for _, m := range members {
		if m.UserID == reader.UserID {
			readerMembership = m.ID
		}
	}
	if err := env.conversation.DeleteMembership(ctx, reader, conv.ID, readerMembership); err != nil {
		t.Fatalf("self removal: %v", err)
	}
	_, err = env.conversation.Get(ctx, reader, conv.ID)
	wantAPIErrCode(t, err, apierr.CodeNotFound)
}

func TestUpdate_ValidatesMetadata(t *testing.T) {
	env := newTestEnv(t)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "meta")

	_, err := env.conversation.Update(context.Background(), caller, conv.ID, nil, datatypes.JSON(`["not","an","object"]`))
	wantAPIErrCode(t, err, apierr.CodeValidation)

	title := "renamed"
	updated, err := env.conversation.Update(context.Background(), caller, conv.ID, &title, datatypes.JSON(`{"k":"v"}`))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "renamed" {
		t.Fatalf("expected title update, got %q", updated.Title)
	}
}

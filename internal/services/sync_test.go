package services

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/recollect-ai/recollect-backend/internal/data/repos"
	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/platform/apierr"
)

func memEntry(text string) SyncEntryInput {
	return SyncEntryInput{
		ContentType:    "text",
		Content:        textContent(text),
		IndexedContent: text,
		Role:           "assistant",
	}
}

func TestSync_InitialTranscriptAppendsAll(t *testing.T) {
	env := newTestEnv(t)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "sync")

	res, err := env.sync.SyncConversationMemory(context.Background(), caller, conv.ID,
		[]SyncEntryInput{memEntry("a"), memEntry("b")}, "")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if res.NoOp || res.EpochIncremented {
		t.Fatalf("expected plain append, got noop=%v epochIncremented=%v", res.NoOp, res.EpochIncremented)
	}
	if res.Epoch != 1 {
		t.Fatalf("expected epoch 1, got %d", res.Epoch)
	}
	if len(res.Entries) != 2 {
		t.Fatalf("expected 2 created entries, got %d", len(res.Entries))
	}
}

func TestSync_IdenticalTranscriptIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "sync")

	incoming := []SyncEntryInput{memEntry("a"), memEntry("b")}
	if _, err := env.sync.SyncConversationMemory(context.Background(), caller, conv.ID, incoming, ""); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	res, err := env.sync.SyncConversationMemory(context.Background(), caller, conv.ID, incoming, "")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !res.NoOp {
		t.Fatalf("expected noop")
	}
	if len(res.Entries) != 0 {
		t.Fatalf("expected no created entries, got %d", len(res.Entries))
	}
	if res.Epoch != 1 {
		t.Fatalf("expected epoch to stay at 1, got %d", res.Epoch)
	}
}

func TestSync_SuffixAppendsOnlyMissingEntries(t *testing.T) {
	env := newTestEnv(t)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "sync")

	ctx := context.Background()
	if _, err := env.sync.SyncConversationMemory(ctx, caller, conv.ID,
		[]SyncEntryInput{memEntry("a"), memEntry("b")}, ""); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	res, err := env.sync.SyncConversationMemory(ctx, caller, conv.ID,
		[]SyncEntryInput{memEntry("a"), memEntry("b"), memEntry("c")}, "")
	if err != nil {
		t.Fatalf("suffix sync: %v", err)
	}
	if res.NoOp || res.EpochIncremented {
		t.Fatalf("expected suffix append, got noop=%v epochIncremented=%v", res.NoOp, res.EpochIncremented)
	}
	if len(res.Entries) != 1 {
		t.Fatalf("expected 1 created entry, got %d", len(res.Entries))
	}
	if res.Entries[0].IndexedContent != "c" {
		t.Fatalf("expected entry c, got %q", res.Entries[0].IndexedContent)
	}

	stored, err := env.conversation.ListEntries(ctx, caller, conv.ID, ListEntriesInput{Channel: types.ChannelMemory})
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("expected 3 stored entries, got %d", len(stored))
	}
}

func TestSync_DivergenceAdvancesEpochAndRewrites(t *testing.T) {
	env := newTestEnv(t)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "sync")

	ctx := context.Background()
	if _, err := env.sync.SyncConversationMemory(ctx, caller, conv.ID,
		[]SyncEntryInput{memEntry("a"), memEntry("b"), memEntry("c")}, ""); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	res, err := env.sync.SyncConversationMemory(ctx, caller, conv.ID,
		[]SyncEntryInput{memEntry("a"), memEntry("B-compacted")}, "")
	if err != nil {
		t.Fatalf("divergent sync: %v", err)
	}
	if !res.EpochIncremented {
		t.Fatalf("expected epoch increment")
	}
	if res.Epoch != 2 {
		t.Fatalf("expected epoch 2, got %d", res.Epoch)
	}
	if len(res.Entries) != 2 {
		t.Fatalf("expected full rewrite of 2 entries, got %d", len(res.Entries))
	}

	// Reads see only the new epoch.
	stored, err := env.conversation.ListEntries(ctx, caller, conv.ID, ListEntriesInput{Channel: types.ChannelMemory})
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(stored) != 2 {
		t.Fatalf("expected 2 live entries, got %d", len(stored))
	}
	for _, e := range stored {
		if e.Epoch != 2 {
			t.Fatalf("expected live entries at epoch 2, got %d", e.Epoch)
		}
	}

	// The superseded epoch is still there under epoch=all.
	all, err := env.conversation.ListEntries(ctx, caller, conv.ID, ListEntriesInput{Channel: types.ChannelMemory, Epoch: repos.EpochAll})
	if err != nil {
		t.Fatalf("list all epochs: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 entries across epochs, got %d", len(all))
	}
}

func TestSync_ShorterIdenticalPrefixDiverges(t *testing.T) {
	env := newTestEnv(t)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "sync")

	ctx := context.Background()
	if _, err := env.sync.SyncConversationMemory(ctx, caller, conv.ID,
		[]SyncEntryInput{memEntry("a"), memEntry("b")}, ""); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	// A strict prefix means the agent trimmed history: that is a rewrite.
	res, err := env.sync.SyncConversationMemory(ctx, caller, conv.ID,
		[]SyncEntryInput{memEntry("a")}, "")
	if err != nil {
		t.Fatalf("trim sync: %v", err)
	}
	if !res.EpochIncremented {
		t.Fatalf("expected epoch increment for trimmed transcript")
	}
}

func TestSync_ContentComparisonIgnoresKeyOrder(t *testing.T) {
	env := newTestEnv(t)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "sync")

	ctx := context.Background()
	first := SyncEntryInput{ContentType: "text", Content: datatypes.JSON(`{"a":1,"b":"x"}`)}
	if _, err := env.sync.SyncConversationMemory(ctx, caller, conv.ID, []SyncEntryInput{first}, ""); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	reordered := SyncEntryInput{ContentType: "text", Content: datatypes.JSON(`{"b":"x","a":1}`)}
	res, err := env.sync.SyncConversationMemory(ctx, caller, conv.ID, []SyncEntryInput{reordered}, "")
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if !res.NoOp {
		t.Fatalf("expected noop for structurally equal content")
	}
}

func TestSync_RequiresWriterAccess(t *testing.T) {
	env := newTestEnv(t)
	owner := testCaller()
	conv := mustCreateConversation(t, env, owner, "sync")

	stranger := testCaller()
	_, err := env.sync.SyncConversationMemory(context.Background(), stranger, conv.ID,
		[]SyncEntryInput{memEntry("a")}, "")
	wantAPIErrCode(t, err, apierr.CodeNotFound)

	reader := testCaller()
	if _, err := env.conversation.Share(context.Background(), owner, conv.ID, reader.UserID, types.AccessReader); err != nil {
		t.Fatalf("share: %v", err)
	}
	_, err = env.sync.SyncConversationMemory(context.Background(), reader, conv.ID,
		[]SyncEntryInput{memEntry("a")}, "")
	wantAPIErrCode(t, err, apierr.CodeForbidden)
}

func TestSync_UnknownConversationNotFound(t *testing.T) {
	env := newTestEnv(t)
	caller := testCaller()

	_, err := env.sync.SyncConversationMemory(context.Background(), caller, uuid.New(),
		[]SyncEntryInput{memEntry("a")}, "")
	wantAPIErrCode(t, err, apierr.CodeNotFound)
}

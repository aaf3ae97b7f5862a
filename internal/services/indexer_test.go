package services

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"gorm.io/datatypes"

	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/pkg/dbctx"
	"github.com/recollect-ai/recollect-backend/internal/pkg/secretbox"
)

func newIndexerEnv(t *testing.T) (*testEnv, *fakeEmbedder, *fakeVectorStore, IndexerService) {
	t.Helper()
	env := newTestEnv(t)
	embedder := newFakeEmbedder()
	vectors := newFakeVectorStore()
	svc := NewIndexerService(env.log, env.entries, env.memories, embedder, vectors, nil)
	return env, embedder, vectors, svc
}

func TestIndexer_IndexCommittedUpsertsAndMarks(t *testing.T) {
	env, _, vectors, svc := newIndexerEnv(t)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "idx")
	ctx := context.Background()

	created, err := env.conversation.AppendEntries(ctx, caller, conv.ID,
		[]AppendEntryInput{historyEntry("alpha"), historyEntry("beta")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	svc.IndexCommitted(ctx, created)

	if got := vectors.count(VectorNamespaceEntries); got != 2 {
		t.Fatalf("expected 2 vectors, got %d", got)
	}
	if !svc.Populated() {
		t.Fatalf("expected populated after first upsert")
	}

	pending, err := env.entries.FindPendingVectorIndexing(dbctx.New(ctx), 100)
	if err != nil {
		t.Fatalf("pending scan: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending entries, got %d", len(pending))
	}
}

func TestIndexer_VectorMetadataCarriesGroup(t *testing.T) {
	env, _, vectors, svc := newIndexerEnv(t)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "idx")
	ctx := context.Background()

	created, err := env.conversation.AppendEntries(ctx, caller, conv.ID,
		[]AppendEntryInput{historyEntry("alpha")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	svc.IndexCommitted(ctx, created)

	v, ok := vectors.data[VectorNamespaceEntries][created[0].ID.String()]
	if !ok {
		t.Fatalf("expected vector keyed by entry id")
	}
	if v.Metadata["groupId"] != conv.GroupID.String() {
		t.Fatalf("unexpected groupId metadata %v", v.Metadata)
	}
	if v.Metadata["conversationId"] != conv.ID.String() {
		t.Fatalf("unexpected conversationId metadata %v", v.Metadata)
	}
	if v.Metadata["channel"] != string(types.ChannelHistory) {
		t.Fatalf("unexpected channel metadata %v", v.Metadata)
	}
}

func TestIndexer_SkipsEntriesWithoutIndexText(t *testing.T) {
	env, _, vectors, svc := newIndexerEnv(t)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "idx")
	ctx := context.Background()

	created, err := env.conversation.AppendEntries(ctx, caller, conv.ID, []AppendEntryInput{{
		Channel:     types.ChannelHistory,
		ContentType: "text",
		Content:     textContent("opaque blob"),
		Role:        "user",
	}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	svc.IndexCommitted(ctx, created)
	if got := vectors.count(VectorNamespaceEntries); got != 0 {
		t.Fatalf("expected no vectors for blank index text, got %d", got)
	}
	if svc.Populated() {
		t.Fatalf("expected populated to stay false")
	}
}

func TestIndexer_NotReadyIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	svc := NewIndexerService(env.log, env.entries, env.memories, nil, nil, nil)
	if svc.Ready() {
		t.Fatalf("expected not ready without embedder and store")
	}
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "idx")
	created, err := env.conversation.AppendEntries(context.Background(), caller, conv.ID,
		[]AppendEntryInput{historyEntry("alpha")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	svc.IndexCommitted(context.Background(), created)
	if svc.Populated() {
		t.Fatalf("expected no indexing while unconfigured")
	}
}

func TestIndexer_RetryPicksUpUnindexedEntries(t *testing.T) {
	env, _, vectors, svc := newIndexerEnv(t)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "idx")
	ctx := context.Background()

	// Entries land without an in-band indexing pass, as if the first attempt
	// had failed.
	if _, err := env.conversation.AppendEntries(ctx, caller, conv.ID,
		[]AppendEntryInput{historyEntry("alpha"), historyEntry("beta")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	svc.(*indexerService).retryEntries(ctx)

	if got := vectors.count(VectorNamespaceEntries); got != 2 {
		t.Fatalf("expected 2 vectors after retry, got %d", got)
	}
	pending, err := env.entries.FindPendingVectorIndexing(dbctx.New(ctx), 100)
	if err != nil {
		t.Fatalf("pending scan: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected retry to drain the backlog, got %d pending", len(pending))
	}
}

func TestIndexer_MemoryIndexTextUsesIndexFields(t *testing.T) {
	env := newTestEnv(t)
	box, err := secretbox.New(strings.Repeat("cd", 32))
	if err != nil {
		t.Fatalf("secretbox: %v", err)
	}
	svc := NewIndexerService(env.log, env.entries, env.memories, newFakeEmbedder(), newFakeVectorStore(), box)

	plain, _ := json.Marshal(map[string]any{
		"title": "standup notes",
		"body":  "shipped the retry loop",
		"count": 3,
	})
	sealed, err := box.Seal(plain)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	m := &types.EpisodicMemory{ValueEncrypted: sealed}
	text, err := svc.(*indexerService).memoryIndexText(m)
	if err != nil {
		t.Fatalf("index text: %v", err)
	}
	// Without index_fields, every string leaf is embedded in key order.
	if text != "shipped the retry loop\nstandup notes" {
		t.Fatalf("unexpected index text %q", text)
	}

	m.IndexFields = datatypes.JSON(`["title"]`)
	text, err = svc.(*indexerService).memoryIndexText(m)
	if err != nil {
		t.Fatalf("index text: %v", err)
	}
	if text != "standup notes" {
		t.Fatalf("expected only the named field, got %q", text)
	}
}

package services

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/recollect-ai/recollect-backend/internal/platform/apierr"
	"github.com/recollect-ai/recollect-backend/internal/platform/pinecone"
)

func newSearchEnv(t *testing.T) (*testEnv, *fakeEmbedder, *fakeVectorStore, SearchService) {
	t.Helper()
	env := newTestEnv(t)
	embedder := newFakeEmbedder()
	vectors := newFakeVectorStore()
	indexer := NewIndexerService(env.log, env.entries, env.memories, embedder, vectors, nil)
	svc := NewSearchService(env.log, env.entries, env.conversations, env.access, embedder, vectors, indexer)
	return env, embedder, vectors, svc
}

func TestSearch_FulltextMatchesAndHighlights(t *testing.T) {
	env := newTestEnv(t)
	svc := NewSearchService(env.log, env.entries, env.conversations, env.access, nil, nil, nil)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "release notes")
	ctx := context.Background()

	_, err := env.conversation.AppendEntries(ctx, caller, conv.ID, []AppendEntryInput{
		historyEntry("we should deploy the rollout on friday"),
		historyEntry("grocery list for the weekend"),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	results, err := svc.Search(ctx, caller, "deploy", 10, SearchFulltext)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.ConversationID != conv.ID || r.ConversationTitle != "release notes" {
		t.Fatalf("unexpected result %+v", r)
	}
	if len(r.Highlights) == 0 || !strings.Contains(r.Highlights[0], "==deploy==") {
		t.Fatalf("expected marked highlight, got %v", r.Highlights)
	}
}

func TestHighlight_UnicodeCaseChanges(t *testing.T) {
	// Lowercasing 'Ⱥ' grows the rune from 2 to 3 bytes, so indexes found in
	// the lowered string do not line up with the original text.
	text := strings.Repeat("Ⱥ", 10) + "zebra"
	got := highlight(text, "zebra")
	if len(got) != 1 || !strings.Contains(got[0], "==zebra==") {
		t.Fatalf("unexpected highlights %v", got)
	}
	if !utf8.ValidString(got[0]) {
		t.Fatalf("snippet is not valid utf-8: %q", got[0])
	}

	// 'İ' shrinks when lowered; the markers must still wrap whole runes.
	text = strings.Repeat("İ", 7) + "zebra suffix"
	got = highlight(text, "zebra")
	if len(got) != 1 || !strings.Contains(got[0], "==zebra==") {
		t.Fatalf("unexpected highlights %v", got)
	}
	if !utf8.ValidString(got[0]) {
		t.Fatalf("snippet is not valid utf-8: %q", got[0])
	}
}

func TestHighlight_CaseInsensitiveNonASCIITerm(t *testing.T) {
	got := highlight("Ⱥpple pie recipe", "ⱥpple")
	if len(got) != 1 || !strings.Contains(got[0], "==Ⱥpple==") {
		t.Fatalf("unexpected highlights %v", got)
	}
	if !utf8.ValidString(got[0]) {
		t.Fatalf("snippet is not valid utf-8: %q", got[0])
	}
}

func TestSearch_ScopedToAccessibleGroups(t *testing.T) {
	env := newTestEnv(t)
	svc := NewSearchService(env.log, env.entries, env.conversations, env.access, nil, nil, nil)
	owner := testCaller()
	conv := mustCreateConversation(t, env, owner, "private")
	ctx := context.Background()

	if _, err := env.conversation.AppendEntries(ctx, owner, conv.ID,
		[]AppendEntryInput{historyEntry("confidential deploy plan")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	stranger := testCaller()
	results, err := svc.Search(ctx, stranger, "deploy", 10, SearchFulltext)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results for stranger, got %d", len(results))
	}
}

func TestSearch_EmptyQueryRejected(t *testing.T) {
	env := newTestEnv(t)
	svc := NewSearchService(env.log, env.entries, env.conversations, env.access, nil, nil, nil)
	_, err := svc.Search(context.Background(), testCaller(), "   ", 10, SearchFulltext)
	wantAPIErrCode(t, err, apierr.CodeValidation)
}

func TestSearch_SemanticUnconfiguredRejected(t *testing.T) {
	env := newTestEnv(t)
	svc := NewSearchService(env.log, env.entries, env.conversations, env.access, nil, nil, nil)
	caller := testCaller()
	mustCreateConversation(t, env, caller, "c")

	_, err := svc.Search(context.Background(), caller, "anything", 10, SearchSemantic)
	wantAPIErrCode(t, err, apierr.CodeValidation)
}

func TestSearch_AutoFallsBackToFulltext(t *testing.T) {
	// No vectors have been upserted yet, so auto mode serves fulltext even
	// though the embedder and vector store are configured.
	env, _, _, svc := newSearchEnv(t)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "auto")
	ctx := context.Background()

	if _, err := env.conversation.AppendEntries(ctx, caller, conv.ID,
		[]AppendEntryInput{historyEntry("deploy tomorrow")}); err != nil {
		t.Fatalf("append: %v", err)
	}

	results, err := svc.Search(ctx, caller, "deploy", 10, SearchAuto)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected fulltext fallback result, got %d", len(results))
	}
}

func TestSearch_SemanticRanksByVectorSimilarity(t *testing.T) {
	env, embedder, vectors, svc := newSearchEnv(t)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "planning")
	ctx := context.Background()

	embedder.set("we should deploy the rollout", []float32{0, 1, 0})
	embedder.set("grocery list", []float32{1, 0, 0})
	embedder.set("rollout plans", []float32{0, 1, 0})

	created, err := env.conversation.AppendEntries(ctx, caller, conv.ID, []AppendEntryInput{
		historyEntry("we should deploy the rollout"),
		historyEntry("grocery list"),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	indexer := NewIndexerService(env.log, env.entries, env.memories, embedder, vectors, nil)
	indexer.IndexCommitted(ctx, created)
	if vectors.count(VectorNamespaceEntries) != 2 {
		t.Fatalf("expected 2 indexed vectors, got %d", vectors.count(VectorNamespaceEntries))
	}

	results, err := svc.Search(ctx, caller, "rollout plans", 10, SearchSemantic)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatalf("expected semantic results")
	}
	if results[0].EntryID != created[0].ID {
		t.Fatalf("expected rollout entry ranked first, got %v", results[0].EntryID)
	}
	if results[0].Score <= 0 {
		t.Fatalf("expected positive similarity score, got %f", results[0].Score)
	}
}

func TestSearch_SemanticSkipsStaleVectors(t *testing.T) {
	env, embedder, vectors, svc := newSearchEnv(t)
	caller := testCaller()
	conv := mustCreateConversation(t, env, caller, "stale")
	ctx := context.Background()

	embedder.set("live entry", []float32{0, 1, 0})
	embedder.set("live", []float32{0, 1, 0})

	created, err := env.conversation.AppendEntries(ctx, caller, conv.ID,
		[]AppendEntryInput{historyEntry("live entry")})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	indexer := NewIndexerService(env.log, env.entries, env.memories, embedder, vectors, nil)
	indexer.IndexCommitted(ctx, created)

	// The vector store lags hard deletes: a vector whose row is gone must be
	// dropped during hydration, not surfaced as an empty result.
	if err := vectors.Upsert(ctx, VectorNamespaceEntries, []pinecone.Vector{{
		ID:       uuid.New().String(),
		Values:   []float32{0, 1, 0},
		Metadata: map[string]any{"groupId": conv.GroupID.String()},
	}}); err != nil {
		t.Fatalf("upsert stale: %v", err)
	}

	results, err := svc.Search(ctx, caller, "live", 10, SearchSemantic)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].EntryID != created[0].ID {
		t.Fatalf("expected only the live entry, got %+v", results)
	}
}

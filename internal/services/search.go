package services

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/recollect-ai/recollect-backend/internal/data/repos"
	types "github.com/recollect-ai/recollect-backend/internal/domain"
	"github.com/recollect-ai/recollect-backend/internal/observability"
	"github.com/recollect-ai/recollect-backend/internal/pkg/ctxutil"
	"github.com/recollect-ai/recollect-backend/internal/pkg/dbctx"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/platform/apierr"
	"github.com/recollect-ai/recollect-backend/internal/platform/openai"
	"github.com/recollect-ai/recollect-backend/internal/platform/pinecone"
)

type SearchType string

const (
	SearchAuto     SearchType = "auto"
	SearchFulltext SearchType = "fulltext"
	SearchSemantic SearchType = "semantic"
)

type SearchResult struct {
	EntryID           uuid.UUID
	ConversationID    uuid.UUID
	ConversationTitle string
	Score             float64
	Highlights        []string
	Entry             *types.Entry
}

type SearchService interface {
	Search(ctx context.Context, caller *ctxutil.RequestData, query string, limit int, searchType SearchType) ([]SearchResult, error)
}

type searchService struct {
	log *logger.Logger

	entryRepo        repos.EntryRepo
	conversationRepo repos.ConversationRepo

	access   AccessService
	embedder openai.Client
	vectors  pinecone.VectorStore
	indexer  IndexerService
}

func NewSearchService(
	log *logger.Logger,
	entryRepo repos.EntryRepo,
	conversationRepo repos.ConversationRepo,
	access AccessService,
	embedder openai.Client,
	vectors pinecone.VectorStore,
	indexer IndexerService,
) SearchService {
	return &searchService{
		log:              log.With("service", "SearchService"),
		entryRepo:        entryRepo,
		conversationRepo: conversationRepo,
		access:           access,
		embedder:         embedder,
		vectors:          vectors,
		indexer:          indexer,
	}
}

func (s *searchService) Search(ctx context.Context, caller *ctxutil.RequestData, query string, limit int, searchType SearchType) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apierr.Validation("query required")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	dbc := dbctx.New(ctx)
	// Allowed groups are computed once and reused as both the KNN pre-filter
	// and the hydration re-check.
	groupIDs, err := s.access.AccessibleGroupIDs(dbc, caller)
	if err != nil {
		return nil, err
	}
	if len(groupIDs) == 0 {
		return []SearchResult{}, nil
	}

	switch searchType {
	case SearchFulltext:
		return s.fulltext(dbc, groupIDs, query, limit)
	case SearchSemantic:
		return s.semantic(ctx, dbc, groupIDs, query, limit)
	case SearchAuto, "":
		if s.indexer != nil && s.indexer.Ready() && s.indexer.Populated() {
			return s.semantic(ctx, dbc, groupIDs, query, limit)
		}
		return s.fulltext(dbc, groupIDs, query, limit)
	default:
		return nil, apierr.Validation(fmt.Sprintf("unknown search type %q", searchType))
	}
}

func (s *searchService) fulltext(dbc dbctx.Context, groupIDs []uuid.UUID, query string, limit int) ([]SearchResult, error) {
	if m := observability.Current(); m != nil {
		m.IncSearch(string(SearchFulltext))
	}
	matches, err := s.entryRepo.SearchFulltext(dbc, groupIDs, query, limit)
	if err != nil {
		return nil, err
	}
	out := make([]SearchResult, 0, len(matches))
	titles := map[uuid.UUID]string{}
	for _, m := range matches {
		out = append(out, SearchResult{
			EntryID:           m.Entry.ID,
			ConversationID:    m.Entry.ConversationID,
			ConversationTitle: s.titleFor(dbc, titles, m.Entry.ConversationID),
			Score:             m.Score,
			Highlights:        highlight(m.Entry.IndexedContent, query),
			Entry:             m.Entry,
		})
	}
	return out, nil
}

func (s *searchService) semantic(ctx context.Context, dbc dbctx.Context, groupIDs []uuid.UUID, query string, limit int) ([]SearchResult, error) {
	if s.embedder == nil || s.vectors == nil {
		return nil, apierr.Validation("semantic search is not configured")
	}
	if m := observability.Current(); m != nil {
		m.IncSearch(string(SearchSemantic))
	}

	embeddings, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(embeddings) == 0 || len(embeddings[0]) == 0 {
		return []SearchResult{}, nil
	}

	allowed := make(map[uuid.UUID]bool, len(groupIDs))
	groupStrs := make([]any, 0, len(groupIDs))
	for _, id := range groupIDs {
		allowed[id] = true
		groupStrs = append(groupStrs, id.String())
	}

	matches, err := s.vectors.QueryMatches(ctx, VectorNamespaceEntries, embeddings[0], limit, map[string]any{
		"groupId": map[string]any{"$in": groupStrs},
	})
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}
	if len(matches) == 0 {
		return []SearchResult{}, nil
	}

	ids := make([]uuid.UUID, 0, len(matches))
	scores := map[uuid.UUID]float64{}
	for _, m := range matches {
		id, err := uuid.Parse(m.ID)
		if err != nil {
			continue
		}
		ids = append(ids, id)
		scores[id] = m.Score
	}

	entries, err := s.entryRepo.GetByIDs(dbc, ids)
	if err != nil {
		return nil, err
	}
	byID := map[uuid.UUID]*types.Entry{}
	for _, e := range entries {
		byID[e.ID] = e
	}

	out := make([]SearchResult, 0, len(ids))
	titles := map[uuid.UUID]string{}
	for _, id := range ids {
		e, ok := byID[id]
		if !ok {
			// Vector store lags hard deletes; skip silently.
			continue
		}
		// The vector store may also lag membership revocations.
		if !allowed[e.GroupID] {
			continue
		}
		out = append(out, SearchResult{
			EntryID:           e.ID,
			ConversationID:    e.ConversationID,
			ConversationTitle: s.titleFor(dbc, titles, e.ConversationID),
			Score:             scores[id],
			Entry:             e,
		})
	}
	return out, nil
}

func (s *searchService) titleFor(dbc dbctx.Context, cache map[uuid.UUID]string, conversationID uuid.UUID) string {
	if t, ok := cache[conversationID]; ok {
		return t
	}
	conv, err := s.conversationRepo.GetByID(dbc, conversationID, true)
	if err != nil {
		cache[conversationID] = ""
		return ""
	}
	cache[conversationID] = conv.Title
	return conv.Title
}

const (
	highlightContext = 40
	maxHighlights    = 3
)

// highlight returns snippets of text around query term matches, wrapping the
// matched term in ==markers==. Matching is case-insensitive; because
// lowercasing can change a rune's byte length, match positions found in the
// lowered string are mapped back to offsets in the original text before
// slicing.
func highlight(text, query string) []string {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 || text == "" {
		return nil
	}

	// offsets[i] is the byte offset in text of the rune that produced byte i
	// of the lowered string, with one extra entry for the end boundary.
	var lowered strings.Builder
	lowered.Grow(len(text))
	offsets := make([]int, 0, len(text)+1)
	for i, r := range text {
		lr := unicode.ToLower(r)
		for n := utf8.RuneLen(lr); n > 0; n-- {
			offsets = append(offsets, i)
		}
		lowered.WriteRune(lr)
	}
	offsets = append(offsets, len(text))
	lower := lowered.String()

	var out []string
	for _, term := range terms {
		idx := strings.Index(lower, term)
		if idx < 0 {
			continue
		}
		matchStart := offsets[idx]
		matchEnd := offsets[idx+len(term)]

		start := matchStart - highlightContext
		if start < 0 {
			start = 0
		}
		for start > 0 && !utf8.RuneStart(text[start]) {
			start--
		}
		end := matchEnd + highlightContext
		if end > len(text) {
			end = len(text)
		}
		for end < len(text) && !utf8.RuneStart(text[end]) {
			end++
		}

		snippet := text[start:matchStart] + "==" + text[matchStart:matchEnd] + "==" + text[matchEnd:end]
		if start > 0 {
			snippet = "..." + snippet
		}
		if end < len(text) {
			snippet = snippet + "..."
		}
		out = append(out, snippet)
		if len(out) >= maxHighlights {
			break
		}
	}
	return out
}

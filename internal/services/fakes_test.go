package services

import (
	"context"
	"sort"
	"sync"

	"github.com/recollect-ai/recollect-backend/internal/platform/pinecone"
)

// fakeEmbedder returns a fixed vector per exact input text so tests control
// similarity ordering.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vectors: map[string][]float32{}}
}

func (f *fakeEmbedder) set(text string, v []float32) { f.vectors[text] = v }

func (f *fakeEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i, in := range inputs {
		if v, ok := f.vectors[in]; ok {
			out[i] = v
		} else {
			out[i] = []float32{1, 0, 0}
		}
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedModel() string { return "fake-embed" }

// fakeVectorStore keeps vectors in memory and scores queries by dot product.
type fakeVectorStore struct {
	mu   sync.Mutex
	data map[string]map[string]pinecone.Vector
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{data: map[string]map[string]pinecone.Vector{}}
}

func (f *fakeVectorStore) Upsert(ctx context.Context, namespace string, vectors []pinecone.Vector) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ns, ok := f.data[namespace]
	if !ok {
		ns = map[string]pinecone.Vector{}
		f.data[namespace] = ns
	}
	for _, v := range vectors {
		ns[v.ID] = v
	}
	return nil
}

func (f *fakeVectorStore) count(namespace string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data[namespace])
}

func matchesFilter(meta map[string]any, filter map[string]any) bool {
	for key, cond := range filter {
		condMap, ok := cond.(map[string]any)
		if !ok {
			if meta[key] != cond {
				return false
			}
			continue
		}
		if want, ok := condMap["$eq"]; ok {
			if meta[key] != want {
				return false
			}
		}
		if list, ok := condMap["$in"]; ok {
			values, _ := list.([]any)
			found := false
			for _, v := range values {
				if meta[key] == v {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func (f *fakeVectorStore) QueryMatches(ctx context.Context, namespace string, q []float32, topK int, filter map[string]any) ([]pinecone.VectorMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []pinecone.VectorMatch
	for _, v := range f.data[namespace] {
		if !matchesFilter(v.Metadata, filter) {
			continue
		}
		score := 0.0
		for i := 0; i < len(q) && i < len(v.Values); i++ {
			score += float64(q[i]) * float64(v.Values[i])
		}
		out = append(out, pinecone.VectorMatch{ID: v.ID, Score: score})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (f *fakeVectorStore) QueryIDs(ctx context.Context, namespace string, q []float32, topK int, filter map[string]any) ([]string, error) {
	matches, err := f.QueryMatches(ctx, namespace, q, topK, filter)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (f *fakeVectorStore) DeleteIDs(ctx context.Context, namespace string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ns := f.data[namespace]
	for _, id := range ids {
		delete(ns, id)
	}
	return nil
}

func (f *fakeVectorStore) DeleteByFilter(ctx context.Context, namespace string, filter map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ns := f.data[namespace]
	for id, v := range ns {
		if matchesFilter(v.Metadata, filter) {
			delete(ns, id)
		}
	}
	return nil
}

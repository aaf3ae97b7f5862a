package resume

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Locator advertises where the active response for a conversation is being
// generated. At most one locator exists per conversation at a time.
type Locator struct {
	NodeID            string    `json:"nodeId"`
	RecordingID       string    `json:"recordingId"`
	AdvertisedAddress string    `json:"advertisedAddress"`
	StartedAt         time.Time `json:"startedAt"`
}

type LocatorStore interface {
	Get(ctx context.Context, conversationID uuid.UUID) (*Locator, error)
	Upsert(ctx context.Context, conversationID uuid.UUID, loc Locator, ttl time.Duration) error
	Remove(ctx context.Context, conversationID uuid.UUID) error
	Exists(ctx context.Context, conversationID uuid.UUID) (bool, error)
}

// CancelBus carries explicit cancellation requests to whichever node is
// generating the response for a conversation.
type CancelBus interface {
	PublishCancel(ctx context.Context, conversationID uuid.UUID) error
	SubscribeCancel(ctx context.Context, onCancel func(conversationID uuid.UUID)) error
	Close() error
}

type memoryEntry struct {
	loc       Locator
	expiresAt time.Time
}

// MemoryLocatorStore is a single-node locator used when no shared cache is
// configured (CACHE_TYPE=memory). Entries expire lazily on access.
type MemoryLocatorStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]memoryEntry
}

func NewMemoryLocatorStore() *MemoryLocatorStore {
	return &MemoryLocatorStore{entries: map[uuid.UUID]memoryEntry{}}
}

func (s *MemoryLocatorStore) Get(ctx context.Context, conversationID uuid.UUID) (*Locator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[conversationID]
	if !ok {
		return nil, nil
	}
	if time.Now().After(e.expiresAt) {
		delete(s.entries, conversationID)
		return nil, nil
	}
	loc := e.loc
	return &loc, nil
}

func (s *MemoryLocatorStore) Upsert(ctx context.Context, conversationID uuid.UUID, loc Locator, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[conversationID] = memoryEntry{loc: loc, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryLocatorStore) Remove(ctx context.Context, conversationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, conversationID)
	return nil
}

func (s *MemoryLocatorStore) Exists(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	loc, err := s.Get(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return loc != nil, nil
}

// MemoryCancelBus delivers cancellation in-process. Pairs with
// MemoryLocatorStore for single-node deployments.
type MemoryCancelBus struct {
	mu   sync.Mutex
	subs []func(uuid.UUID)
}

func NewMemoryCancelBus() *MemoryCancelBus {
	return &MemoryCancelBus{}
}

func (b *MemoryCancelBus) PublishCancel(ctx context.Context, conversationID uuid.UUID) error {
	b.mu.Lock()
	subs := make([]func(uuid.UUID), len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(conversationID)
	}
	return nil
}

func (b *MemoryCancelBus) SubscribeCancel(ctx context.Context, onCancel func(conversationID uuid.UUID)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, onCancel)
	return nil
}

func (b *MemoryCancelBus) Close() error { return nil }

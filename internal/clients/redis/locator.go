package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/resume"
)

const (
	locatorKeyPrefix = "resume:conv:"
	cancelChannel    = "resume:cancel"
)

// LocatorStore is the shared, cluster-wide locator backed by Redis. It also
// carries the cancellation bus over pub/sub on the same connection.
type LocatorStore interface {
	resume.LocatorStore
	resume.CancelBus
}

type locatorStore struct {
	log *logger.Logger
	rdb *goredis.Client
}

func NewLocatorStore(log *logger.Logger) (LocatorStore, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &locatorStore{
		log: log.With("service", "RedisLocatorStore"),
		rdb: rdb,
	}, nil
}

func locatorKey(conversationID uuid.UUID) string {
	return locatorKeyPrefix + conversationID.String()
}

func (s *locatorStore) Get(ctx context.Context, conversationID uuid.UUID) (*resume.Locator, error) {
	if s == nil || s.rdb == nil {
		return nil, fmt.Errorf("redis locator store not initialized")
	}
	raw, err := s.rdb.Get(ctx, locatorKey(conversationID)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var loc resume.Locator
	if err := json.Unmarshal(raw, &loc); err != nil {
		s.log.Warn("bad locator payload; dropping", "conversation_id", conversationID, "error", err)
		_ = s.rdb.Del(ctx, locatorKey(conversationID)).Err()
		return nil, nil
	}
	return &loc, nil
}

func (s *locatorStore) Upsert(ctx context.Context, conversationID uuid.UUID, loc resume.Locator, ttl time.Duration) error {
	if s == nil || s.rdb == nil {
		return fmt.Errorf("redis locator store not initialized")
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	raw, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, locatorKey(conversationID), raw, ttl).Err()
}

func (s *locatorStore) Remove(ctx context.Context, conversationID uuid.UUID) error {
	if s == nil || s.rdb == nil {
		return fmt.Errorf("redis locator store not initialized")
	}
	return s.rdb.Del(ctx, locatorKey(conversationID)).Err()
}

func (s *locatorStore) Exists(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	if s == nil || s.rdb == nil {
		return false, fmt.Errorf("redis locator store not initialized")
	}
	n, err := s.rdb.Exists(ctx, locatorKey(conversationID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *locatorStore) PublishCancel(ctx context.Context, conversationID uuid.UUID) error {
	if s == nil || s.rdb == nil {
		return fmt.Errorf("redis locator store not initialized")
	}
	return s.rdb.Publish(ctx, cancelChannel, conversationID.String()).Err()
}

func (s *locatorStore) SubscribeCancel(ctx context.Context, onCancel func(conversationID uuid.UUID)) error {
	if s == nil || s.rdb == nil {
		return fmt.Errorf("redis locator store not initialized")
	}
	if onCancel == nil {
		return fmt.Errorf("onCancel callback required")
	}

	sub := s.rdb.Subscribe(ctx, cancelChannel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				id, err := uuid.Parse(strings.TrimSpace(m.Payload))
				if err != nil {
					s.log.Warn("bad cancel payload", "payload", m.Payload, "error", err)
					continue
				}
				onCancel(id)
			}
		}
	}()

	return nil
}

func (s *locatorStore) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

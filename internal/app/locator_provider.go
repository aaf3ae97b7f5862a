package app

import (
	redisclients "github.com/recollect-ai/recollect-backend/internal/clients/redis"
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/resume"
)

// newLocator picks the locator/cancel backend. Redis makes both cluster
// wide; the memory pair only coordinates within one process.
func newLocator(log *logger.Logger, cfg Config) (resume.LocatorStore, resume.CancelBus, func() error, error) {
	switch cfg.CacheType {
	case "redis":
		store, err := redisclients.NewLocatorStore(log)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, store.Close, nil
	case "memory", "":
		locators := resume.NewMemoryLocatorStore()
		cancels := resume.NewMemoryCancelBus()
		return locators, cancels, cancels.Close, nil
	default:
		return nil, nil, nil, configErrf("unknown CACHE_TYPE %q", cfg.CacheType)
	}
}

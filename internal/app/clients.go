package app

import (
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/platform/blob"
	"github.com/recollect-ai/recollect-backend/internal/platform/openai"
	"github.com/recollect-ai/recollect-backend/internal/platform/pinecone"
	"github.com/recollect-ai/recollect-backend/internal/resume"
)

type Clients struct {
	Blob       blob.Store
	Vectors    pinecone.VectorStore
	Embedder   openai.Client
	Locators   resume.LocatorStore
	Cancels    resume.CancelBus
	Recordings *resume.Manager

	closeLocator func() error
}

func wireClients(log *logger.Logger, cfg Config) (Clients, error) {
	store, err := newBlobStore(log, cfg)
	if err != nil {
		return Clients{}, err
	}

	vectors, err := newVectorStore(log, cfg)
	if err != nil {
		return Clients{}, err
	}

	locators, cancels, closeLocator, err := newLocator(log, cfg)
	if err != nil {
		return Clients{}, err
	}

	recordings, err := resume.NewManager(log, cfg.RecordingDir)
	if err != nil {
		return Clients{}, err
	}

	return Clients{
		Blob:         store,
		Vectors:      vectors,
		Embedder:     newEmbedder(log, cfg),
		Locators:     locators,
		Cancels:      cancels,
		Recordings:   recordings,
		closeLocator: closeLocator,
	}, nil
}

func (c Clients) Close() {
	if c.closeLocator != nil {
		_ = c.closeLocator()
	}
}

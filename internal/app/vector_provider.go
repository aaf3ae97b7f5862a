package app

import (
	"os"
	"strings"

	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/platform/openai"
	"github.com/recollect-ai/recollect-backend/internal/platform/pinecone"
	"github.com/recollect-ai/recollect-backend/internal/platform/qdrant"
)

// newVectorStore returns nil when no vector backend is configured; semantic
// search then degrades to fulltext instead of failing startup.
func newVectorStore(log *logger.Logger, cfg Config) (pinecone.VectorStore, error) {
	switch cfg.VectorType {
	case "pinecone":
		pc, err := pinecone.New(log, pinecone.Config{
			APIKey: strings.TrimSpace(os.Getenv("PINECONE_API_KEY")),
		})
		if err != nil {
			return nil, err
		}
		return pinecone.NewVectorStore(log, pc)
	case "qdrant":
		qcfg, err := qdrant.ResolveConfigFromEnv()
		if err != nil {
			return nil, err
		}
		return qdrant.NewVectorStore(log, qcfg)
	case "none", "":
		return nil, nil
	default:
		return nil, configErrf("unknown VECTOR_TYPE %q", cfg.VectorType)
	}
}

func newEmbedder(log *logger.Logger, cfg Config) openai.Client {
	if cfg.VectorType == "none" || cfg.VectorType == "" {
		return nil
	}
	client, err := openai.NewClient(log)
	if err != nil {
		log.Warn("Embedding client unavailable; semantic indexing disabled", "error", err)
		return nil
	}
	return client
}

package app

import (
	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/platform/blob"
)

func newBlobStore(log *logger.Logger, cfg Config) (blob.Store, error) {
	switch cfg.BlobStoreType {
	case "gcs":
		return blob.NewGCSStore(log)
	case "local", "":
		return blob.NewLocalStore(log, cfg.LocalBlobDir)
	default:
		return nil, configErrf("unknown BLOB_STORE_TYPE %q", cfg.BlobStoreType)
	}
}

package app

import (
	"fmt"
	"strings"

	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
	"github.com/recollect-ai/recollect-backend/internal/utils"
)

// ConfigError marks startup failures caused by configuration rather than
// runtime faults, so main can exit with a distinct code.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string { return e.Err.Error() }

func (e *ConfigError) Unwrap() error { return e.Err }

func configErrf(format string, args ...any) error {
	return &ConfigError{Err: fmt.Errorf(format, args...)}
}

type Config struct {
	Port string

	// Backend selection. Everything else about a backend is read from its
	// own env block by the provider that builds it.
	StoreType     string // postgres | sqlite
	CacheType     string // redis | memory
	VectorType    string // pinecone | qdrant | none
	BlobStoreType string // local | gcs

	LocalBlobDir string
	RecordingDir string

	AllowedOrigins []string

	MetricsAddr      string
	IngestAddr       string
	MemoryKey        string
	MemoryPolicyPath string

	Environment string
	Version     string
}

func LoadConfig(log *logger.Logger) Config {
	return Config{
		Port:             utils.GetEnv("PORT", "8080", log),
		StoreType:        strings.ToLower(utils.GetEnv("STORE_TYPE", "postgres", log)),
		CacheType:        strings.ToLower(utils.GetEnv("CACHE_TYPE", "memory", log)),
		VectorType:       strings.ToLower(utils.GetEnv("VECTOR_TYPE", "none", log)),
		BlobStoreType:    strings.ToLower(utils.GetEnv("BLOB_STORE_TYPE", "local", log)),
		LocalBlobDir:     utils.GetEnv("ATTACHMENT_LOCAL_DIR", "data/attachments", log),
		RecordingDir:     utils.GetEnv("RESUME_RECORDING_DIR", "data/recordings", log),
		AllowedOrigins:   splitCSV(utils.GetEnv("ALLOWED_ORIGINS", "", log)),
		MetricsAddr:      utils.GetEnv("METRICS_ADDR", "", log),
		IngestAddr:       utils.GetEnv("INGEST_GRPC_ADDR", "", log),
		MemoryKey:        utils.GetEnv("MEMORY_ENCRYPTION_KEY", "", log),
		MemoryPolicyPath: utils.GetEnv("MEMORY_POLICY_PATH", "", log),
		Environment:      utils.GetEnv("ENVIRONMENT", "development", log),
		Version:          utils.GetEnv("SERVICE_VERSION", "dev", log),
	}
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

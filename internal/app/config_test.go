package app

import (
	"errors"
	"testing"

	"github.com/recollect-ai/recollect-backend/internal/pkg/logger"
)

func TestUnknownBackendTypesAreConfigErrors(t *testing.T) {
	log := logger.NewNop()

	if _, err := openDatabase(log, Config{StoreType: "oracle"}); !isConfigError(err) {
		t.Fatalf("openDatabase: expected ConfigError, got %v", err)
	}
	if _, err := newBlobStore(log, Config{BlobStoreType: "ftp"}); !isConfigError(err) {
		t.Fatalf("newBlobStore: expected ConfigError, got %v", err)
	}
	if _, _, _, err := newLocator(log, Config{CacheType: "memcached"}); !isConfigError(err) {
		t.Fatalf("newLocator: expected ConfigError, got %v", err)
	}
	if _, err := newVectorStore(log, Config{VectorType: "weaviate"}); !isConfigError(err) {
		t.Fatalf("newVectorStore: expected ConfigError, got %v", err)
	}
}

func TestConfigErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := &ConfigError{Err: inner}
	if !errors.Is(err, inner) {
		t.Fatalf("expected wrapped error to be reachable via errors.Is")
	}
	if err.Error() != "boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func isConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

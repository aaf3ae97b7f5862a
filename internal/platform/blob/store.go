package blob

import (
	"context"
	"io"
	"time"
)

// Store is the object storage surface attachments are written to.
// Keys are content-addressed (sha256 of the payload) so the same bytes
// land on the same object regardless of who uploads them.
type Store interface {
	Upload(ctx context.Context, key, contentType string, r io.Reader) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	OpenRangeReader(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
	Attrs(ctx context.Context, key string) (*ObjectAttrs, error)
	Delete(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
}

type ObjectAttrs struct {
	Size        int64
	ContentType string
	Updated     time.Time
	ETag        string
}

// Package objectstore persists raw uploaded documents.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
)

// Store is the object store gateway. Implementations must make Put atomic:
// a reader never observes a partially written object.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Ping(ctx context.Context) error
}

// Key builds the canonical object key for a document revision.
// Layout: {tenant}/{documentID}/{sha256}{ext}
func Key(tenantID string, documentID int64, sha256, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	return fmt.Sprintf("%s/%d/%s%s", tenantID, documentID, sha256, ext)
}

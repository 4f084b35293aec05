// Package artifact stores stage inputs and outputs in an object store. Keys
// are deterministic per instance and stage so re-execution overwrites the
// previous attempt instead of duplicating it.
package artifact

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Store reads and writes stage artifacts by key.
type Store interface {
	// Put writes an object and returns its reference.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// Get reads an object by key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists reports whether the key holds an object.
	Exists(ctx context.Context, key string) (bool, error)

	// PresignGet returns a time-limited URL for downstream services to fetch
	// the object without holding store credentials.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// OutputKey builds the deterministic object key for a stage's output. The
// instance key's colon separator is flattened for object-store friendliness.
func OutputKey(instanceKey, stageName string) string {
	return fmt.Sprintf("outputs/%s/%s.json", strings.ReplaceAll(instanceKey, ":", "/"), stageName)
}

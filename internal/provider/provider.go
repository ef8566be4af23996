package provider

import (
	"context"
	"errors"
	"iter"
	"time"
)

// Failure kinds shared by every backend. Backends wrap the SDK error with
// one of these so callers can use errors.Is.
var (
	ErrAuth           = errors.New("remote store: not authorized")
	ErrNetwork        = errors.New("remote store: network failure")
	ErrBucketNotFound = errors.New("remote store: bucket not found")
	ErrNotFound       = errors.New("remote store: object not found")
)

// Metadata keys attached to every uploaded artifact.
const (
	MetaHostname  = "hostname"
	MetaTimestamp = "timestamp"
	MetaCluster   = "cluster"
	MetaSHA256    = "sha256"
)

// ObjectInfo describes one remote object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is the contract for remote object storage used by the operator.
// Keys are slash-separated paths such as prefix/hostname/name.
type Store interface {
	// Put uploads the file at localPath under key with the given metadata.
	Put(ctx context.Context, key, localPath string, meta map[string]string) error

	// List yields objects whose key starts with prefix. Each call starts a
	// fresh listing; order is stable within one call.
	List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error]

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Get downloads key to localPath; ErrNotFound when absent.
	Get(ctx context.Context, key, localPath string) error

	// Name returns the provider identifier (e.g. "s3", "azure").
	Name() string
}

// Collect drains a listing into a slice, stopping at the first error.
func Collect(seq iter.Seq2[ObjectInfo, error]) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, obj)
	}
	return out, nil
}

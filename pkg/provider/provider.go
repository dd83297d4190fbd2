// Package provider defines the object storage abstraction behind pin assets.
//
// Generated pin images are written once, read many times, and deleted in
// bulk when a campaign is regenerated. The interface is shaped around that
// lifecycle. Authentication uses SDK default credential chains - providers
// should not implement custom auth logic.
package provider

import (
	"context"
	"io"
	"time"
)

// Provider abstracts the object store that holds rendered pin images.
//
// Implementations must be safe for concurrent use: uploads run from the
// generation worker pool.
type Provider interface {
	// Put writes an object. Existing objects under the same key are
	// replaced, which is what a re-render of the same row wants.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// Head returns metadata for a single object.
	// Returns ErrNotFound if the object does not exist.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// Delete removes a single object. Deleting a missing object is not an
	// error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every object under the prefix and reports how
	// many were deleted. Campaign regeneration uses this to clear the
	// previous run's assets.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// List returns a page of objects with the given prefix.
	// Use ContinuationToken from ListResult for subsequent pages.
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// PublicURL returns the address a browser can fetch the object from.
	PublicURL(key string) string

	// Close releases any resources held by the provider.
	Close() error
}

// ObjectGetter is implemented by providers that can stream an object back.
// The asset-serving HTTP handler requires it; S3-backed deployments serve
// assets straight from the bucket instead.
type ObjectGetter interface {
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)
}

// ListOptions configures a List operation.
type ListOptions struct {
	// Prefix filters results to keys starting with this value.
	// Empty string lists all objects.
	Prefix string

	// ContinuationToken resumes listing from a previous ListResult.
	// Empty string starts from the beginning.
	ContinuationToken string

	// MaxKeys limits the number of objects returned per page.
	// Zero uses provider default (typically 1000).
	MaxKeys int
}

// ListResult contains a page of objects from a List operation.
type ListResult struct {
	// Objects contains the object summaries for this page.
	Objects []ObjectSummary

	// ContinuationToken is used to retrieve the next page.
	// Empty string indicates no more pages.
	ContinuationToken string

	// IsTruncated indicates whether more results are available.
	IsTruncated bool
}

// ObjectSummary contains basic metadata returned from List operations.
type ObjectSummary struct {
	// Key is the full object key (path) in the bucket.
	Key string

	// Size is the object size in bytes.
	Size int64

	// ETag is the entity tag, typically an MD5 hash of the object.
	ETag string

	// LastModified is when the object was last modified.
	LastModified time.Time
}

// ObjectMeta contains full metadata for a single object.
// Returned by Head operations.
type ObjectMeta struct {
	ObjectSummary

	// ContentType is the MIME type of the object.
	ContentType string
}

// ProviderType identifies a storage backend.
type ProviderType string

const (
	// ProviderS3 represents AWS S3 or S3-compatible storage.
	ProviderS3 ProviderType = "s3"

	// ProviderFile represents a local filesystem directory.
	ProviderFile ProviderType = "file"
)

// String returns the string representation of the provider type.
func (p ProviderType) String() string {
	return string(p)
}

// Package blobstore defines the uniform Blob/BlobStore contract the copy
// engine drives, and implements it for S3, GCS, and the local filesystem.
//
// A Blob is a (store, key) pair. Multipart transfers move Parts: the part
// iterators may yield parts in completion order, and the multipart writers
// accept parts in any order but present them to the destination store in
// strictly ascending part-number order on close.
package blobstore

import (
	"context"
	"fmt"
	"io"

	"github.com/DataBiosphere/ssds/internal/concurrency"
)

// MiB is two to the twentieth.
const MiB = 1 << 20

// AWSMinChunkSize is the smallest multipart chunk size. Objects at or below
// this size transfer in one shot. A variable so the test suite can shrink the
// multipart threshold to something affordable.
var AWSMinChunkSize int64 = 64 * MiB

// AWSMaxMultipartCount is the S3 ceiling on parts per multipart upload.
const AWSMaxMultipartCount = 10000

// MaxKeyLength is the cross-cloud ceiling on object key length. Both S3 and
// GCS limit object names to 1024 bytes.
const MaxKeyLength = 1024

// Reserved tag names for the canonical cross-cloud checksums.
const (
	// TagSSDSMD5 holds the hex MD5 of the object, or the S3 composite ETag
	// for objects written via chunked multipart.
	TagSSDSMD5 = "SSDS_MD5"
	// TagSSDSCRC32C holds the GCS-style base64 CRC32C of the object.
	TagSSDSCRC32C = "SSDS_CRC32C"
)

// GetS3MultipartChunkSize returns the multipart chunk size for an object of
// the given size. The minimum chunk is preferred until the S3 10,000-part
// ceiling forces larger chunks, rounded up to a whole MiB. The same function
// sizes S3, GCS, and local part layouts so cross-cloud boundaries match.
func GetS3MultipartChunkSize(size int64) int64 {
	if size <= AWSMaxMultipartCount*AWSMinChunkSize {
		return AWSMinChunkSize
	}
	raw := (size + AWSMaxMultipartCount - 1) / AWSMaxMultipartCount
	return (raw + MiB - 1) / MiB * MiB
}

// numberOfParts returns the part count for an object of the given size under
// the given chunk size. Zero-byte objects are a single trivial part, never
// zero parts.
func numberOfParts(size, chunkSize int64) int64 {
	if size <= 0 {
		return 1
	}
	return (size + chunkSize - 1) / chunkSize
}

// Part is one numbered piece of an object. Parts are numbered densely from 0.
type Part struct {
	Number int64
	Data   []byte
}

// BlobNotFoundError reports that a blob did not exist at read or tag time.
type BlobNotFoundError struct {
	URL string
	Err error
}

func (e *BlobNotFoundError) Error() string {
	return fmt.Sprintf("could not find %s", e.URL)
}

func (e *BlobNotFoundError) Unwrap() error { return e.Err }

// BlobStoreUnknownError wraps any adapter failure that is not object absence,
// after retries.
type BlobStoreUnknownError struct {
	Err error
}

func (e *BlobStoreUnknownError) Error() string {
	return fmt.Sprintf("blobstore error: %v", e.Err)
}

func (e *BlobStoreUnknownError) Unwrap() error { return e.Err }

// Blob is a single object in a store. Implementations: S3Blob, GSBlob,
// LocalBlob. Methods observing object absence return *BlobNotFoundError.
type Blob interface {
	// URL is the canonical string form of the blob's location.
	URL() string
	// Key is the blob's key within its store.
	Key() string
	Exists(ctx context.Context) (bool, error)
	Size(ctx context.Context) (int64, error)
	// Get reads the whole object.
	Get(ctx context.Context) ([]byte, error)
	// Put writes the whole object.
	Put(ctx context.Context, data []byte) error
	// GetTags reads the user-defined object metadata. Local blobs do not
	// carry tags and return an empty map.
	GetTags(ctx context.Context) (map[string]string, error)
	// PutTags replaces the user-defined object metadata.
	PutTags(ctx context.Context, tags map[string]string) error
	// CloudNativeChecksum is the store's own integrity value: the dequoted
	// ETag for S3, the base64 CRC32C for GCS.
	CloudNativeChecksum(ctx context.Context) (string, error)
	// Download copies the object to a local path.
	Download(ctx context.Context, path string) error
	// Parts returns an iterator of the object's parts under the shared
	// chunk-size law.
	Parts(ctx context.Context) (PartIterator, error)
	// MultipartWriter returns a sink that accepts parts in any order.
	MultipartWriter(ctx context.Context) (MultipartWriter, error)
}

// PartIterator produces an object's parts. Next may yield parts out of
// ascending order when the underlying fetches run concurrently.
type PartIterator interface {
	// Next returns the next available part, or io.EOF after the last one.
	Next(ctx context.Context) (Part, error)
	// Size is the total object size.
	Size() int64
	// ChunkSize is the part boundary in use.
	ChunkSize() int64
	// NumParts is the total part count.
	NumParts() int64
	Close() error
}

// MultipartWriter accepts parts in any order. Close blocks until every part
// is durable and materializes them in ascending part-number order. Abort
// abandons the upload and releases any partial server-side state.
type MultipartWriter interface {
	PutPart(ctx context.Context, part Part) error
	Close(ctx context.Context) error
	Abort(ctx context.Context) error
}

// BlobStore is a bucket-scoped factory of blobs.
type BlobStore interface {
	// Schema is the URL scheme, "s3://" or "gs://"; empty for local stores.
	Schema() string
	// Bucket is the store's bucket name (the base path for local stores).
	Bucket() string
	// Blob returns a handle for key; the object need not exist.
	Blob(key string) Blob
	// List iterates blobs under prefix in lexicographic key order.
	List(ctx context.Context, prefix string) BlobIterator
}

// BlobIterator yields blobs from a listing; Next returns io.EOF when the
// listing is exhausted.
type BlobIterator interface {
	Next(ctx context.Context) (Blob, error)
}

// asyncPartIterator prefetches parts through the concurrency fabric and
// yields them in completion order. Shared by the S3 and GCS adapters.
type asyncPartIterator struct {
	size       int64
	chunkSize  int64
	nParts     int64
	nextSubmit int64
	set        *concurrency.AsyncSet[Part]
	fetch      func(ctx context.Context, partNumber int64) (Part, error)
	ready      []Part
}

func newAsyncPartIterator(executor *concurrency.Executor, size int64,
	fetch func(ctx context.Context, partNumber int64) (Part, error)) *asyncPartIterator {
	chunkSize := GetS3MultipartChunkSize(size)
	return &asyncPartIterator{
		size:      size,
		chunkSize: chunkSize,
		nParts:    numberOfParts(size, chunkSize),
		set:       concurrency.NewAsyncSet[Part](executor, 4),
		fetch:     fetch,
	}
}

func (it *asyncPartIterator) Size() int64      { return it.size }
func (it *asyncPartIterator) ChunkSize() int64 { return it.chunkSize }
func (it *asyncPartIterator) NumParts() int64  { return it.nParts }
func (it *asyncPartIterator) Close() error     { return nil }

func (it *asyncPartIterator) Next(ctx context.Context) (Part, error) {
	for {
		if len(it.ready) > 0 {
			part := it.ready[0]
			it.ready = it.ready[1:]
			return part, nil
		}
		if it.nextSubmit < it.nParts {
			partNumber := it.nextSubmit
			it.nextSubmit++
			it.set.Put(func() (Part, error) {
				return it.fetch(ctx, partNumber)
			})
			if err := it.collect(it.set.ConsumeFinished()); err != nil {
				return Part{}, err
			}
			continue
		}
		results := it.set.Consume()
		if len(results) == 0 {
			return Part{}, io.EOF
		}
		if err := it.collect(results); err != nil {
			return Part{}, err
		}
	}
}

func (it *asyncPartIterator) collect(results []concurrency.Result[Part]) error {
	for _, res := range results {
		if res.Err != nil {
			return res.Err
		}
		it.ready = append(it.ready, res.Value)
	}
	return nil
}

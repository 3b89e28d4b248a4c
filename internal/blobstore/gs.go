// GCS adapter for the Blob/BlobStore contract.
//
// Operations go through the official Cloud Storage client behind the narrow
// GCSAPI interface so tests can substitute a mock. Credentials resolve via
// Application Default Credentials. A billing project, when set, is forwarded
// as the user project on every request so requester-pays buckets work.
//
// GCS has no native multipart upload; the multipart writer stages numbered
// scratch objects and composes them in ascending part-number order at close
// (chained compose, 32 sources per call), then deletes the scratch objects.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/DataBiosphere/ssds/internal/checksum"
	"github.com/DataBiosphere/ssds/internal/concurrency"
	"github.com/DataBiosphere/ssds/internal/retry"
	"github.com/DataBiosphere/ssds/internal/uid"
)

// maxComposeSources is the GCS ceiling on source objects per Compose call.
const maxComposeSources = 32

// GCSAttrs is the subset of object attributes the adapter reads.
type GCSAttrs struct {
	Size     int64
	CRC32C   uint32
	Metadata map[string]string
}

// GCSAPI is the subset of the GCS client the adapter uses. The userProject
// argument, when non-empty, must be forwarded as the requester-pays billing
// project.
type GCSAPI interface {
	Attrs(ctx context.Context, bucket, object, userProject string) (*GCSAttrs, error)
	NewRangeReader(ctx context.Context, bucket, object, userProject string, offset, length int64) (io.ReadCloser, error)
	NewWriter(ctx context.Context, bucket, object, userProject string) io.WriteCloser
	Delete(ctx context.Context, bucket, object, userProject string) error
	// Rewrite performs a server-side copy, iterating rewrite tokens until
	// done. Unavailable to the caller when the source bucket is
	// requester-pays.
	Rewrite(ctx context.Context, srcBucket, srcObject, dstBucket, dstObject, userProject string) error
	Compose(ctx context.Context, bucket, dstObject string, srcObjects []string, userProject string) error
	UpdateMetadata(ctx context.Context, bucket, object, userProject string, metadata map[string]string) error
	// Objects lists object names under prefix; the iterator returns io.EOF
	// when exhausted.
	Objects(ctx context.Context, bucket, prefix, userProject string) ObjectNameIterator
}

// ObjectNameIterator yields object names from a GCS listing.
type ObjectNameIterator interface {
	Next() (string, error)
}

// gsRetry absorbs transient GCS faults at adapter call sites.
var gsRetry = retry.New(isGSRetryable)

// gsTagRetry additionally retries NotFound, which appears transiently when
// patching metadata immediately after object create.
var gsTagRetry = retry.New(func(err error) bool {
	return isGSRetryable(err) || isGSNotFound(err)
})

// GSBlobStore is a bucket-scoped GCS store.
type GSBlobStore struct {
	bucket         string
	billingProject string
	client         GCSAPI
	executor       *concurrency.Executor
}

// NewGSBlobStore returns a store over the given bucket using client. An
// empty billingProject falls back to the GOOGLE_PROJECT, GCLOUD_PROJECT,
// GCP_PROJECT environment variables, first non-empty wins.
func NewGSBlobStore(bucket, billingProject string, client GCSAPI) *GSBlobStore {
	return &GSBlobStore{
		bucket:         bucket,
		billingProject: ResolveBillingProject(billingProject),
		client:         client,
		executor:       concurrency.Default(),
	}
}

// ResolveBillingProject resolves the requester-pays billing project from the
// explicit value or the environment.
func ResolveBillingProject(billingProject string) string {
	if billingProject != "" {
		return billingProject
	}
	for _, name := range []string{"GOOGLE_PROJECT", "GCLOUD_PROJECT", "GCP_PROJECT"} {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// Schema implements BlobStore.
func (s *GSBlobStore) Schema() string { return "gs://" }

// Bucket implements BlobStore.
func (s *GSBlobStore) Bucket() string { return s.bucket }

// Blob implements BlobStore.
func (s *GSBlobStore) Blob(key string) Blob {
	return &GSBlob{
		bucket:         s.bucket,
		key:            key,
		billingProject: s.billingProject,
		client:         s.client,
		executor:       s.executor,
	}
}

// List implements BlobStore.
func (s *GSBlobStore) List(ctx context.Context, prefix string) BlobIterator {
	return &gsBlobIterator{
		store: s,
		names: s.client.Objects(ctx, s.bucket, prefix, s.billingProject),
	}
}

type gsBlobIterator struct {
	store *GSBlobStore
	names ObjectNameIterator
}

func (it *gsBlobIterator) Next(ctx context.Context) (Blob, error) {
	name, err := it.names.Next()
	if err != nil {
		if errors.Is(err, iterator.Done) || errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, &BlobStoreUnknownError{Err: err}
	}
	return it.store.Blob(name), nil
}

// GSBlob is one object in a GCS bucket.
type GSBlob struct {
	bucket         string
	key            string
	billingProject string
	client         GCSAPI
	executor       *concurrency.Executor
}

// NewGSBlob returns a handle for gs://bucket/key using client.
func NewGSBlob(bucket, key, billingProject string, client GCSAPI) *GSBlob {
	return &GSBlob{
		bucket:         bucket,
		key:            key,
		billingProject: ResolveBillingProject(billingProject),
		client:         client,
		executor:       concurrency.Default(),
	}
}

// URL implements Blob.
func (b *GSBlob) URL() string { return fmt.Sprintf("gs://%s/%s", b.bucket, b.key) }

// Key implements Blob.
func (b *GSBlob) Key() string { return b.key }

// Bucket is the blob's bucket name.
func (b *GSBlob) Bucket() string { return b.bucket }

func (b *GSBlob) wrapErr(err error) error {
	if isGSNotFound(err) {
		return &BlobNotFoundError{URL: b.URL(), Err: err}
	}
	return &BlobStoreUnknownError{Err: err}
}

func (b *GSBlob) attrs(ctx context.Context) (*GCSAttrs, error) {
	var attrs *GCSAttrs
	err := gsRetry.Do(ctx, func() error {
		var err error
		attrs, err = b.client.Attrs(ctx, b.bucket, b.key, b.billingProject)
		return err
	})
	if err != nil {
		return nil, b.wrapErr(err)
	}
	return attrs, nil
}

// Exists implements Blob.
func (b *GSBlob) Exists(ctx context.Context) (bool, error) {
	_, err := b.attrs(ctx)
	if err != nil {
		var notFound *BlobNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Size implements Blob.
func (b *GSBlob) Size(ctx context.Context) (int64, error) {
	attrs, err := b.attrs(ctx)
	if err != nil {
		return 0, err
	}
	return attrs.Size, nil
}

// Get implements Blob.
func (b *GSBlob) Get(ctx context.Context) ([]byte, error) {
	return b.getRange(ctx, 0, -1)
}

func (b *GSBlob) getRange(ctx context.Context, offset, length int64) ([]byte, error) {
	var data []byte
	err := gsRetry.Do(ctx, func() error {
		r, err := b.client.NewRangeReader(ctx, b.bucket, b.key, b.billingProject, offset, length)
		if err != nil {
			return err
		}
		defer r.Close()
		data, err = io.ReadAll(r)
		return err
	})
	if err != nil {
		return nil, b.wrapErr(err)
	}
	return data, nil
}

// Put implements Blob.
func (b *GSBlob) Put(ctx context.Context, data []byte) error {
	err := gsRetry.Do(ctx, func() error {
		w := b.client.NewWriter(ctx, b.bucket, b.key, b.billingProject)
		if _, err := w.Write(data); err != nil {
			w.Close()
			return err
		}
		return w.Close()
	})
	if err != nil {
		return b.wrapErr(err)
	}
	return nil
}

// GetTags implements Blob over GCS object metadata.
func (b *GSBlob) GetTags(ctx context.Context) (map[string]string, error) {
	attrs, err := b.attrs(ctx)
	if err != nil {
		return nil, err
	}
	tags := make(map[string]string, len(attrs.Metadata))
	for k, v := range attrs.Metadata {
		tags[k] = v
	}
	return tags, nil
}

// PutTags implements Blob by patching object metadata. NotFound is retried:
// it appears transiently right after object create.
func (b *GSBlob) PutTags(ctx context.Context, tags map[string]string) error {
	err := gsTagRetry.Do(ctx, func() error {
		return b.client.UpdateMetadata(ctx, b.bucket, b.key, b.billingProject, tags)
	})
	if err != nil {
		return b.wrapErr(err)
	}
	return nil
}

// CloudNativeChecksum implements Blob: the base64 CRC32C from object
// metadata.
func (b *GSBlob) CloudNativeChecksum(ctx context.Context) (string, error) {
	attrs, err := b.attrs(ctx)
	if err != nil {
		return "", err
	}
	return checksum.GCSBase64Uint32(attrs.CRC32C), nil
}

// Download implements Blob.
func (b *GSBlob) Download(ctx context.Context, path string) error {
	return gsRetry.Do(ctx, func() error {
		r, err := b.client.NewRangeReader(ctx, b.bucket, b.key, b.billingProject, 0, -1)
		if err != nil {
			return b.wrapErr(err)
		}
		defer r.Close()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating parent directories for %q: %w", path, err)
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating %q: %w", path, err)
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			return fmt.Errorf("writing %q: %w", path, err)
		}
		return f.Close()
	})
}

// CopyFromIsMultipart reports whether CopyFrom(src) must fall back to
// chunked passthrough: true iff the source bucket is requester-pays, since
// rewrite is unavailable to the caller in that mode.
func (b *GSBlob) CopyFromIsMultipart(src *GSBlob) bool {
	return src.billingProject != ""
}

// CopyFrom performs an intra-GCS copy: server-side rewrite unless the source
// bucket is requester-pays, in which case parts are passed through.
func (b *GSBlob) CopyFrom(ctx context.Context, src *GSBlob) error {
	if b.URL() == src.URL() {
		return nil
	}
	if !b.CopyFromIsMultipart(src) {
		err := gsRetry.Do(ctx, func() error {
			return b.client.Rewrite(ctx, src.bucket, src.key, b.bucket, b.key, b.billingProject)
		})
		if err != nil {
			if isGSNotFound(err) {
				return &BlobNotFoundError{URL: src.URL(), Err: err}
			}
			return &BlobStoreUnknownError{Err: err}
		}
		return nil
	}
	parts, err := src.Parts(ctx)
	if err != nil {
		return err
	}
	defer parts.Close()
	writer, err := b.MultipartWriter(ctx)
	if err != nil {
		return err
	}
	for {
		part, err := parts.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writer.Abort(ctx)
			return err
		}
		if err := writer.PutPart(ctx, part); err != nil {
			writer.Abort(ctx)
			return err
		}
	}
	if err := writer.Close(ctx); err != nil {
		writer.Abort(ctx)
		return err
	}
	return nil
}

// Parts implements Blob: ranged reads fetched concurrently, yielded in
// completion order. A zero-byte object yields a single empty part.
func (b *GSBlob) Parts(ctx context.Context) (PartIterator, error) {
	size, err := b.Size(ctx)
	if err != nil {
		return nil, err
	}
	chunkSize := GetS3MultipartChunkSize(size)
	nParts := numberOfParts(size, chunkSize)
	return newAsyncPartIterator(b.executor, size, func(ctx context.Context, partNumber int64) (Part, error) {
		var data []byte
		var err error
		if nParts == 1 {
			data, err = b.Get(ctx)
		} else {
			offset := partNumber * chunkSize
			length := chunkSize
			if offset+length > size {
				length = size - offset
			}
			data, err = b.getRange(ctx, offset, length)
		}
		if err != nil {
			return Part{}, err
		}
		return Part{Number: partNumber, Data: data}, nil
	}), nil
}

// MultipartWriter implements Blob via scratch objects plus compose.
func (b *GSBlob) MultipartWriter(ctx context.Context) (MultipartWriter, error) {
	return &gsMultipartWriter{
		blob:    b,
		scratch: fmt.Sprintf("%s.mpu-%s", b.key, uid.New()[:8]),
		uploads: concurrency.NewAsyncSet[int64](b.executor, 4),
	}, nil
}

// gsMultipartWriter stages each part as a scratch object, then assembles the
// final object by composing the scratch objects in ascending part-number
// order.
type gsMultipartWriter struct {
	blob        *GSBlob
	scratch     string
	uploads     *concurrency.AsyncSet[int64]
	partNumbers []int64
	closed      bool
}

func (w *gsMultipartWriter) partObject(partNumber int64) string {
	return fmt.Sprintf("%s.part%06d", w.scratch, partNumber)
}

// PutPart implements MultipartWriter; the scratch write runs on the fabric.
func (w *gsMultipartWriter) PutPart(ctx context.Context, part Part) error {
	if err := w.collect(w.uploads.ConsumeFinished()); err != nil {
		return err
	}
	w.uploads.Put(func() (int64, error) {
		err := gsRetry.Do(ctx, func() error {
			wr := w.blob.client.NewWriter(ctx, w.blob.bucket, w.partObject(part.Number), w.blob.billingProject)
			if _, err := wr.Write(part.Data); err != nil {
				wr.Close()
				return err
			}
			return wr.Close()
		})
		if err != nil {
			return 0, w.blob.wrapErr(err)
		}
		return part.Number, nil
	})
	return nil
}

func (w *gsMultipartWriter) collect(results []concurrency.Result[int64]) error {
	for _, res := range results {
		if res.Err != nil {
			return res.Err
		}
		w.partNumbers = append(w.partNumbers, res.Value)
	}
	return nil
}

// Close implements MultipartWriter: waits for scratch writes, composes them
// ascending, and deletes the scratch objects.
func (w *gsMultipartWriter) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.collect(w.uploads.Consume()); err != nil {
		return err
	}
	sort.Slice(w.partNumbers, func(i, j int) bool { return w.partNumbers[i] < w.partNumbers[j] })
	sources := make([]string, len(w.partNumbers))
	for i, n := range w.partNumbers {
		sources[i] = w.partObject(n)
	}
	if err := w.compose(ctx, sources); err != nil {
		return err
	}
	w.deleteScratch(ctx, sources)
	return nil
}

// compose assembles sources into the final object, chaining batches of 32
// when there are more sources than one Compose call allows.
func (w *gsMultipartWriter) compose(ctx context.Context, sources []string) error {
	var intermediates []string
	generation := 0
	for len(sources) > maxComposeSources {
		var next []string
		for i := 0; i < len(sources); i += maxComposeSources {
			end := i + maxComposeSources
			if end > len(sources) {
				end = len(sources)
			}
			batch := sources[i:end]
			if len(batch) == 1 {
				next = append(next, batch[0])
				continue
			}
			name := fmt.Sprintf("%s.compose%d_%d", w.scratch, generation, i)
			err := gsRetry.Do(ctx, func() error {
				return w.blob.client.Compose(ctx, w.blob.bucket, name, batch, w.blob.billingProject)
			})
			if err != nil {
				w.deleteScratch(ctx, intermediates)
				return w.blob.wrapErr(err)
			}
			next = append(next, name)
			intermediates = append(intermediates, name)
		}
		sources = next
		generation++
	}
	err := gsRetry.Do(ctx, func() error {
		return w.blob.client.Compose(ctx, w.blob.bucket, w.blob.key, sources, w.blob.billingProject)
	})
	if err != nil {
		w.deleteScratch(ctx, intermediates)
		return w.blob.wrapErr(err)
	}
	w.deleteScratch(ctx, intermediates)
	return nil
}

// deleteScratch removes scratch objects, best effort. A leaked scratch
// object is harmless; every writer uses a fresh scratch namespace.
func (w *gsMultipartWriter) deleteScratch(ctx context.Context, names []string) {
	for _, name := range names {
		_ = w.blob.client.Delete(ctx, w.blob.bucket, name, w.blob.billingProject)
	}
}

// Abort implements MultipartWriter: waits for in-flight scratch writes and
// removes everything staged so far.
func (w *gsMultipartWriter) Abort(ctx context.Context) error {
	w.closed = true
	w.collect(w.uploads.Consume())
	names := make([]string, len(w.partNumbers))
	for i, n := range w.partNumbers {
		names[i] = w.partObject(n)
	}
	w.deleteScratch(ctx, names)
	return nil
}

// isGSNotFound reports whether err is object absence.
func isGSNotFound(err error) bool {
	if errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist) {
		return true
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 404
	}
	return false
}

// isGSRetryable classifies transient GCS faults worth a backoff retry.
func isGSRetryable(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}
	return false
}

// Compile-time contract checks.
var (
	_ BlobStore       = (*GSBlobStore)(nil)
	_ Blob            = (*GSBlob)(nil)
	_ MultipartWriter = (*gsMultipartWriter)(nil)
)

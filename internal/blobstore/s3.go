// S3 adapter for the Blob/BlobStore contract.
//
// All operations go through the AWS SDK for Go v2. Credentials are resolved
// via the standard AWS credential chain (env vars, ~/.aws/credentials, IAM
// role, etc.). The AWS CLI session cache (~/.aws/cli/cache) is not read, so
// MFA/assume-role sessions cached by the AWS CLI are not reused.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/DataBiosphere/ssds/internal/concurrency"
	"github.com/DataBiosphere/ssds/internal/retry"
)

// S3API is the subset of the AWS S3 client the adapter uses. Narrow so tests
// can substitute a mock.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	GetObjectTagging(ctx context.Context, params *s3.GetObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.GetObjectTaggingOutput, error)
	PutObjectTagging(ctx context.Context, params *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// s3Retry absorbs transient S3 faults at adapter call sites.
var s3Retry = retry.New(isS3Retryable)

// S3BlobStore is a bucket-scoped S3 store.
type S3BlobStore struct {
	bucket   string
	client   S3API
	executor *concurrency.Executor
}

// NewS3BlobStore returns a store over the given bucket using client.
func NewS3BlobStore(bucket string, client S3API) *S3BlobStore {
	return &S3BlobStore{bucket: bucket, client: client, executor: concurrency.Default()}
}

// Schema implements BlobStore.
func (s *S3BlobStore) Schema() string { return "s3://" }

// Bucket implements BlobStore.
func (s *S3BlobStore) Bucket() string { return s.bucket }

// Blob implements BlobStore.
func (s *S3BlobStore) Blob(key string) Blob {
	return &S3Blob{bucket: s.bucket, key: key, client: s.client, executor: s.executor}
}

// List implements BlobStore with paged ListObjectsV2 calls.
func (s *S3BlobStore) List(ctx context.Context, prefix string) BlobIterator {
	return &s3BlobIterator{store: s, prefix: prefix}
}

type s3BlobIterator struct {
	store     *S3BlobStore
	prefix    string
	page      []types.Object
	token     *string
	exhausted bool
}

func (it *s3BlobIterator) Next(ctx context.Context) (Blob, error) {
	for len(it.page) == 0 {
		if it.exhausted {
			return nil, io.EOF
		}
		var out *s3.ListObjectsV2Output
		err := s3Retry.Do(ctx, func() error {
			var err error
			out, err = it.store.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
				Bucket:            aws.String(it.store.bucket),
				Prefix:            aws.String(it.prefix),
				ContinuationToken: it.token,
			})
			return err
		})
		if err != nil {
			return nil, &BlobStoreUnknownError{Err: err}
		}
		it.page = out.Contents
		it.token = out.NextContinuationToken
		it.exhausted = !aws.ToBool(out.IsTruncated)
	}
	obj := it.page[0]
	it.page = it.page[1:]
	return it.store.Blob(aws.ToString(obj.Key)), nil
}

// S3Blob is one object in an S3 bucket.
type S3Blob struct {
	bucket   string
	key      string
	client   S3API
	executor *concurrency.Executor
}

// NewS3Blob returns a handle for s3://bucket/key using client.
func NewS3Blob(bucket, key string, client S3API) *S3Blob {
	return &S3Blob{bucket: bucket, key: key, client: client, executor: concurrency.Default()}
}

// URL implements Blob.
func (b *S3Blob) URL() string { return fmt.Sprintf("s3://%s/%s", b.bucket, b.key) }

// Key implements Blob.
func (b *S3Blob) Key() string { return b.key }

// Bucket is the blob's bucket name.
func (b *S3Blob) Bucket() string { return b.bucket }

func (b *S3Blob) wrapErr(err error) error {
	if isS3NotFound(err) {
		return &BlobNotFoundError{URL: b.URL(), Err: err}
	}
	return &BlobStoreUnknownError{Err: err}
}

// Exists implements Blob. Absence is not an error here.
func (b *S3Blob) Exists(ctx context.Context) (bool, error) {
	_, err := b.Size(ctx)
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
func (b *S3Blob) Size(ctx context.Context) (int64, error) {
	var out *s3.HeadObjectOutput
	err := s3Retry.Do(ctx, func() error {
		var err error
		out, err = b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key),
		})
		return err
	})
	if err != nil {
		return 0, b.wrapErr(err)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Get implements Blob.
func (b *S3Blob) Get(ctx context.Context) ([]byte, error) {
	return b.getRange(ctx, "")
}

func (b *S3Blob) getRange(ctx context.Context, byteRange string) ([]byte, error) {
	var data []byte
	err := s3Retry.Do(ctx, func() error {
		in := &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key),
		}
		if byteRange != "" {
			in.Range = aws.String(byteRange)
		}
		out, err := b.client.GetObject(ctx, in)
		if err != nil {
			return err
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		return nil, b.wrapErr(err)
	}
	return data, nil
}

// Put implements Blob.
func (b *S3Blob) Put(ctx context.Context, data []byte) error {
	err := s3Retry.Do(ctx, func() error {
		_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(b.bucket),
			Key:           aws.String(b.key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		return err
	})
	if err != nil {
		return b.wrapErr(err)
	}
	return nil
}

// GetTags implements Blob over S3 object tagging.
func (b *S3Blob) GetTags(ctx context.Context) (map[string]string, error) {
	var out *s3.GetObjectTaggingOutput
	err := s3Retry.Do(ctx, func() error {
		var err error
		out, err = b.client.GetObjectTagging(ctx, &s3.GetObjectTaggingInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key),
		})
		return err
	})
	if err != nil {
		return nil, b.wrapErr(err)
	}
	tags := make(map[string]string, len(out.TagSet))
	for _, tag := range out.TagSet {
		tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return tags, nil
}

// PutTags implements Blob over S3 object tagging.
func (b *S3Blob) PutTags(ctx context.Context, tags map[string]string) error {
	tagSet := make([]types.Tag, 0, len(tags))
	for k, v := range tags {
		tagSet = append(tagSet, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	sort.Slice(tagSet, func(i, j int) bool {
		return aws.ToString(tagSet[i].Key) < aws.ToString(tagSet[j].Key)
	})
	err := s3Retry.Do(ctx, func() error {
		_, err := b.client.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
			Bucket:  aws.String(b.bucket),
			Key:     aws.String(b.key),
			Tagging: &types.Tagging{TagSet: tagSet},
		})
		return err
	})
	if err != nil {
		return b.wrapErr(err)
	}
	return nil
}

// CloudNativeChecksum implements Blob: the ETag with surrounding quotes
// stripped.
func (b *S3Blob) CloudNativeChecksum(ctx context.Context) (string, error) {
	var out *s3.HeadObjectOutput
	err := s3Retry.Do(ctx, func() error {
		var err error
		out, err = b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key),
		})
		return err
	})
	if err != nil {
		return "", b.wrapErr(err)
	}
	return strings.Trim(aws.ToString(out.ETag), `"`), nil
}

// Download implements Blob, streaming the object to path.
func (b *S3Blob) Download(ctx context.Context, path string) error {
	return s3Retry.Do(ctx, func() error {
		out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key),
		})
		if err != nil {
			return b.wrapErr(err)
		}
		defer out.Body.Close()
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating parent directories for %q: %w", path, err)
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating %q: %w", path, err)
		}
		if _, err := io.Copy(f, out.Body); err != nil {
			f.Close()
			return fmt.Errorf("writing %q: %w", path, err)
		}
		return f.Close()
	})
}

// CopyFromIsMultipart reports whether CopyFrom(src) will spawn server-side
// multipart work.
func (b *S3Blob) CopyFromIsMultipart(ctx context.Context, src *S3Blob) (bool, error) {
	size, err := src.Size(ctx)
	if err != nil {
		return false, err
	}
	return size > GetS3MultipartChunkSize(size), nil
}

// CopyFrom performs an intra-S3 server-side copy: CopyObject when the source
// fits in one chunk, UploadPartCopy per chunk otherwise.
func (b *S3Blob) CopyFrom(ctx context.Context, src *S3Blob) error {
	if b.URL() == src.URL() {
		return nil
	}
	size, err := src.Size(ctx)
	if err != nil {
		return err
	}
	chunkSize := GetS3MultipartChunkSize(size)
	if chunkSize >= size {
		err := s3Retry.Do(ctx, func() error {
			_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
				Bucket:     aws.String(b.bucket),
				Key:        aws.String(b.key),
				CopySource: aws.String(src.bucket + "/" + src.key),
			})
			return err
		})
		if err != nil {
			return b.wrapErr(err)
		}
		return nil
	}
	writer, err := b.newMultipartWriter(ctx)
	if err != nil {
		return err
	}
	nParts := numberOfParts(size, chunkSize)
	for partNumber := int64(0); partNumber < nParts; partNumber++ {
		if err := writer.putPartCopy(ctx, partNumber, src, size, chunkSize); err != nil {
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

// Parts implements Blob: ranged GETs fetched concurrently, yielded in
// completion order.
func (b *S3Blob) Parts(ctx context.Context) (PartIterator, error) {
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
			end := offset + chunkSize - 1
			if end >= size {
				end = size - 1
			}
			data, err = b.getRange(ctx, fmt.Sprintf("bytes=%d-%d", offset, end))
		}
		if err != nil {
			return Part{}, err
		}
		return Part{Number: partNumber, Data: data}, nil
	}), nil
}

// MultipartWriter implements Blob over a native S3 multipart upload.
func (b *S3Blob) MultipartWriter(ctx context.Context) (MultipartWriter, error) {
	return b.newMultipartWriter(ctx)
}

func (b *S3Blob) newMultipartWriter(ctx context.Context) (*s3MultipartWriter, error) {
	var out *s3.CreateMultipartUploadOutput
	err := s3Retry.Do(ctx, func() error {
		var err error
		out, err = b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(b.key),
		})
		return err
	})
	if err != nil {
		return nil, b.wrapErr(err)
	}
	return &s3MultipartWriter{
		blob:     b,
		uploadID: aws.ToString(out.UploadId),
		uploads:  concurrency.NewAsyncSet[types.CompletedPart](b.executor, 4),
	}, nil
}

// s3MultipartWriter uploads parts concurrently, buffers (ETag, PartNumber)
// pairs, and sorts by part number at close before CompleteMultipartUpload.
type s3MultipartWriter struct {
	blob     *S3Blob
	uploadID string
	uploads  *concurrency.AsyncSet[types.CompletedPart]
	parts    []types.CompletedPart
	closed   bool
}

// PutPart implements MultipartWriter; the upload runs on the fabric.
func (w *s3MultipartWriter) PutPart(ctx context.Context, part Part) error {
	if err := w.collect(w.uploads.ConsumeFinished()); err != nil {
		return err
	}
	w.uploads.Put(func() (types.CompletedPart, error) {
		return w.uploadPart(ctx, part)
	})
	return nil
}

func (w *s3MultipartWriter) uploadPart(ctx context.Context, part Part) (types.CompletedPart, error) {
	awsPartNumber := int32(part.Number + 1) // S3 part numbers are 1-indexed
	var out *s3.UploadPartOutput
	err := s3Retry.Do(ctx, func() error {
		var err error
		out, err = w.blob.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(w.blob.bucket),
			Key:        aws.String(w.blob.key),
			UploadId:   aws.String(w.uploadID),
			PartNumber: aws.Int32(awsPartNumber),
			Body:       bytes.NewReader(part.Data),
		})
		return err
	})
	if err != nil {
		return types.CompletedPart{}, w.blob.wrapErr(err)
	}
	return types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(awsPartNumber)}, nil
}

// putPartCopy schedules a server-side UploadPartCopy of one chunk of src.
func (w *s3MultipartWriter) putPartCopy(ctx context.Context, partNumber int64, src *S3Blob, srcSize, chunkSize int64) error {
	if err := w.collect(w.uploads.ConsumeFinished()); err != nil {
		return err
	}
	w.uploads.Put(func() (types.CompletedPart, error) {
		awsPartNumber := int32(partNumber + 1)
		start := partNumber * chunkSize
		end := start + chunkSize - 1
		if end >= srcSize {
			end = srcSize - 1
		}
		var out *s3.UploadPartCopyOutput
		err := s3Retry.Do(ctx, func() error {
			var err error
			out, err = w.blob.client.UploadPartCopy(ctx, &s3.UploadPartCopyInput{
				Bucket:          aws.String(w.blob.bucket),
				Key:             aws.String(w.blob.key),
				UploadId:        aws.String(w.uploadID),
				PartNumber:      aws.Int32(awsPartNumber),
				CopySource:      aws.String(src.bucket + "/" + src.key),
				CopySourceRange: aws.String(fmt.Sprintf("bytes=%d-%d", start, end)),
			})
			return err
		})
		if err != nil {
			return types.CompletedPart{}, w.blob.wrapErr(err)
		}
		return types.CompletedPart{ETag: out.CopyPartResult.ETag, PartNumber: aws.Int32(awsPartNumber)}, nil
	})
	return nil
}

func (w *s3MultipartWriter) collect(results []concurrency.Result[types.CompletedPart]) error {
	for _, res := range results {
		if res.Err != nil {
			return res.Err
		}
		w.parts = append(w.parts, res.Value)
	}
	return nil
}

// Close implements MultipartWriter: waits for in-flight uploads, sorts parts
// ascending, and completes the upload.
func (w *s3MultipartWriter) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.collect(w.uploads.Consume()); err != nil {
		return err
	}
	sort.Slice(w.parts, func(i, j int) bool {
		return aws.ToInt32(w.parts[i].PartNumber) < aws.ToInt32(w.parts[j].PartNumber)
	})
	err := s3Retry.Do(ctx, func() error {
		_, err := w.blob.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(w.blob.bucket),
			Key:             aws.String(w.blob.key),
			UploadId:        aws.String(w.uploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: w.parts},
		})
		return err
	})
	if err != nil {
		return w.blob.wrapErr(err)
	}
	return nil
}

// Abort implements MultipartWriter.
func (w *s3MultipartWriter) Abort(ctx context.Context) error {
	w.closed = true
	w.uploads.Consume()
	_, err := w.blob.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.blob.bucket),
		Key:      aws.String(w.blob.key),
		UploadId: aws.String(w.uploadID),
	})
	return err
}

// isS3NotFound reports whether err is a 404/NoSuchKey-style absence.
func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404", "NoSuchBucket":
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return true
	}
	return false
}

// isS3Retryable classifies transient S3 faults worth a backoff retry.
func isS3Retryable(err error) bool {
	if isS3NotFound(err) {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InternalError", "ServiceUnavailable", "SlowDown", "RequestTimeout":
			return true
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		return code == 429 || code >= 500
	}
	return false
}

// Compile-time contract checks.
var (
	_ BlobStore       = (*S3BlobStore)(nil)
	_ Blob            = (*S3Blob)(nil)
	_ MultipartWriter = (*s3MultipartWriter)(nil)
)

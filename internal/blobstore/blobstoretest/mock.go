// Package blobstoretest provides in-memory S3 and GCS test doubles
// satisfying the narrow client interfaces the adapters consume. They model
// just enough cloud behavior for the suite: ETag and CRC32C semantics,
// ranged reads, multipart assembly, compose, and object tags/metadata.
package blobstoretest

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	gcs "cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/DataBiosphere/ssds/internal/blobstore"
)

// apiError satisfies smithy.APIError for S3 error paths.
type apiError struct {
	code       string
	message    string
	httpStatus int
}

func (e *apiError) Error() string                 { return fmt.Sprintf("%s: %s", e.code, e.message) }
func (e *apiError) ErrorCode() string             { return e.code }
func (e *apiError) ErrorMessage() string          { return e.message }
func (e *apiError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }
func (e *apiError) HTTPStatusCode() int           { return e.httpStatus }

var _ smithy.APIError = (*apiError)(nil)

func noSuchKey() error {
	return &apiError{code: "NoSuchKey", message: "The specified key does not exist.", httpStatus: 404}
}

// s3Object is one stored object with its native ETag and tags.
type s3Object struct {
	data []byte
	etag string
	tags map[string]string
}

type s3Upload struct {
	key   string
	parts map[int32][]byte
}

// MockS3Client is an in-memory S3API.
type MockS3Client struct {
	mu           sync.Mutex
	objects      map[string]map[string]*s3Object // bucket -> key -> object
	uploads      map[string]*s3Upload
	nextUploadID int

	// Call counters for asserting engine decisions.
	PutObjectCalls      int
	CopyObjectCalls     int
	UploadPartCalls     int
	UploadPartCopyCalls int
	GetObjectCalls      int
}

// NewMockS3Client returns an empty mock.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		objects: make(map[string]map[string]*s3Object),
		uploads: make(map[string]*s3Upload),
	}
}

func (m *MockS3Client) bucket(name string) map[string]*s3Object {
	if m.objects[name] == nil {
		m.objects[name] = make(map[string]*s3Object)
	}
	return m.objects[name]
}

// PutObjectDirect seeds an object without going through the adapter.
func (m *MockS3Client) PutObjectDirect(bucket, key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := md5.Sum(data)
	m.bucket(bucket)[key] = &s3Object{
		data: append([]byte(nil), data...),
		etag: hex.EncodeToString(sum[:]),
		tags: map[string]string{},
	}
}

// ObjectData returns a stored object's bytes, or nil.
func (m *MockS3Client) ObjectData(bucket, key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj := m.bucket(bucket)[key]; obj != nil {
		return append([]byte(nil), obj.data...)
	}
	return nil
}

func (m *MockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj := m.bucket(aws.ToString(params.Bucket))[aws.ToString(params.Key)]
	if obj == nil {
		return nil, noSuchKey()
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ETag:          aws.String(`"` + obj.etag + `"`),
	}, nil
}

// parseRange parses "bytes=a-b" inclusive.
func parseRange(r string, size int64) (int64, int64) {
	r = strings.TrimPrefix(r, "bytes=")
	startStr, endStr, _ := strings.Cut(r, "-")
	start, _ := strconv.ParseInt(startStr, 10, 64)
	end, _ := strconv.ParseInt(endStr, 10, 64)
	if end >= size {
		end = size - 1
	}
	return start, end
}

func (m *MockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetObjectCalls++
	obj := m.bucket(aws.ToString(params.Bucket))[aws.ToString(params.Key)]
	if obj == nil {
		return nil, noSuchKey()
	}
	data := obj.data
	if params.Range != nil {
		start, end := parseRange(aws.ToString(params.Range), int64(len(data)))
		data = data[start : end+1]
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(int64(len(data))),
	}, nil
}

func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PutObjectCalls++
	sum := md5.Sum(data)
	m.bucket(aws.ToString(params.Bucket))[aws.ToString(params.Key)] = &s3Object{
		data: data,
		etag: hex.EncodeToString(sum[:]),
		tags: map[string]string{},
	}
	return &s3.PutObjectOutput{ETag: aws.String(`"` + hex.EncodeToString(sum[:]) + `"`)}, nil
}

func (m *MockS3Client) CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CopyObjectCalls++
	srcBucket, srcKey, _ := strings.Cut(aws.ToString(params.CopySource), "/")
	src := m.bucket(srcBucket)[srcKey]
	if src == nil {
		return nil, noSuchKey()
	}
	// Server-side copy preserves the source's ETag semantics for oneshot
	// objects.
	m.bucket(aws.ToString(params.Bucket))[aws.ToString(params.Key)] = &s3Object{
		data: append([]byte(nil), src.data...),
		etag: src.etag,
		tags: map[string]string{},
	}
	return &s3.CopyObjectOutput{
		CopyObjectResult: &types.CopyObjectResult{ETag: aws.String(`"` + src.etag + `"`)},
	}, nil
}

func (m *MockS3Client) GetObjectTagging(ctx context.Context, params *s3.GetObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.GetObjectTaggingOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj := m.bucket(aws.ToString(params.Bucket))[aws.ToString(params.Key)]
	if obj == nil {
		return nil, noSuchKey()
	}
	var tagSet []types.Tag
	for k, v := range obj.tags {
		tagSet = append(tagSet, types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	return &s3.GetObjectTaggingOutput{TagSet: tagSet}, nil
}

func (m *MockS3Client) PutObjectTagging(ctx context.Context, params *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj := m.bucket(aws.ToString(params.Bucket))[aws.ToString(params.Key)]
	if obj == nil {
		return nil, noSuchKey()
	}
	tags := make(map[string]string)
	for _, tag := range params.Tagging.TagSet {
		tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	obj.tags = tags
	return &s3.PutObjectTaggingOutput{}, nil
}

func (m *MockS3Client) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextUploadID++
	id := fmt.Sprintf("upload-%d", m.nextUploadID)
	m.uploads[id] = &s3Upload{key: aws.ToString(params.Key), parts: make(map[int32][]byte)}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (m *MockS3Client) UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UploadPartCalls++
	upload := m.uploads[aws.ToString(params.UploadId)]
	if upload == nil {
		return nil, &apiError{code: "NoSuchUpload", message: "upload not found", httpStatus: 404}
	}
	upload.parts[aws.ToInt32(params.PartNumber)] = data
	sum := md5.Sum(data)
	return &s3.UploadPartOutput{ETag: aws.String(`"` + hex.EncodeToString(sum[:]) + `"`)}, nil
}

func (m *MockS3Client) UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UploadPartCopyCalls++
	upload := m.uploads[aws.ToString(params.UploadId)]
	if upload == nil {
		return nil, &apiError{code: "NoSuchUpload", message: "upload not found", httpStatus: 404}
	}
	srcBucket, srcKey, _ := strings.Cut(aws.ToString(params.CopySource), "/")
	src := m.bucket(srcBucket)[srcKey]
	if src == nil {
		return nil, noSuchKey()
	}
	data := src.data
	if params.CopySourceRange != nil {
		start, end := parseRange(aws.ToString(params.CopySourceRange), int64(len(data)))
		data = data[start : end+1]
	}
	part := append([]byte(nil), data...)
	upload.parts[aws.ToInt32(params.PartNumber)] = part
	sum := md5.Sum(part)
	return &s3.UploadPartCopyOutput{
		CopyPartResult: &types.CopyPartResult{ETag: aws.String(`"` + hex.EncodeToString(sum[:]) + `"`)},
	}, nil
}

func (m *MockS3Client) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	upload := m.uploads[aws.ToString(params.UploadId)]
	if upload == nil {
		return nil, &apiError{code: "NoSuchUpload", message: "upload not found", httpStatus: 404}
	}
	// Parts must arrive in ascending order, per the S3 API contract.
	var buf bytes.Buffer
	var binMD5 []byte
	last := int32(0)
	for _, completed := range params.MultipartUpload.Parts {
		pn := aws.ToInt32(completed.PartNumber)
		if pn <= last {
			return nil, &apiError{code: "InvalidPartOrder", message: "parts not ascending", httpStatus: 400}
		}
		last = pn
		data, ok := upload.parts[pn]
		if !ok {
			return nil, &apiError{code: "InvalidPart", message: "part not found", httpStatus: 400}
		}
		buf.Write(data)
		sum := md5.Sum(data)
		binMD5 = append(binMD5, sum[:]...)
	}
	sum := md5.Sum(binMD5)
	etag := fmt.Sprintf("%s-%d", hex.EncodeToString(sum[:]), len(params.MultipartUpload.Parts))
	m.bucket(aws.ToString(params.Bucket))[upload.key] = &s3Object{
		data: buf.Bytes(),
		etag: etag,
		tags: map[string]string{},
	}
	delete(m.uploads, aws.ToString(params.UploadId))
	return &s3.CompleteMultipartUploadOutput{ETag: aws.String(`"` + etag + `"`)}, nil
}

func (m *MockS3Client) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, aws.ToString(params.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (m *MockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := aws.ToString(params.Prefix)
	var keys []string
	for key := range m.bucket(aws.ToString(params.Bucket)) {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	contents := make([]types.Object, len(keys))
	for i, key := range keys {
		contents[i] = types.Object{Key: aws.String(key)}
	}
	return &s3.ListObjectsV2Output{Contents: contents, IsTruncated: aws.Bool(false)}, nil
}

var _ blobstore.S3API = (*MockS3Client)(nil)

// crc32cSum computes the CRC32C of data with the Castagnoli table.
func crc32cSum(data []byte) uint32 {
	return crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli))
}

// gcsObject is one stored object with its CRC32C and metadata.
type gcsObject struct {
	data     []byte
	crc32c   uint32
	metadata map[string]string
}

// MockGCSClient is an in-memory GCSAPI.
type MockGCSClient struct {
	mu      sync.Mutex
	objects map[string]map[string]*gcsObject // bucket -> object -> data

	// Call counters for asserting engine decisions.
	RewriteCalls int
	ComposeCalls int
	WriterCalls  int
}

// NewMockGCSClient returns an empty mock.
func NewMockGCSClient() *MockGCSClient {
	return &MockGCSClient{objects: make(map[string]map[string]*gcsObject)}
}

func (m *MockGCSClient) bucket(name string) map[string]*gcsObject {
	if m.objects[name] == nil {
		m.objects[name] = make(map[string]*gcsObject)
	}
	return m.objects[name]
}

// PutObjectDirect seeds an object without going through the adapter.
func (m *MockGCSClient) PutObjectDirect(bucket, object string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bucket(bucket)[object] = &gcsObject{
		data:   append([]byte(nil), data...),
		crc32c: crc32cSum(data),
	}
}

// ObjectData returns a stored object's bytes, or nil.
func (m *MockGCSClient) ObjectData(bucket, object string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if obj := m.bucket(bucket)[object]; obj != nil {
		return append([]byte(nil), obj.data...)
	}
	return nil
}

// ObjectCount returns the number of objects currently in bucket.
func (m *MockGCSClient) ObjectCount(bucket string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bucket(bucket))
}

func (m *MockGCSClient) Attrs(ctx context.Context, bucket, object, userProject string) (*blobstore.GCSAttrs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj := m.bucket(bucket)[object]
	if obj == nil {
		return nil, gcs.ErrObjectNotExist
	}
	md := make(map[string]string, len(obj.metadata))
	for k, v := range obj.metadata {
		md[k] = v
	}
	return &blobstore.GCSAttrs{Size: int64(len(obj.data)), CRC32C: obj.crc32c, Metadata: md}, nil
}

func (m *MockGCSClient) NewRangeReader(ctx context.Context, bucket, object, userProject string, offset, length int64) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj := m.bucket(bucket)[object]
	if obj == nil {
		return nil, gcs.ErrObjectNotExist
	}
	data := obj.data[offset:]
	if length >= 0 && length < int64(len(data)) {
		data = data[:length]
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data...))), nil
}

// mockGCSWriter commits the object on Close.
type mockGCSWriter struct {
	client *MockGCSClient
	bucket string
	object string
	buf    bytes.Buffer
}

func (w *mockGCSWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *mockGCSWriter) Close() error {
	w.client.mu.Lock()
	defer w.client.mu.Unlock()
	data := append([]byte(nil), w.buf.Bytes()...)
	w.client.bucket(w.bucket)[w.object] = &gcsObject{data: data, crc32c: crc32cSum(data)}
	return nil
}

func (m *MockGCSClient) NewWriter(ctx context.Context, bucket, object, userProject string) io.WriteCloser {
	m.mu.Lock()
	m.WriterCalls++
	m.mu.Unlock()
	return &mockGCSWriter{client: m, bucket: bucket, object: object}
}

func (m *MockGCSClient) Delete(ctx context.Context, bucket, object, userProject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bucket(bucket)[object] == nil {
		return gcs.ErrObjectNotExist
	}
	delete(m.bucket(bucket), object)
	return nil
}

func (m *MockGCSClient) Rewrite(ctx context.Context, srcBucket, srcObject, dstBucket, dstObject, userProject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RewriteCalls++
	src := m.bucket(srcBucket)[srcObject]
	if src == nil {
		return gcs.ErrObjectNotExist
	}
	m.bucket(dstBucket)[dstObject] = &gcsObject{
		data:   append([]byte(nil), src.data...),
		crc32c: src.crc32c,
	}
	return nil
}

func (m *MockGCSClient) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string, userProject string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ComposeCalls++
	if len(srcObjects) > 32 {
		return fmt.Errorf("too many compose sources: %d", len(srcObjects))
	}
	var buf bytes.Buffer
	for _, name := range srcObjects {
		src := m.bucket(bucket)[name]
		if src == nil {
			return gcs.ErrObjectNotExist
		}
		buf.Write(src.data)
	}
	data := buf.Bytes()
	m.bucket(bucket)[dstObject] = &gcsObject{data: data, crc32c: crc32cSum(data)}
	return nil
}

func (m *MockGCSClient) UpdateMetadata(ctx context.Context, bucket, object, userProject string, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj := m.bucket(bucket)[object]
	if obj == nil {
		return gcs.ErrObjectNotExist
	}
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	obj.metadata = md
	return nil
}

type mockNameIterator struct {
	names []string
}

func (it *mockNameIterator) Next() (string, error) {
	if len(it.names) == 0 {
		return "", io.EOF
	}
	name := it.names[0]
	it.names = it.names[1:]
	return name, nil
}

func (m *MockGCSClient) Objects(ctx context.Context, bucket, prefix, userProject string) blobstore.ObjectNameIterator {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for name := range m.bucket(bucket) {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return &mockNameIterator{names: names}
}

var _ blobstore.GCSAPI = (*MockGCSClient)(nil)

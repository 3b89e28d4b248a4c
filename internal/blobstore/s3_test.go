package blobstore_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/DataBiosphere/ssds/internal/blobstore"
	"github.com/DataBiosphere/ssds/internal/blobstore/blobstoretest"
	"github.com/DataBiosphere/ssds/internal/checksum"
)

// withSmallChunks shrinks the multipart threshold so multipart paths are
// affordable in tests.
func withSmallChunks(t *testing.T, chunkSize int64) {
	t.Helper()
	old := blobstore.AWSMinChunkSize
	blobstore.AWSMinChunkSize = chunkSize
	t.Cleanup(func() { blobstore.AWSMinChunkSize = old })
}

func randBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(data)
	return data
}

func TestS3BlobPutGet(t *testing.T) {
	ctx := context.Background()
	client := blobstoretest.NewMockS3Client()
	store := blobstore.NewS3BlobStore("bucket", client)
	blob := store.Blob("some/key")

	data := []byte("seven bytes")
	if err := blob.(*blobstore.S3Blob).Put(ctx, data); err != nil {
		t.Fatal(err)
	}
	got, err := blob.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Get = %q, want %q", got, data)
	}
	size, err := blob.Size(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if size != int64(len(data)) {
		t.Errorf("Size = %d, want %d", size, len(data))
	}
	if url := blob.URL(); url != "s3://bucket/some/key" {
		t.Errorf("URL = %s", url)
	}
}

func TestS3BlobNotFound(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewS3BlobStore("bucket", blobstoretest.NewMockS3Client())
	blob := store.Blob("absent")

	exists, err := blob.Exists(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("Exists = true for absent blob")
	}
	_, err = blob.Get(ctx)
	var notFound *blobstore.BlobNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("Get error = %v, want BlobNotFoundError", err)
	}
	_, err = blob.GetTags(ctx)
	if !errors.As(err, &notFound) {
		t.Errorf("GetTags error = %v, want BlobNotFoundError", err)
	}
}

func TestS3BlobTagsRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := blobstoretest.NewMockS3Client()
	client.PutObjectDirect("bucket", "key", []byte("x"))
	blob := blobstore.NewS3Blob("bucket", "key", client)

	tags := map[string]string{"SSDS_MD5": "abc", "SSDS_CRC32C": "def"}
	if err := blob.PutTags(ctx, tags); err != nil {
		t.Fatal(err)
	}
	got, err := blob.GetTags(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got["SSDS_MD5"] != "abc" || got["SSDS_CRC32C"] != "def" {
		t.Errorf("GetTags = %v, want %v", got, tags)
	}
}

func TestS3CloudNativeChecksumOneshot(t *testing.T) {
	ctx := context.Background()
	client := blobstoretest.NewMockS3Client()
	data := randBytes(t, 7)
	client.PutObjectDirect("bucket", "key", data)
	blob := blobstore.NewS3Blob("bucket", "key", client)

	got, err := blob.CloudNativeChecksum(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if want := checksum.MD5Hex(data); got != want {
		t.Errorf("CloudNativeChecksum = %s, want %s", got, want)
	}
}

func TestS3PartsIteratorCoversObject(t *testing.T) {
	withSmallChunks(t, 1024)
	ctx := context.Background()
	client := blobstoretest.NewMockS3Client()
	data := randBytes(t, 3*1024+17)
	client.PutObjectDirect("bucket", "key", data)
	blob := blobstore.NewS3Blob("bucket", "key", client)

	parts, err := blob.Parts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer parts.Close()
	if parts.NumParts() != 4 {
		t.Fatalf("NumParts = %d, want 4", parts.NumParts())
	}
	assembled := make([][]byte, parts.NumParts())
	for {
		part, err := parts.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		assembled[part.Number] = part.Data
	}
	if !bytes.Equal(bytes.Join(assembled, nil), data) {
		t.Error("reassembled parts differ from object data")
	}
}

func TestS3PartsZeroByteObject(t *testing.T) {
	ctx := context.Background()
	client := blobstoretest.NewMockS3Client()
	client.PutObjectDirect("bucket", "empty", nil)
	blob := blobstore.NewS3Blob("bucket", "empty", client)

	parts, err := blob.Parts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer parts.Close()
	if parts.NumParts() != 1 {
		t.Fatalf("NumParts = %d, want 1", parts.NumParts())
	}
	part, err := parts.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if part.Number != 0 || len(part.Data) != 0 {
		t.Errorf("part = (%d, %d bytes), want (0, 0 bytes)", part.Number, len(part.Data))
	}
	if _, err := parts.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("second Next = %v, want io.EOF", err)
	}
}

func TestS3MultipartWriterOutOfOrder(t *testing.T) {
	withSmallChunks(t, 1024)
	ctx := context.Background()
	client := blobstoretest.NewMockS3Client()
	blob := blobstore.NewS3Blob("bucket", "key", client)

	data := randBytes(t, 2*1024+1)
	writer, err := blob.MultipartWriter(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Present parts in descending order; the writer must restore ascending
	// order at close.
	for _, n := range []int64{2, 1, 0} {
		start := n * 1024
		end := start + 1024
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		if err := writer.PutPart(ctx, blobstore.Part{Number: n, Data: data[start:end]}); err != nil {
			t.Fatal(err)
		}
	}
	if err := writer.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(client.ObjectData("bucket", "key"), data) {
		t.Error("assembled object differs from input")
	}

	etag := checksum.NewS3EtagUnordered()
	for n := int64(0); n < 3; n++ {
		start := n * 1024
		end := start + 1024
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		etag.Update(n, data[start:end])
	}
	native, err := blob.CloudNativeChecksum(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if native != etag.HexDigest() {
		t.Errorf("native checksum = %s, want composite %s", native, etag.HexDigest())
	}
}

func TestS3CopyFromOneshotUsesServerSideCopy(t *testing.T) {
	ctx := context.Background()
	client := blobstoretest.NewMockS3Client()
	data := randBytes(t, 100)
	client.PutObjectDirect("bucket", "src", data)
	src := blobstore.NewS3Blob("bucket", "src", client)
	dst := blobstore.NewS3Blob("bucket", "dst", client)

	multipart, err := dst.CopyFromIsMultipart(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if multipart {
		t.Error("CopyFromIsMultipart = true for a small object")
	}
	if err := dst.CopyFrom(ctx, src); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(client.ObjectData("bucket", "dst"), data) {
		t.Error("copied bytes differ")
	}
	if client.CopyObjectCalls != 1 {
		t.Errorf("CopyObjectCalls = %d, want 1", client.CopyObjectCalls)
	}
	if client.GetObjectCalls != 0 {
		t.Errorf("GetObjectCalls = %d, want 0 (no passthrough)", client.GetObjectCalls)
	}
}

func TestS3CopyFromMultipartUsesUploadPartCopy(t *testing.T) {
	withSmallChunks(t, 1024)
	ctx := context.Background()
	client := blobstoretest.NewMockS3Client()
	data := randBytes(t, 3*1024+5)
	client.PutObjectDirect("bucket", "src", data)
	src := blobstore.NewS3Blob("bucket", "src", client)
	dst := blobstore.NewS3Blob("bucket", "dst", client)

	multipart, err := dst.CopyFromIsMultipart(ctx, src)
	if err != nil {
		t.Fatal(err)
	}
	if !multipart {
		t.Error("CopyFromIsMultipart = false for a large object")
	}
	if err := dst.CopyFrom(ctx, src); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(client.ObjectData("bucket", "dst"), data) {
		t.Error("copied bytes differ")
	}
	if client.UploadPartCopyCalls != 4 {
		t.Errorf("UploadPartCopyCalls = %d, want 4", client.UploadPartCopyCalls)
	}
	if client.GetObjectCalls != 0 {
		t.Errorf("GetObjectCalls = %d, want 0 (no passthrough)", client.GetObjectCalls)
	}
}

func TestS3ListSortedWithPrefix(t *testing.T) {
	ctx := context.Background()
	client := blobstoretest.NewMockS3Client()
	client.PutObjectDirect("bucket", "pfx/b", []byte("1"))
	client.PutObjectDirect("bucket", "pfx/a", []byte("2"))
	client.PutObjectDirect("bucket", "other/c", []byte("3"))
	store := blobstore.NewS3BlobStore("bucket", client)

	var keys []string
	listing := store.List(ctx, "pfx/")
	for {
		blob, err := listing.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		keys = append(keys, blob.Key())
	}
	if len(keys) != 2 || keys[0] != "pfx/a" || keys[1] != "pfx/b" {
		t.Errorf("listing = %v, want [pfx/a pfx/b]", keys)
	}
}

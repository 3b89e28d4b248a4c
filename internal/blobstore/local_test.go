package blobstore_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/DataBiosphere/ssds/internal/blobstore"
)

func TestLocalBlobPutGet(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewLocalBlobStore(t.TempDir())
	blob := store.Blob("a/b/c.dat")

	data := []byte("local bytes")
	if err := blob.Put(ctx, data); err != nil {
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
}

func TestLocalBlobNotFound(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewLocalBlobStore(t.TempDir())
	blob := store.Blob("missing.dat")

	exists, err := blob.Exists(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("Exists = true for absent file")
	}
	_, err = blob.Get(ctx)
	var notFound *blobstore.BlobNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("Get error = %v, want BlobNotFoundError", err)
	}
}

func TestLocalBlobTagsNotCarried(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewLocalBlobStore(t.TempDir())
	blob := store.Blob("file.dat")
	if err := blob.Put(ctx, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := blob.PutTags(ctx, map[string]string{"SSDS_MD5": "abc"}); err != nil {
		t.Fatal(err)
	}
	tags, err := blob.GetTags(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 0 {
		t.Errorf("GetTags = %v, want empty", tags)
	}
}

func TestLocalPartsMatchCloudBoundaries(t *testing.T) {
	withSmallChunks(t, 1024)
	ctx := context.Background()
	store := blobstore.NewLocalBlobStore(t.TempDir())
	blob := store.Blob("big.dat")
	data := randBytes(t, 2*1024+1)
	if err := blob.Put(ctx, data); err != nil {
		t.Fatal(err)
	}

	parts, err := blob.Parts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer parts.Close()
	if parts.ChunkSize() != 1024 {
		t.Errorf("ChunkSize = %d, want 1024", parts.ChunkSize())
	}
	if parts.NumParts() != 3 {
		t.Errorf("NumParts = %d, want 3", parts.NumParts())
	}
	var assembled []byte
	for {
		part, err := parts.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		assembled = append(assembled, part.Data...)
	}
	if !bytes.Equal(assembled, data) {
		t.Error("reassembled parts differ from file data")
	}
}

func TestLocalMultipartWriter(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := blobstore.NewLocalBlobStore(dir)
	blob := store.Blob("out.dat")

	writer, err := blob.MultipartWriter(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []int64{1, 0, 2} {
		if err := writer.PutPart(ctx, blobstore.Part{Number: n, Data: []byte{byte('a' + n)}}); err != nil {
			t.Fatal(err)
		}
	}
	if err := writer.Close(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := blob.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "abc" {
		t.Errorf("assembled = %q, want %q", got, "abc")
	}
}

func TestLocalDownloadAndCopyFrom(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := blobstore.NewLocalBlobStore(dir)
	src := store.Blob("src.dat")
	if err := src.Put(ctx, []byte("payload")); err != nil {
		t.Fatal(err)
	}

	dstPath := filepath.Join(dir, "nested", "dst.dat")
	if err := src.Download(ctx, dstPath); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("downloaded = %q", data)
	}

	dst := store.Blob("copied.dat").(*blobstore.LocalBlob)
	if err := dst.CopyFrom(ctx, src.(*blobstore.LocalBlob)); err != nil {
		t.Fatal(err)
	}
	got, err := dst.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Errorf("copied = %q", got)
	}
}

func TestLocalListWalksTree(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store := blobstore.NewLocalBlobStore(dir)
	for _, key := range []string{"tree/a.dat", "tree/sub/b.dat", "outside.dat"} {
		if err := store.Blob(key).Put(ctx, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}

	var keys []string
	listing := store.List(ctx, "tree")
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
	if len(keys) != 2 || keys[0] != "tree/a.dat" || keys[1] != "tree/sub/b.dat" {
		t.Errorf("listing = %v", keys)
	}
}

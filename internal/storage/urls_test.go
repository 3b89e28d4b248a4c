package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/DataBiosphere/ssds/internal/blobstore"
	"github.com/DataBiosphere/ssds/internal/storage"
)

func TestParseCloudURL(t *testing.T) {
	tests := []struct {
		url     string
		bucket  string
		key     string
		wantErr bool
	}{
		{"s3://bucket/some/key", "bucket", "some/key", false},
		{"gs://bucket/key", "bucket", "key", false},
		{"s3://bucket-only", "", "", true},
		{"http://example.com/x", "", "", true},
		{"/local/path", "", "", true},
	}
	for _, tt := range tests {
		bucket, key, err := storage.ParseCloudURL(tt.url)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseCloudURL(%q): expected error", tt.url)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCloudURL(%q): %v", tt.url, err)
			continue
		}
		if bucket != tt.bucket || key != tt.key {
			t.Errorf("ParseCloudURL(%q) = (%q, %q), want (%q, %q)", tt.url, bucket, key, tt.bucket, tt.key)
		}
	}
}

func TestBlobForURLLocalPath(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "file.dat")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	blob, err := storage.BlobForURL(ctx, path, "")
	if err != nil {
		t.Fatal(err)
	}
	local, ok := blob.(*blobstore.LocalBlob)
	if !ok {
		t.Fatalf("BlobForURL returned %T, want *LocalBlob", blob)
	}
	exists, err := local.Exists(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Errorf("local blob for %s does not resolve", path)
	}
}

func TestListingForURLLocal(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.dat"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	prefix, listing, err := storage.ListingForURL(ctx, dir, "")
	if err != nil {
		t.Fatal(err)
	}
	blob, err := listing.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got := blob.Key(); got != prefix+"/a.dat" {
		t.Errorf("listed key = %q, want %q", got, prefix+"/a.dat")
	}
}

func TestTransformKey(t *testing.T) {
	tests := []struct {
		key, srcPfx, dstPfx, want string
	}{
		{"src/pfx/a.dat", "src/pfx", "dst/pfx", "dst/pfx/a.dat"},
		{"src/pfx/a.dat", "/src/pfx/", "dst", "dst/a.dat"},
		{"pfx/pfx/a.dat", "pfx", "out", "out/pfx/a.dat"},
	}
	for _, tt := range tests {
		if got := storage.TransformKey(tt.key, tt.srcPfx, tt.dstPfx); got != tt.want {
			t.Errorf("TransformKey(%q, %q, %q) = %q, want %q", tt.key, tt.srcPfx, tt.dstPfx, got, tt.want)
		}
	}
}

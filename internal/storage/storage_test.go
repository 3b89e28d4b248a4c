package storage_test

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/DataBiosphere/ssds/internal/blobstore"
	"github.com/DataBiosphere/ssds/internal/blobstore/blobstoretest"
	"github.com/DataBiosphere/ssds/internal/checksum"
	"github.com/DataBiosphere/ssds/internal/storage"
)

func withSmallChunks(t *testing.T, chunkSize int64) {
	t.Helper()
	old := blobstore.AWSMinChunkSize
	blobstore.AWSMinChunkSize = chunkSize
	t.Cleanup(func() { blobstore.AWSMinChunkSize = old })
}

func randBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	rand.New(rand.NewSource(int64(n) + 42)).Read(data)
	return data
}

// fixture bundles one store of each kind plus accessors generic over them.
type fixture struct {
	s3    *blobstoretest.MockS3Client
	gcs   *blobstoretest.MockGCSClient
	local string

	s3Store    blobstore.BlobStore
	gsStore    blobstore.BlobStore
	localStore blobstore.BlobStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		s3:    blobstoretest.NewMockS3Client(),
		gcs:   blobstoretest.NewMockGCSClient(),
		local: t.TempDir(),
	}
	f.s3Store = blobstore.NewS3BlobStore("test-bucket", f.s3)
	f.gsStore = blobstore.NewGSBlobStore("test-bucket", "", f.gcs)
	f.localStore = blobstore.NewLocalBlobStore(f.local)
	return f
}

func (f *fixture) stores() map[string]blobstore.BlobStore {
	return map[string]blobstore.BlobStore{
		"local": f.localStore,
		"s3":    f.s3Store,
		"gs":    f.gsStore,
	}
}

// canonicalTags returns the tag set SSDS attaches to an object of this
// content: plain hex MD5 for oneshot sizes, the composite ETag under the
// shared chunk law for multipart sizes.
func canonicalTags(data []byte) map[string]string {
	size := int64(len(data))
	chunk := blobstore.GetS3MultipartChunkSize(size)
	md5Tag := checksum.MD5Hex(data)
	if size > chunk {
		etag := checksum.NewS3EtagUnordered()
		for n, off := int64(0), int64(0); off < size; n, off = n+1, off+chunk {
			end := off + chunk
			if end > size {
				end = size
			}
			etag.Update(n, data[off:end])
		}
		md5Tag = etag.HexDigest()
	}
	return map[string]string{
		blobstore.TagSSDSMD5:    md5Tag,
		blobstore.TagSSDSCRC32C: checksum.GCSBase64CRC32C(data),
	}
}

// seed writes data at key in the named store the way SSDS would have left
// it: multipart-sized S3 objects are written through the multipart writer so
// their native ETag is composite, and cloud objects carry canonical tags.
func (f *fixture) seed(t *testing.T, ctx context.Context, kind, key string, data []byte) blobstore.Blob {
	t.Helper()
	blob := f.stores()[kind].Blob(key)
	size := int64(len(data))
	chunk := blobstore.GetS3MultipartChunkSize(size)
	if kind == "s3" && size > chunk {
		writer, err := blob.MultipartWriter(ctx)
		if err != nil {
			t.Fatal(err)
		}
		for n, off := int64(0), int64(0); off < size; n, off = n+1, off+chunk {
			end := off + chunk
			if end > size {
				end = size
			}
			if err := writer.PutPart(ctx, blobstore.Part{Number: n, Data: data[off:end]}); err != nil {
				t.Fatal(err)
			}
		}
		if err := writer.Close(ctx); err != nil {
			t.Fatal(err)
		}
	} else if err := blob.Put(ctx, data); err != nil {
		t.Fatal(err)
	}
	if kind != "local" {
		if err := blob.PutTags(ctx, canonicalTags(data)); err != nil {
			t.Fatal(err)
		}
	}
	return blob
}

func TestCopyRoundTripAllPairs(t *testing.T) {
	withSmallChunks(t, 1024)
	ctx := context.Background()
	for _, size := range []int{7, 3*1024 + 11} {
		data := randBytes(t, size)
		for _, srcKind := range []string{"local", "s3", "gs"} {
			for _, dstKind := range []string{"local", "s3", "gs"} {
				t.Run(srcKind+"_to_"+dstKind, func(t *testing.T) {
					f := newFixture(t)
					src := f.seed(t, ctx, srcKind, "src/item.dat", data)
					dst := f.stores()[dstKind].Blob("dst/item.dat")

					client := storage.NewCopyClient()
					client.Copy(ctx, src, dst)
					client.Close()
					for _, completion := range client.Completed() {
						if completion.Err != nil {
							t.Fatalf("copy failed: %v", completion.Err)
						}
					}
					got, err := dst.Get(ctx)
					if err != nil {
						t.Fatal(err)
					}
					if !bytes.Equal(got, data) {
						t.Error("destination bytes differ from source")
					}
				})
			}
		}
	}
}

func TestCopyComputeChecksumsOneshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := randBytes(t, 7)
	src := f.seed(t, ctx, "local", "item.dat", data)

	for _, dstKind := range []string{"s3", "gs"} {
		t.Run(dstKind, func(t *testing.T) {
			dst := f.stores()[dstKind].Blob("item-" + dstKind + ".dat")
			if err := storage.CopyComputeChecksums(ctx, src, dst); err != nil {
				t.Fatal(err)
			}
			tags, err := dst.GetTags(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if got, want := tags[blobstore.TagSSDSMD5], checksum.MD5Hex(data); got != want {
				t.Errorf("SSDS_MD5 = %s, want %s", got, want)
			}
			if got, want := tags[blobstore.TagSSDSCRC32C], checksum.GCSBase64CRC32C(data); got != want {
				t.Errorf("SSDS_CRC32C = %s, want %s", got, want)
			}
			// Native checksum agreement.
			native, err := dst.CloudNativeChecksum(ctx)
			if err != nil {
				t.Fatal(err)
			}
			switch dstKind {
			case "s3":
				if native != tags[blobstore.TagSSDSMD5] {
					t.Errorf("native = %s, tag = %s", native, tags[blobstore.TagSSDSMD5])
				}
			case "gs":
				if native != tags[blobstore.TagSSDSCRC32C] {
					t.Errorf("native = %s, tag = %s", native, tags[blobstore.TagSSDSCRC32C])
				}
			}
		})
	}
}

func TestCopyComputeChecksumsMultipart(t *testing.T) {
	withSmallChunks(t, 1024)
	ctx := context.Background()
	f := newFixture(t)
	data := randBytes(t, 2*1024+1)
	src := f.seed(t, ctx, "local", "big.dat", data)
	dst := f.s3Store.Blob("big.dat")

	if err := storage.CopyComputeChecksums(ctx, src, dst); err != nil {
		t.Fatal(err)
	}
	tags, err := dst.GetTags(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Composite ETag over the destination's chunk boundaries.
	etag := checksum.NewS3EtagUnordered()
	for n := int64(0); n < 3; n++ {
		start := n * 1024
		end := start + 1024
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		etag.Update(n, data[start:end])
	}
	if got, want := tags[blobstore.TagSSDSMD5], etag.HexDigest(); got != want {
		t.Errorf("SSDS_MD5 = %s, want composite %s", got, want)
	}
	if got, want := tags[blobstore.TagSSDSCRC32C], checksum.GCSBase64CRC32C(data); got != want {
		t.Errorf("SSDS_CRC32C = %s, want %s", got, want)
	}
	native, err := dst.CloudNativeChecksum(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if native != tags[blobstore.TagSSDSMD5] {
		t.Errorf("native = %s disagrees with tag %s", native, tags[blobstore.TagSSDSMD5])
	}
}

func TestCopyCloudToCloudCopiesTagsVerbatim(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := randBytes(t, 64)
	src := f.seed(t, ctx, "s3", "item.dat", data)
	srcTags, err := src.GetTags(ctx)
	if err != nil {
		t.Fatal(err)
	}
	dst := f.gsStore.Blob("item.dat")

	if err := storage.Copy(ctx, src, dst); err != nil {
		t.Fatal(err)
	}
	dstTags, err := dst.GetTags(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dstTags) != len(srcTags) {
		t.Fatalf("tags = %v, want %v", dstTags, srcTags)
	}
	for k, v := range srcTags {
		if dstTags[k] != v {
			t.Errorf("tag %s = %s, want %s", k, dstTags[k], v)
		}
	}
}

func TestCopyIntraCloudUsesServerSideCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := randBytes(t, 100)
	src := f.seed(t, ctx, "s3", "src.dat", data)
	dst := f.s3Store.Blob("dst.dat")

	if err := storage.Copy(ctx, src, dst); err != nil {
		t.Fatal(err)
	}
	if f.s3.CopyObjectCalls != 1 {
		t.Errorf("CopyObjectCalls = %d, want 1", f.s3.CopyObjectCalls)
	}
	if !bytes.Equal(f.s3.ObjectData("test-bucket", "dst.dat"), data) {
		t.Error("copied bytes differ")
	}
}

func TestCopyToLocalCreatesParents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := randBytes(t, 17)
	src := f.seed(t, ctx, "s3", "item.dat", data)
	dst := f.localStore.Blob("deeply/nested/dir/item.dat")

	if err := storage.Copy(ctx, src, dst); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(f.local, "deeply", "nested", "dir", "item.dat"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("downloaded bytes differ")
	}
	// Downloads carry no tags and skip verification.
	tags, err := dst.GetTags(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 0 {
		t.Errorf("local tags = %v, want none", tags)
	}
}

func TestCopyMissingSourceYieldsNotFoundCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	src := f.s3Store.Blob("does-not-exist")
	dst := f.gsStore.Blob("dst.dat")

	client := storage.NewCopyClient()
	client.Copy(ctx, src, dst)
	client.Close()
	completions := client.Completed()
	if len(completions) != 1 {
		t.Fatalf("completions = %d, want 1", len(completions))
	}
	var notFound *blobstore.BlobNotFoundError
	if !errors.As(completions[0].Err, &notFound) {
		t.Errorf("completion err = %v, want BlobNotFoundError", completions[0].Err)
	}
}

func TestVerifyChecksumsMissing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := randBytes(t, 10)
	// Seed a cloud source with no tags: cross-cloud copy must fail VERIFY.
	src := f.s3Store.Blob("untagged.dat")
	if err := src.Put(ctx, data); err != nil {
		t.Fatal(err)
	}
	dst := f.gsStore.Blob("dst.dat")

	err := storage.Copy(ctx, src, dst)
	var missing *storage.MissingChecksumError
	if !errors.As(err, &missing) {
		t.Fatalf("err = %v, want MissingChecksumError", err)
	}

	// The flag downgrades missing (only) to a warning.
	client := storage.NewCopyClient()
	client.IgnoreMissingChecksums = true
	client.Copy(ctx, src, f.gsStore.Blob("dst2.dat"))
	client.Close()
	for _, completion := range client.Completed() {
		if completion.Err != nil {
			t.Errorf("ignore-missing copy failed: %v", completion.Err)
		}
	}
}

func TestVerifyChecksumsIncorrect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := randBytes(t, 10)
	src := f.seed(t, ctx, "s3", "item.dat", data)
	// Corrupt the canonical CRC32C tag; the GCS destination must reject it
	// even with missing-checksum downgrades enabled.
	if err := src.PutTags(ctx, map[string]string{
		blobstore.TagSSDSMD5:    checksum.MD5Hex(data),
		blobstore.TagSSDSCRC32C: "bogus===",
	}); err != nil {
		t.Fatal(err)
	}
	dst := f.gsStore.Blob("dst.dat")

	client := storage.NewCopyClient()
	client.IgnoreMissingChecksums = true
	client.Copy(ctx, src, dst)
	client.Close()
	completions := client.Completed()
	if len(completions) != 1 {
		t.Fatalf("completions = %d, want 1", len(completions))
	}
	var incorrect *storage.IncorrectChecksumError
	if !errors.As(completions[0].Err, &incorrect) {
		t.Errorf("err = %v, want IncorrectChecksumError", completions[0].Err)
	}
}

func TestCompletedAtMostOncePerPair(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	client := storage.NewCopyClient()
	for i := 0; i < 5; i++ {
		data := randBytes(t, 10+i)
		src := f.seed(t, ctx, "s3", "src"+string(rune('a'+i)), data)
		client.Copy(ctx, src, f.gsStore.Blob("dst"+string(rune('a'+i))))
	}
	client.Close()
	total := len(client.Completed())
	total += len(client.Completed())
	if total != 5 {
		t.Errorf("total completions = %d, want 5", total)
	}
}

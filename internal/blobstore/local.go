// Local-filesystem adapter for the Blob/BlobStore contract.
//
// A local store is rooted at a base path; keys are slash-separated paths
// relative to it. Local blobs do not carry tags; callers must not depend on
// tags for local destinations. The part iterator derives its chunk size from
// the same law as the cloud adapters so local-sourced multipart copies use
// matching boundaries.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/DataBiosphere/ssds/internal/uid"
)

// LocalBlobStore is a filesystem store rooted at a base path.
type LocalBlobStore struct {
	basepath string
}

// NewLocalBlobStore returns a store rooted at basepath, which must be
// absolute.
func NewLocalBlobStore(basepath string) *LocalBlobStore {
	return &LocalBlobStore{basepath: basepath}
}

// Schema implements BlobStore; local stores have no URL scheme.
func (s *LocalBlobStore) Schema() string { return "" }

// Bucket implements BlobStore; the base path stands in for the bucket.
func (s *LocalBlobStore) Bucket() string { return s.basepath }

// Blob implements BlobStore.
func (s *LocalBlobStore) Blob(key string) Blob {
	return &LocalBlob{basepath: s.basepath, key: key}
}

// List implements BlobStore by walking the tree under prefix.
func (s *LocalBlobStore) List(ctx context.Context, prefix string) BlobIterator {
	root := filepath.Join(s.basepath, filepath.FromSlash(prefix))
	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.basepath, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil && errors.Is(err, fs.ErrNotExist) {
		err = nil
	}
	sort.Strings(keys)
	return &localBlobIterator{store: s, keys: keys, err: err}
}

type localBlobIterator struct {
	store *LocalBlobStore
	keys  []string
	err   error
}

func (it *localBlobIterator) Next(ctx context.Context) (Blob, error) {
	if it.err != nil {
		return nil, &BlobStoreUnknownError{Err: it.err}
	}
	if len(it.keys) == 0 {
		return nil, io.EOF
	}
	key := it.keys[0]
	it.keys = it.keys[1:]
	return it.store.Blob(key), nil
}

// LocalBlob is one file under a local store's base path.
type LocalBlob struct {
	basepath string
	key      string
}

// NewLocalBlob returns a handle for the file at basepath/key.
func NewLocalBlob(basepath, key string) *LocalBlob {
	return &LocalBlob{basepath: basepath, key: key}
}

func (b *LocalBlob) path() string {
	return filepath.Join(b.basepath, filepath.FromSlash(b.key))
}

// URL implements Blob: the file's path.
func (b *LocalBlob) URL() string { return b.path() }

// Key implements Blob.
func (b *LocalBlob) Key() string { return b.key }

func (b *LocalBlob) wrapErr(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return &BlobNotFoundError{URL: b.path(), Err: err}
	}
	return &BlobStoreUnknownError{Err: err}
}

// Exists implements Blob.
func (b *LocalBlob) Exists(ctx context.Context) (bool, error) {
	info, err := os.Stat(b.path())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, &BlobStoreUnknownError{Err: err}
	}
	return !info.IsDir(), nil
}

// Size implements Blob.
func (b *LocalBlob) Size(ctx context.Context) (int64, error) {
	info, err := os.Stat(b.path())
	if err != nil {
		return 0, b.wrapErr(err)
	}
	return info.Size(), nil
}

// Get implements Blob.
func (b *LocalBlob) Get(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(b.path())
	if err != nil {
		return nil, b.wrapErr(err)
	}
	return data, nil
}

// Put implements Blob.
func (b *LocalBlob) Put(ctx context.Context, data []byte) error {
	path := b.path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &BlobStoreUnknownError{Err: err}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &BlobStoreUnknownError{Err: err}
	}
	return nil
}

// GetTags implements Blob. Local blobs carry no tags.
func (b *LocalBlob) GetTags(ctx context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

// PutTags implements Blob as a no-op; local blobs carry no tags.
func (b *LocalBlob) PutTags(ctx context.Context, tags map[string]string) error {
	return nil
}

// CloudNativeChecksum implements Blob; the local filesystem has none.
func (b *LocalBlob) CloudNativeChecksum(ctx context.Context) (string, error) {
	return "", &BlobStoreUnknownError{Err: errors.New("local blobs have no cloud-native checksum")}
}

// Download implements Blob as a file copy; copying a path onto itself is a
// no-op.
func (b *LocalBlob) Download(ctx context.Context, path string) error {
	if b.path() == path {
		return nil
	}
	data, err := b.Get(ctx)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating parent directories for %q: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}

// CopyFromIsMultipart reports false: local file copies never spawn
// server-side work.
func (b *LocalBlob) CopyFromIsMultipart(src *LocalBlob) bool { return false }

// CopyFrom copies another local file's bytes.
func (b *LocalBlob) CopyFrom(ctx context.Context, src *LocalBlob) error {
	if b.path() == src.path() {
		return nil
	}
	data, err := src.Get(ctx)
	if err != nil {
		return err
	}
	return b.Put(ctx, data)
}

// Parts implements Blob with sequential seek-based reads.
func (b *LocalBlob) Parts(ctx context.Context) (PartIterator, error) {
	info, err := os.Stat(b.path())
	if err != nil {
		return nil, b.wrapErr(err)
	}
	f, err := os.Open(b.path())
	if err != nil {
		return nil, b.wrapErr(err)
	}
	size := info.Size()
	chunkSize := GetS3MultipartChunkSize(size)
	return &localPartIterator{
		file:      f,
		size:      size,
		chunkSize: chunkSize,
		nParts:    numberOfParts(size, chunkSize),
	}, nil
}

type localPartIterator struct {
	file      *os.File
	size      int64
	chunkSize int64
	nParts    int64
	next      int64
}

func (it *localPartIterator) Size() int64      { return it.size }
func (it *localPartIterator) ChunkSize() int64 { return it.chunkSize }
func (it *localPartIterator) NumParts() int64  { return it.nParts }
func (it *localPartIterator) Close() error     { return it.file.Close() }

func (it *localPartIterator) Next(ctx context.Context) (Part, error) {
	if it.next >= it.nParts {
		return Part{}, io.EOF
	}
	partNumber := it.next
	it.next++
	offset := partNumber * it.chunkSize
	length := it.chunkSize
	if offset+length > it.size {
		length = it.size - offset
	}
	data := make([]byte, length)
	if length > 0 {
		if _, err := it.file.ReadAt(data, offset); err != nil {
			return Part{}, &BlobStoreUnknownError{Err: err}
		}
	}
	return Part{Number: partNumber, Data: data}, nil
}

// MultipartWriter implements Blob: parts are staged as temp files and
// concatenated in ascending part-number order at close.
func (b *LocalBlob) MultipartWriter(ctx context.Context) (MultipartWriter, error) {
	dir := filepath.Join(filepath.Dir(b.path()), ".mpu-"+uid.New()[:8])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &BlobStoreUnknownError{Err: err}
	}
	return &localMultipartWriter{blob: b, dir: dir}, nil
}

type localMultipartWriter struct {
	blob        *LocalBlob
	dir         string
	partNumbers []int64
	closed      bool
}

func (w *localMultipartWriter) partPath(partNumber int64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%06d", partNumber))
}

func (w *localMultipartWriter) PutPart(ctx context.Context, part Part) error {
	if err := os.WriteFile(w.partPath(part.Number), part.Data, 0o644); err != nil {
		return &BlobStoreUnknownError{Err: err}
	}
	w.partNumbers = append(w.partNumbers, part.Number)
	return nil
}

func (w *localMultipartWriter) Close(ctx context.Context) error {
	if w.closed {
		return nil
	}
	w.closed = true
	defer os.RemoveAll(w.dir)
	sort.Slice(w.partNumbers, func(i, j int) bool { return w.partNumbers[i] < w.partNumbers[j] })
	path := w.blob.path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &BlobStoreUnknownError{Err: err}
	}
	f, err := os.Create(path)
	if err != nil {
		return &BlobStoreUnknownError{Err: err}
	}
	for _, n := range w.partNumbers {
		data, err := os.ReadFile(w.partPath(n))
		if err != nil {
			f.Close()
			return &BlobStoreUnknownError{Err: err}
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return &BlobStoreUnknownError{Err: err}
		}
	}
	return f.Close()
}

func (w *localMultipartWriter) Abort(ctx context.Context) error {
	w.closed = true
	return os.RemoveAll(w.dir)
}

// Compile-time contract checks.
var (
	_ BlobStore       = (*LocalBlobStore)(nil)
	_ Blob            = (*LocalBlob)(nil)
	_ PartIterator    = (*localPartIterator)(nil)
	_ MultipartWriter = (*localMultipartWriter)(nil)
)

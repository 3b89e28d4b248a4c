// URL routing: map s3://, gs://, and local paths to the right adapter.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/DataBiosphere/ssds/internal/awsutil"
	"github.com/DataBiosphere/ssds/internal/blobstore"
	"github.com/DataBiosphere/ssds/internal/gcputil"
)

// ParseCloudURL splits an s3:// or gs:// URL into bucket and key.
func ParseCloudURL(url string) (bucket, key string, err error) {
	if !strings.HasPrefix(url, "s3://") && !strings.HasPrefix(url, "gs://") {
		return "", "", fmt.Errorf("expected either 'gs://' or 's3://' url, got %q", url)
	}
	rest := url[len("s3://"):]
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" {
		return "", "", fmt.Errorf("missing key in url %q", url)
	}
	return bucket, key, nil
}

// normalizeLocalPath resolves a local path the way the router treats all
// local URLs: symlinks evaluated where possible, then cleaned and made
// absolute.
func normalizeLocalPath(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		path = resolved
	}
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// BlobForURL returns a blob handle for a single-object URL. Anything that is
// not an s3:// or gs:// URL is treated as a local path.
func BlobForURL(ctx context.Context, url, billingProject string) (blobstore.Blob, error) {
	switch {
	case strings.HasPrefix(url, "s3://"):
		bucket, key, err := ParseCloudURL(url)
		if err != nil {
			return nil, err
		}
		client, err := awsutil.S3Client(ctx)
		if err != nil {
			return nil, err
		}
		return blobstore.NewS3Blob(bucket, key, client), nil
	case strings.HasPrefix(url, "gs://"):
		bucket, key, err := ParseCloudURL(url)
		if err != nil {
			return nil, err
		}
		client, err := gcputil.StorageClient(ctx)
		if err != nil {
			return nil, err
		}
		return blobstore.NewGSBlob(bucket, key, billingProject, blobstore.NewGCSAPI(client)), nil
	default:
		return blobstore.NewLocalBlob("/", strings.TrimPrefix(normalizeLocalPath(url), "/")), nil
	}
}

// BlobStoreForURL returns the store for a prefix URL together with the
// prefix within it.
func BlobStoreForURL(ctx context.Context, url, billingProject string) (prefix string, store blobstore.BlobStore, err error) {
	switch {
	case strings.HasPrefix(url, "s3://"):
		bucket, pfx, err := ParseCloudURL(url)
		if err != nil {
			return "", nil, err
		}
		client, err := awsutil.S3Client(ctx)
		if err != nil {
			return "", nil, err
		}
		return pfx, blobstore.NewS3BlobStore(bucket, client), nil
	case strings.HasPrefix(url, "gs://"):
		bucket, pfx, err := ParseCloudURL(url)
		if err != nil {
			return "", nil, err
		}
		client, err := gcputil.StorageClient(ctx)
		if err != nil {
			return "", nil, err
		}
		return pfx, blobstore.NewGSBlobStore(bucket, billingProject, blobstore.NewGCSAPI(client)), nil
	default:
		pfx := strings.TrimPrefix(normalizeLocalPath(url), "/")
		return pfx, blobstore.NewLocalBlobStore("/"), nil
	}
}

// ListingForURL returns the prefix and a lazy listing of the blobs under a
// prefix URL.
func ListingForURL(ctx context.Context, url, billingProject string) (string, blobstore.BlobIterator, error) {
	prefix, store, err := BlobStoreForURL(ctx, url, billingProject)
	if err != nil {
		return "", nil, err
	}
	return prefix, store.List(ctx, strings.Trim(prefix, "/")), nil
}

// TransformKey replaces the first occurrence of the src prefix in a key with
// the dst prefix; for keys listed under src that occurrence is the leading one.
func TransformKey(srcKey, srcPrefix, dstPrefix string) string {
	return strings.Replace(srcKey, strings.Trim(srcPrefix, "/"), strings.Trim(dstPrefix, "/"), 1)
}

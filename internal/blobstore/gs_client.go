package blobstore

import (
	"context"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// realGCSClient adapts the official GCS client to GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

// NewGCSAPI wraps a cloud storage client as a GCSAPI.
func NewGCSAPI(client *gcs.Client) GCSAPI {
	return &realGCSClient{client: client}
}

func (c *realGCSClient) bucket(name, userProject string) *gcs.BucketHandle {
	h := c.client.Bucket(name)
	if userProject != "" {
		h = h.UserProject(userProject)
	}
	return h
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object, userProject string) (*GCSAttrs, error) {
	attrs, err := c.bucket(bucket, userProject).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return &GCSAttrs{Size: attrs.Size, CRC32C: attrs.CRC32C, Metadata: attrs.Metadata}, nil
}

func (c *realGCSClient) NewRangeReader(ctx context.Context, bucket, object, userProject string, offset, length int64) (io.ReadCloser, error) {
	return c.bucket(bucket, userProject).Object(object).NewRangeReader(ctx, offset, length)
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object, userProject string) io.WriteCloser {
	return c.bucket(bucket, userProject).Object(object).NewWriter(ctx)
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object, userProject string) error {
	return c.bucket(bucket, userProject).Object(object).Delete(ctx)
}

func (c *realGCSClient) Rewrite(ctx context.Context, srcBucket, srcObject, dstBucket, dstObject, userProject string) error {
	src := c.bucket(srcBucket, userProject).Object(srcObject)
	dst := c.bucket(dstBucket, userProject).Object(dstObject)
	copier := dst.CopierFrom(src)
	// Copier.Run iterates rewrite tokens internally until the copy is done.
	_, err := copier.Run(ctx)
	return err
}

func (c *realGCSClient) Compose(ctx context.Context, bucket, dstObject string, srcObjects []string, userProject string) error {
	h := c.bucket(bucket, userProject)
	srcs := make([]*gcs.ObjectHandle, len(srcObjects))
	for i, name := range srcObjects {
		srcs[i] = h.Object(name)
	}
	_, err := h.Object(dstObject).ComposerFrom(srcs...).Run(ctx)
	return err
}

func (c *realGCSClient) UpdateMetadata(ctx context.Context, bucket, object, userProject string, metadata map[string]string) error {
	_, err := c.bucket(bucket, userProject).Object(object).Update(ctx, gcs.ObjectAttrsToUpdate{Metadata: metadata})
	return err
}

func (c *realGCSClient) Objects(ctx context.Context, bucket, prefix, userProject string) ObjectNameIterator {
	it := c.bucket(bucket, userProject).Objects(ctx, &gcs.Query{Prefix: prefix})
	return &gcsNameIterator{it: it}
}

type gcsNameIterator struct {
	it *gcs.ObjectIterator
}

func (n *gcsNameIterator) Next() (string, error) {
	attrs, err := n.it.Next()
	if err != nil {
		if err == iterator.Done {
			return "", io.EOF
		}
		return "", err
	}
	return attrs.Name, nil
}

var _ GCSAPI = (*realGCSClient)(nil)

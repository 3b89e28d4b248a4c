// Package storage is the cloud-agnostic copy engine. It decides, per
// source/destination pair, whether a transfer runs as a server-side copy, a
// single-request passthrough, or a chunked multipart passthrough; pipelines
// many transfers concurrently; computes and verifies cross-cloud checksums;
// and stores them as object tags.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/DataBiosphere/ssds/internal/blobstore"
	"github.com/DataBiosphere/ssds/internal/checksum"
	"github.com/DataBiosphere/ssds/internal/concurrency"
	"github.com/DataBiosphere/ssds/internal/metrics"
)

// MissingChecksumError reports a destination lacking its required canonical
// checksum tag.
type MissingChecksumError struct {
	Tag    string
	SrcURL string
}

func (e *MissingChecksumError) Error() string {
	return fmt.Sprintf("missing %s tag for %s", e.Tag, e.SrcURL)
}

// IncorrectChecksumError reports a checksum tag disagreeing with the
// destination's cloud-native checksum.
type IncorrectChecksumError struct {
	Name   string
	SrcURL string
	DstURL string
}

func (e *IncorrectChecksumError) Error() string {
	return fmt.Sprintf("incorrect %s for %s -> %s", e.Name, e.SrcURL, e.DstURL)
}

// Completion reports the outcome of one transfer. Err is nil on success; on
// failure the partial destination is left for the caller to observe or
// delete.
type Completion struct {
	Src blobstore.Blob
	Dst blobstore.Blob
	Err error
}

// Transfer methods, for logs and metrics.
const (
	methodDownload  = "download"
	methodIntra     = "intra"
	methodOneshot   = "oneshot"
	methodMultipart = "multipart"
)

// CopyClient pipelines transfers through the concurrency fabric. Copy and
// CopyComputeChecksums enqueue work; Completed drains finished transfers;
// Close blocks until everything in flight has finished.
//
// A client is owned by a single producing goroutine. The engine publishes
// at-most-once completion per (src, dst) pair and never retries; retries
// live in the adapters at the HTTP level.
type CopyClient struct {
	// IgnoreMissingChecksums downgrades a missing (not incorrect) checksum
	// tag to a warning.
	IgnoreMissingChecksums bool

	tasks     *concurrency.AsyncSet[Completion]
	completed []Completion
}

// NewCopyClient returns a client scheduling up to 10 concurrent transfers on
// the process-wide executor.
func NewCopyClient() *CopyClient {
	return &CopyClient{
		tasks: concurrency.NewAsyncSet[Completion](concurrency.Default(), 10),
	}
}

type copyFunc func(ctx context.Context) (map[string]string, error)

// Copy schedules a best-effort smart copy from src to dst, server-side when
// possible. Checksums are computed for local sources.
func (c *CopyClient) Copy(ctx context.Context, src, dst blobstore.Blob) {
	exists, err := src.Exists(ctx)
	if err == nil && !exists {
		err = &blobstore.BlobNotFoundError{URL: src.URL()}
	}
	if err != nil {
		slog.Error("failed to copy: source does not exist", "src", src.URL(), "dst", dst.URL())
		c.completed = append(c.completed, Completion{Src: src, Dst: dst, Err: err})
		return
	}
	if dstLocal, ok := dst.(*blobstore.LocalBlob); ok {
		c.enqueue(ctx, methodDownload, src, dst, func(ctx context.Context) (map[string]string, error) {
			return map[string]string{}, src.Download(ctx, dstLocal.URL())
		})
		return
	}
	if sameStore(src, dst) {
		c.copyIntraCloud(ctx, src, dst)
		return
	}
	size, err := src.Size(ctx)
	if err != nil {
		c.completed = append(c.completed, Completion{Src: src, Dst: dst, Err: err})
		return
	}
	_, srcLocal := src.(*blobstore.LocalBlob)
	if size <= blobstore.GetS3MultipartChunkSize(size) {
		c.enqueue(ctx, methodOneshot, src, dst, func(ctx context.Context) (map[string]string, error) {
			return copyOneshotPassthrough(ctx, src, dst, srcLocal)
		})
	} else {
		// Multipart passthrough already fans out on the fabric; run it on
		// the submitting goroutine.
		c.run(ctx, methodMultipart, src, dst, func(ctx context.Context) (map[string]string, error) {
			return copyMultipartPassthrough(ctx, src, dst, srcLocal)
		})
	}
}

// CopyComputeChecksums schedules a copy that always streams bytes through the
// local process, computing both canonical checksums on the fly. dst must be a
// cloud blob.
func (c *CopyClient) CopyComputeChecksums(ctx context.Context, src, dst blobstore.Blob) {
	size, err := src.Size(ctx)
	if err != nil {
		c.completed = append(c.completed, Completion{Src: src, Dst: dst, Err: err})
		return
	}
	if size <= blobstore.GetS3MultipartChunkSize(size) {
		c.enqueue(ctx, methodOneshot, src, dst, func(ctx context.Context) (map[string]string, error) {
			return copyOneshotPassthrough(ctx, src, dst, true)
		})
	} else {
		c.run(ctx, methodMultipart, src, dst, func(ctx context.Context) (map[string]string, error) {
			return copyMultipartPassthrough(ctx, src, dst, true)
		})
	}
}

// copyIntraCloud dispatches a same-store server-side copy. When the copy
// itself spawns server-side multipart work it runs on the submitting
// goroutine; otherwise it is queued through the fabric.
func (c *CopyClient) copyIntraCloud(ctx context.Context, src, dst blobstore.Blob) {
	var isMultipart bool
	var fn copyFunc
	switch d := dst.(type) {
	case *blobstore.S3Blob:
		s := src.(*blobstore.S3Blob)
		mp, err := d.CopyFromIsMultipart(ctx, s)
		if err != nil {
			c.completed = append(c.completed, Completion{Src: src, Dst: dst, Err: err})
			return
		}
		isMultipart = mp
		fn = func(ctx context.Context) (map[string]string, error) {
			if err := d.CopyFrom(ctx, s); err != nil {
				return nil, err
			}
			return src.GetTags(ctx)
		}
	case *blobstore.GSBlob:
		s := src.(*blobstore.GSBlob)
		isMultipart = d.CopyFromIsMultipart(s)
		fn = func(ctx context.Context) (map[string]string, error) {
			if err := d.CopyFrom(ctx, s); err != nil {
				return nil, err
			}
			return src.GetTags(ctx)
		}
	default:
		c.completed = append(c.completed, Completion{Src: src, Dst: dst,
			Err: fmt.Errorf("unsupported intra-store copy for %s", dst.URL())})
		return
	}
	if isMultipart {
		c.run(ctx, methodIntra, src, dst, fn)
	} else {
		c.enqueue(ctx, methodIntra, src, dst, fn)
	}
}

// enqueue schedules doCopy on the fabric.
func (c *CopyClient) enqueue(ctx context.Context, method string, src, dst blobstore.Blob, fn copyFunc) {
	c.drainFinished()
	c.tasks.Put(func() (Completion, error) {
		return c.doCopy(ctx, method, src, dst, fn), nil
	})
}

// run executes doCopy synchronously on the submitting goroutine.
func (c *CopyClient) run(ctx context.Context, method string, src, dst blobstore.Blob, fn copyFunc) {
	c.completed = append(c.completed, c.doCopy(ctx, method, src, dst, fn))
}

// doCopy executes one transfer through its VERIFY and TAG stages and returns
// its completion.
func (c *CopyClient) doCopy(ctx context.Context, method string, src, dst blobstore.Blob, fn copyFunc) Completion {
	err := func() error {
		tags, err := fn(ctx)
		if err != nil {
			return err
		}
		if _, local := dst.(*blobstore.LocalBlob); local {
			return nil
		}
		if len(tags) == 0 {
			if tags, err = src.GetTags(ctx); err != nil {
				return err
			}
		}
		if err := VerifyChecksums(ctx, src.URL(), dst, tags, c.IgnoreMissingChecksums); err != nil {
			return err
		}
		return dst.PutTags(ctx, tags)
	}()
	outcome := "ok"
	if err != nil {
		outcome = "error"
		slog.Error("failed to copy", "src", src.URL(), "dst", dst.URL(), "error", err)
	} else {
		slog.Info("copied", "src", src.URL(), "dst", dst.URL(), "method", method)
	}
	metrics.TransfersTotal.WithLabelValues(method, outcome).Inc()
	return Completion{Src: src, Dst: dst, Err: err}
}

func (c *CopyClient) drainFinished() {
	for _, res := range c.tasks.ConsumeFinished() {
		// Task errors are folded into completions; res.Err is always nil.
		c.completed = append(c.completed, res.Value)
	}
}

// Completed returns the transfers that have finished since the last call,
// in completion order, without blocking on work still in flight.
func (c *CopyClient) Completed() []Completion {
	c.drainFinished()
	out := c.completed
	c.completed = nil
	return out
}

// Close blocks until every scheduled transfer has finished. Completions not
// yet drained remain available from Completed.
func (c *CopyClient) Close() {
	for _, res := range c.tasks.Consume() {
		c.completed = append(c.completed, res.Value)
	}
}

// sameStore reports whether two blobs live in the same kind of store.
func sameStore(a, b blobstore.Blob) bool {
	switch a.(type) {
	case *blobstore.S3Blob:
		_, ok := b.(*blobstore.S3Blob)
		return ok
	case *blobstore.GSBlob:
		_, ok := b.(*blobstore.GSBlob)
		return ok
	case *blobstore.LocalBlob:
		_, ok := b.(*blobstore.LocalBlob)
		return ok
	}
	return false
}

// VerifyChecksums checks the canonical checksum tag required by the
// destination store against its cloud-native checksum. A missing tag is an
// error unless ignoreMissing; a mismatched value always is.
func VerifyChecksums(ctx context.Context, srcURL string, dst blobstore.Blob, tags map[string]string, ignoreMissing bool) error {
	var name, tag string
	switch dst.(type) {
	case *blobstore.S3Blob:
		name, tag = "S3 ETag", blobstore.TagSSDSMD5
	case *blobstore.GSBlob:
		name, tag = "GS crc32c", blobstore.TagSSDSCRC32C
	default:
		return nil
	}
	expected, ok := tags[tag]
	if !ok {
		if ignoreMissing {
			slog.Warn("missing checksum tag", "tag", tag, "src", srcURL)
			return nil
		}
		metrics.ChecksumFailuresTotal.WithLabelValues("missing").Inc()
		return &MissingChecksumError{Tag: tag, SrcURL: srcURL}
	}
	native, err := dst.CloudNativeChecksum(ctx)
	if err != nil {
		return err
	}
	if expected != native {
		metrics.ChecksumFailuresTotal.WithLabelValues("incorrect").Inc()
		return &IncorrectChecksumError{Name: name, SrcURL: srcURL, DstURL: dst.URL()}
	}
	return nil
}

// copyOneshotPassthrough moves the whole object through the local process in
// one request each way, optionally computing both canonical checksums.
func copyOneshotPassthrough(ctx context.Context, src, dst blobstore.Blob, computeChecksums bool) (map[string]string, error) {
	data, err := src.Get(ctx)
	if err != nil {
		return nil, err
	}
	var tags map[string]string
	if computeChecksums {
		tags = map[string]string{
			blobstore.TagSSDSMD5:    checksum.MD5Hex(data),
			blobstore.TagSSDSCRC32C: checksum.GCSBase64CRC32C(data),
		}
	}
	if err := dst.Put(ctx, data); err != nil {
		return nil, err
	}
	metrics.TransferBytes.WithLabelValues(methodOneshot).Observe(float64(len(data)))
	return tags, nil
}

// copyMultipartPassthrough pipes source parts into the destination's
// multipart writer. Parts may arrive in any order; the unordered checksum
// accumulators and the writer both restore ascending order.
func copyMultipartPassthrough(ctx context.Context, src, dst blobstore.Blob, computeChecksums bool) (map[string]string, error) {
	parts, err := src.Parts(ctx)
	if err != nil {
		return nil, err
	}
	defer parts.Close()
	writer, err := dst.MultipartWriter(ctx)
	if err != nil {
		return nil, err
	}
	var etag *checksum.S3EtagUnordered
	var crc *checksum.GSCrc32cUnordered
	if computeChecksums {
		etag = checksum.NewS3EtagUnordered()
		crc = checksum.NewGSCrc32cUnordered()
	}
	var total int64
	for {
		part, err := parts.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writer.Abort(ctx)
			return nil, err
		}
		if computeChecksums {
			etag.Update(part.Number, part.Data)
			crc.Update(part.Number, part.Data)
		}
		total += int64(len(part.Data))
		if err := writer.PutPart(ctx, part); err != nil {
			writer.Abort(ctx)
			return nil, err
		}
	}
	if err := writer.Close(ctx); err != nil {
		writer.Abort(ctx)
		return nil, err
	}
	metrics.TransferBytes.WithLabelValues(methodMultipart).Observe(float64(total))
	if !computeChecksums {
		return nil, nil
	}
	return map[string]string{
		blobstore.TagSSDSMD5:    etag.HexDigest(),
		blobstore.TagSSDSCRC32C: crc.HexDigest(),
	}, nil
}

// Copy runs a single smart copy to completion and returns its error.
func Copy(ctx context.Context, src, dst blobstore.Blob) error {
	client := NewCopyClient()
	client.Copy(ctx, src, dst)
	client.Close()
	return firstError(client.Completed())
}

// CopyComputeChecksums runs a single checksum-computing copy to completion
// and returns its error.
func CopyComputeChecksums(ctx context.Context, src, dst blobstore.Blob) error {
	client := NewCopyClient()
	client.CopyComputeChecksums(ctx, src, dst)
	client.Close()
	return firstError(client.Completed())
}

func firstError(completions []Completion) error {
	for _, completion := range completions {
		if completion.Err != nil {
			return completion.Err
		}
	}
	return nil
}

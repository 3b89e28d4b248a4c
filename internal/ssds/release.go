package ssds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/DataBiosphere/ssds/internal/awsutil"
	"github.com/DataBiosphere/ssds/internal/gcputil"
	"github.com/DataBiosphere/ssds/internal/storage"
)

// timestampLayout matches the manifest timestamp form
// (UTC, microsecond precision).
const timestampLayout = "2006-01-02T150405.000000Z"

// Timestamp formats t for manifest keys and fields.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// ParseTimestamp is the inverse of Timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(timestampLayout, s)
}

// manifestPrefix is the submission-relative directory release manifests are
// written under.
const manifestPrefix = "release-transfer-manifests"

// Identity resolvers, swappable in tests.
var (
	awsIdentity = awsutil.Identity
	gcpIdentity = gcputil.Identity
)

// Transfer is one requested release copy, by URL.
type Transfer struct {
	SrcURL string
	DstURL string
}

// TransferEntry records one realized release copy, by key.
type TransferEntry struct {
	SrcKey string `json:"src_key"`
	DstKey string `json:"dst_key"`
}

// ReleaseManifest is the JSON artifact persisted alongside a release.
type ReleaseManifest struct {
	SubmissionID   string          `json:"submission_id"`
	SrcBucket      string          `json:"src_bucket"`
	DstBucket      string          `json:"dst_bucket"`
	AWSIdentity    string          `json:"aws_identity"`
	GCPIdentity    string          `json:"gcp_identity"`
	StartTimestamp string          `json:"start_timestamp"`
	EndTimestamp   string          `json:"end_timestamp"`
	TransferMap    []TransferEntry `json:"transfer_map"`
}

// Release copies curated submission objects into the release prefix and
// writes a manifest into the source submission, only when at least one
// transfer succeeded.
//
// Every transfer's source must live under the submission in src's bucket and
// every destination under the release prefix in dst's bucket; duplicates in
// either direction and cross-bucket entries are rejected before any bytes
// move.
func Release(ctx context.Context, submissionID string, src, dst *SSDS, transfers []Transfer) (*ReleaseManifest, error) {
	name, err := src.GetSubmissionName(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("unknown submission %q", submissionID)
	}
	submissionPrefix := src.blobstoreKey(submissionID + NameDelimiter + name)

	type plannedTransfer struct {
		srcKey string
		dstKey string
	}
	planned := make([]plannedTransfer, 0, len(transfers))
	seenSrc := make(map[string]bool, len(transfers))
	seenDst := make(map[string]bool, len(transfers))
	for _, t := range transfers {
		srcBucket, srcKey, err := storage.ParseCloudURL(t.SrcURL)
		if err != nil {
			return nil, err
		}
		dstBucket, dstKey, err := storage.ParseCloudURL(t.DstURL)
		if err != nil {
			return nil, err
		}
		if srcBucket != src.Store.Bucket() {
			return nil, fmt.Errorf("source %s is not in bucket %s", t.SrcURL, src.Store.Bucket())
		}
		if dstBucket != dst.Store.Bucket() {
			return nil, fmt.Errorf("destination %s is not in bucket %s", t.DstURL, dst.Store.Bucket())
		}
		if !strings.HasPrefix(srcKey, submissionPrefix+"/") {
			return nil, fmt.Errorf("source %s is not part of submission %s", t.SrcURL, submissionID)
		}
		if !strings.HasPrefix(dstKey, ReleasePrefix+"/") {
			return nil, fmt.Errorf("destination %s is not under the %s/ prefix", t.DstURL, ReleasePrefix)
		}
		if seenSrc[srcKey] {
			return nil, fmt.Errorf("duplicate source %s", t.SrcURL)
		}
		if seenDst[dstKey] {
			return nil, fmt.Errorf("duplicate destination %s", t.DstURL)
		}
		seenSrc[srcKey] = true
		seenDst[dstKey] = true
		planned = append(planned, plannedTransfer{srcKey: srcKey, dstKey: dstKey})
	}

	manifest := &ReleaseManifest{
		SubmissionID:   submissionID,
		SrcBucket:      src.Store.Bucket(),
		DstBucket:      dst.Store.Bucket(),
		StartTimestamp: Timestamp(time.Now()),
		TransferMap:    []TransferEntry{},
	}
	if identity, err := awsIdentity(ctx); err == nil {
		manifest.AWSIdentity = identity
	} else {
		slog.Warn("could not resolve AWS identity", "error", err)
	}
	if identity, err := gcpIdentity(ctx); err == nil {
		manifest.GCPIdentity = identity
	} else {
		slog.Warn("could not resolve GCP identity", "error", err)
	}

	client := storage.NewCopyClient()
	keyPairs := make(map[string]plannedTransfer, len(planned))
	for _, p := range planned {
		srcBlob := src.Store.Blob(p.srcKey)
		dstBlob := dst.Store.Blob(p.dstKey)
		keyPairs[dstBlob.URL()] = p
		client.Copy(ctx, srcBlob, dstBlob)
	}
	client.Close()
	for _, completion := range client.Completed() {
		p := keyPairs[completion.Dst.URL()]
		if completion.Err != nil {
			slog.Error("release transfer failed", "src_key", p.srcKey, "dst_key", p.dstKey, "error", completion.Err)
			continue
		}
		manifest.TransferMap = append(manifest.TransferMap, TransferEntry{SrcKey: p.srcKey, DstKey: p.dstKey})
	}
	manifest.EndTimestamp = Timestamp(time.Now())

	if len(manifest.TransferMap) == 0 {
		return manifest, errors.New("no release transfers succeeded; manifest not written")
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		return nil, err
	}
	manifestKey := fmt.Sprintf("%s/%s/%s", submissionPrefix, manifestPrefix, manifest.StartTimestamp)
	if err := src.Store.Blob(manifestKey).Put(ctx, data); err != nil {
		return nil, fmt.Errorf("writing release manifest: %w", err)
	}
	slog.Info("release complete", "submission_id", submissionID,
		"transfers", len(manifest.TransferMap), "manifest", manifestKey)
	return manifest, nil
}

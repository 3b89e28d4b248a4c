// Package ssds is the submission layout service. It enforces submission
// naming rules and the cross-cloud key-length ceiling, composes submission
// keys, and drives the copy engine for upload, sync, and release.
//
// Key layout:
//
//	Staging:  submissions/<submission_id>--<name>/<relpath>
//	Release:  working/<arbitrary>           (destinations provided by caller)
//
// The id/name delimiter is "--" so native CLIs list one submission per
// logical row.
package ssds

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/DataBiosphere/ssds/internal/blobstore"
	"github.com/DataBiosphere/ssds/internal/storage"
)

// NameDelimiter separates the submission id from its human-readable name.
const NameDelimiter = "--"

// DefaultPrefix groups all submissions in a staging deployment.
const DefaultPrefix = "submissions"

// ReleasePrefix is the destination prefix release transfers must land under.
const ReleasePrefix = "working"

// SSDS is a submission service over one bucket-scoped blob store.
type SSDS struct {
	// Store is the staging store.
	Store blobstore.BlobStore
	// Prefix is the listing prefix, normally "submissions".
	Prefix string
	// BillingProject forwards requester-pays billing for gs:// source URLs.
	BillingProject string
}

// New returns a service over store with the default submissions prefix.
func New(store blobstore.BlobStore) *SSDS {
	return &SSDS{Store: store, Prefix: DefaultPrefix}
}

// KeyResult is one completed upload or sync item: the destination key, and
// Err when that item's transfer failed. A failed item does not end the
// stream.
type KeyResult struct {
	Key string
	Err error
}

// validateName rejects names containing a space or the id/name delimiter.
func validateName(name string) error {
	if strings.Contains(name, " ") {
		return fmt.Errorf("submission name must not contain spaces: %q", name)
	}
	if strings.Contains(name, NameDelimiter) {
		return fmt.Errorf("submission name must not contain %q: %q", NameDelimiter, name)
	}
	return nil
}

// resolveName applies the naming rules: a new submission requires a name; an
// existing submission's name may be omitted but never changed.
func (s *SSDS) resolveName(ctx context.Context, submissionID, name string) (string, error) {
	existing, err := s.GetSubmissionName(ctx, submissionID)
	if err != nil {
		return "", err
	}
	if name == "" {
		if existing == "" {
			return "", errors.New("must provide name for new submissions")
		}
		return existing, nil
	}
	if existing != "" && existing != name {
		return "", errors.New("cannot update name of existing submission")
	}
	if err := validateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// composeSSDSKey builds "<id>--<name>/<relpath>" and enforces the key-length
// ceiling on the full blobstore key.
func (s *SSDS) composeSSDSKey(submissionID, name, relpath string) (string, error) {
	ssdsKey := submissionID + NameDelimiter + name + "/" + strings.Trim(relpath, "/")
	key := s.blobstoreKey(ssdsKey)
	if len(key) >= blobstore.MaxKeyLength {
		return "", fmt.Errorf("total key length must be less than %d characters: %s is too long; use a shorter submission name",
			blobstore.MaxKeyLength, key)
	}
	return ssdsKey, nil
}

func (s *SSDS) blobstoreKey(ssdsKey string) string {
	return s.Prefix + "/" + ssdsKey
}

// ComposeBlobstoreURL returns the canonical URL of an ssds key in this
// deployment.
func (s *SSDS) ComposeBlobstoreURL(ssdsKey string) string {
	if s.Store.Schema() == "" {
		return path.Join(s.Store.Bucket(), s.blobstoreKey(ssdsKey))
	}
	return fmt.Sprintf("%s%s/%s", s.Store.Schema(), s.Store.Bucket(), s.blobstoreKey(ssdsKey))
}

// parseSSDSKey splits a blobstore key into (submissionID, name, rest).
// Keys that do not parse report ok=false and are skipped by listings.
func (s *SSDS) parseSSDSKey(key string) (submissionID, name, rest string, ok bool) {
	ssdsKey := strings.TrimPrefix(key, s.Prefix+"/")
	submissionID, remainder, found := strings.Cut(ssdsKey, NameDelimiter)
	if !found {
		return "", "", "", false
	}
	name, rest, found = strings.Cut(remainder, "/")
	if !found {
		return "", "", "", false
	}
	return submissionID, name, rest, true
}

// Submission is one (id, name) pair from a listing.
type Submission struct {
	ID   string
	Name string
}

// List scans the submissions prefix and yields each submission once, keeping
// the first observed name per id. Keys that do not parse are skipped.
func (s *SSDS) List(ctx context.Context) ([]Submission, error) {
	seen := make(map[string]bool)
	var out []Submission
	listing := s.Store.List(ctx, s.Prefix)
	for {
		blob, err := listing.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		id, name, _, ok := s.parseSSDSKey(blob.Key())
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, Submission{ID: id, Name: name})
	}
}

// ListSubmission yields the ssds keys of every object under a submission.
func (s *SSDS) ListSubmission(ctx context.Context, submissionID string) ([]string, error) {
	var out []string
	listing := s.Store.List(ctx, s.Prefix+"/"+submissionID)
	for {
		blob, err := listing.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, strings.TrimPrefix(blob.Key(), s.Prefix+"/"))
	}
}

// GetSubmissionName reads the name of an existing submission from its first
// object, or "" when the submission does not exist.
func (s *SSDS) GetSubmissionName(ctx context.Context, submissionID string) (string, error) {
	listing := s.Store.List(ctx, s.Prefix+"/"+submissionID)
	blob, err := listing.Next(ctx)
	if errors.Is(err, io.EOF) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	_, name, _, ok := s.parseSSDSKey(blob.Key())
	if !ok {
		return "", nil
	}
	return name, nil
}

// GetSubmissionPrefix returns "<prefix>/<id>--<name>" for an existing
// submission.
func (s *SSDS) GetSubmissionPrefix(ctx context.Context, submissionID string) (string, error) {
	name, err := s.GetSubmissionName(ctx, submissionID)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", &blobstore.BlobNotFoundError{URL: s.ComposeBlobstoreURL(submissionID)}
	}
	return s.blobstoreKey(submissionID + NameDelimiter + name), nil
}

// uploadItem pairs a source blob with its destination ssds key.
type uploadItem struct {
	src     blobstore.Blob
	ssdsKey string
}

// Upload copies a directory tree (local path, s3://, or gs:// prefix) into
// the submission, computing checksums during transfer, and yields destination
// ssds keys as they complete. Naming rules and the key-length ceiling are
// validated before any bytes move.
func (s *SSDS) Upload(ctx context.Context, srcURL, submissionID, name, subdir string) (<-chan KeyResult, error) {
	items, err := s.prepareUpload(ctx, srcURL, submissionID, name, subdir)
	if err != nil {
		return nil, err
	}
	out := make(chan KeyResult)
	go func() {
		defer close(out)
		s.runCopies(ctx, items, out)
	}()
	return out, nil
}

// prepareUpload resolves naming, walks the source listing, and composes and
// validates every destination key.
func (s *SSDS) prepareUpload(ctx context.Context, srcURL, submissionID, name, subdir string) ([]uploadItem, error) {
	resolved, err := s.resolveName(ctx, submissionID, name)
	if err != nil {
		return nil, err
	}
	srcPrefix, listing, err := storage.ListingForURL(ctx, srcURL, s.BillingProject)
	if err != nil {
		return nil, err
	}
	subdir = strings.Trim(subdir, "/")
	var items []uploadItem
	for {
		blob, err := listing.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		relpath := strings.Trim(strings.TrimPrefix(blob.Key(), strings.Trim(srcPrefix, "/")), "/")
		if relpath == "" {
			// The source URL named a single object rather than a prefix.
			relpath = path.Base(blob.Key())
		}
		if subdir != "" {
			relpath = subdir + "/" + relpath
		}
		ssdsKey, err := s.composeSSDSKey(submissionID, resolved, relpath)
		if err != nil {
			return nil, err
		}
		items = append(items, uploadItem{src: blob, ssdsKey: ssdsKey})
	}
	return items, nil
}

// runCopies drives the copy engine over items, sending each destination's
// ssds key as its transfer completes.
func (s *SSDS) runCopies(ctx context.Context, items []uploadItem, out chan<- KeyResult) {
	client := storage.NewCopyClient()
	keysByDstURL := make(map[string]string, len(items))
	emit := func(completions []storage.Completion) {
		for _, completion := range completions {
			if completion.Err != nil {
				out <- KeyResult{Key: keysByDstURL[completion.Dst.URL()], Err: completion.Err}
				continue
			}
			out <- KeyResult{Key: keysByDstURL[completion.Dst.URL()]}
		}
	}
	for _, item := range items {
		dst := s.Store.Blob(s.blobstoreKey(item.ssdsKey))
		keysByDstURL[dst.URL()] = item.ssdsKey
		client.CopyComputeChecksums(ctx, item.src, dst)
		emit(client.Completed())
	}
	client.Close()
	emit(client.Completed())
}

// CopyOne copies a single object into the submission at submissionPath,
// computing checksums during transfer, and returns the destination ssds key.
func (s *SSDS) CopyOne(ctx context.Context, srcURL, submissionID, name, submissionPath string) (string, error) {
	resolved, err := s.resolveName(ctx, submissionID, name)
	if err != nil {
		return "", err
	}
	ssdsKey, err := s.composeSSDSKey(submissionID, resolved, submissionPath)
	if err != nil {
		return "", err
	}
	src, err := storage.BlobForURL(ctx, srcURL, s.BillingProject)
	if err != nil {
		return "", err
	}
	dst := s.Store.Blob(s.blobstoreKey(ssdsKey))
	if err := storage.CopyComputeChecksums(ctx, src, dst); err != nil {
		return "", err
	}
	return ssdsKey, nil
}

// tagsEqual reports whether two tag maps hold the same entries.
func tagsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// Sync copies everything under a submission from src to dst, skipping
// objects whose destination already exists with identical tags, and yields
// the full destination keys of the objects actually transferred. A non-empty
// subdir restricts the sync to keys containing it.
//
// The already-synced check is an optimization, not an interlock: racing
// syncs on the same key are byte-equivalent, last writer wins on tags.
func Sync(ctx context.Context, submissionID string, src, dst *SSDS, subdir string) (<-chan KeyResult, error) {
	ssdsKeys, err := src.ListSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	subdir = strings.Trim(subdir, "/")
	out := make(chan KeyResult)
	go func() {
		defer close(out)
		client := storage.NewCopyClient()
		keysByDstURL := make(map[string]string)
		emit := func(completions []storage.Completion) {
			for _, completion := range completions {
				out <- KeyResult{Key: keysByDstURL[completion.Dst.URL()], Err: completion.Err}
			}
		}
		for _, ssdsKey := range ssdsKeys {
			if subdir != "" && !strings.Contains(ssdsKey, subdir) {
				continue
			}
			srcBlob := src.Store.Blob(src.blobstoreKey(ssdsKey))
			dstBlob := dst.Store.Blob(dst.blobstoreKey(ssdsKey))
			synced, err := alreadySynced(ctx, srcBlob, dstBlob)
			if err != nil {
				out <- KeyResult{Key: dst.blobstoreKey(ssdsKey), Err: err}
				continue
			}
			if synced {
				slog.Info("already synced", "key", ssdsKey)
				continue
			}
			keysByDstURL[dstBlob.URL()] = dst.blobstoreKey(ssdsKey)
			client.Copy(ctx, srcBlob, dstBlob)
			emit(client.Completed())
		}
		client.Close()
		emit(client.Completed())
	}()
	return out, nil
}

// alreadySynced reports whether dst exists with tags identical to src's.
func alreadySynced(ctx context.Context, src, dst blobstore.Blob) (bool, error) {
	exists, err := dst.Exists(ctx)
	if err != nil || !exists {
		return false, err
	}
	srcTags, err := src.GetTags(ctx)
	if err != nil {
		return false, err
	}
	dstTags, err := dst.GetTags(ctx)
	if err != nil {
		var notFound *blobstore.BlobNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	return tagsEqual(srcTags, dstTags), nil
}

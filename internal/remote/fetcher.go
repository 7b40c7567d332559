package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go-drive-transfer/internal/helpers"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// Fetcher errors
var (
	ErrHashMismatch = errors.New("downloaded file hash mismatch")
	ErrHttpStatus   = errors.New("unexpected HTTP status code")
	ErrHttpRequest  = errors.New("HTTP request creation/execution error")
	ErrStorage      = errors.New("cache storage error")
)

// HashHeader carries the hex BLAKE3 digest of a revision, when the server knows it.
const HashHeader = "X-Content-Blake3"

// ObjectKey is the cache key of one file revision.
func ObjectKey(volumeID, fileID, revisionID string) string {
	return path.Join(volumeID, fileID, revisionID)
}

// Fetcher downloads file revisions from the remote API into a blob bucket.
type Fetcher struct {
	client  *http.Client
	baseURL string
	bucket  *blob.Bucket
}

// NewFetcher creates a Fetcher. A nil client gets a default one with a 15 minute timeout.
func NewFetcher(client *http.Client, baseURL string, bucket *blob.Bucket) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Minute}
	}
	return &Fetcher{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		bucket:  bucket,
	}
}

func (f *Fetcher) revisionURL(volumeID, fileID, revisionID string) string {
	return fmt.Sprintf("%s/volumes/%s/files/%s/revisions/%s", f.baseURL,
		url.PathEscape(volumeID), url.PathEscape(fileID), url.PathEscape(revisionID))
}

// DownloadFile streams a revision into the bucket, reporting progress as a share of
// Content-Length. Nothing is left in the bucket when it fails.
func (f *Fetcher) DownloadFile(ctx context.Context, volumeID, fileID, revisionID string, progress func(percent float64)) error {
	logger := log.WithFields(log.Fields{"volume": volumeID, "file": fileID, "revision": revisionID})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.revisionURL(volumeID, fileID, revisionID), nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHttpRequest, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHttpRequest, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %d %s", ErrHttpStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	key := ObjectKey(volumeID, fileID, revisionID)
	writeCtx, abort := context.WithCancel(ctx)
	defer abort()

	w, err := f.bucket.NewWriter(writeCtx, key, &blob.WriterOptions{ContentType: resp.Header.Get("Content-Type")})
	if err != nil {
		return fmt.Errorf("%w: opening %s: %w", ErrStorage, key, err)
	}

	hasher := blake3.New()
	counter := &helpers.CounterWriter{
		Writer: io.MultiWriter(w, hasher),
		OnWrite: func(total uint64) {
			if progress != nil && resp.ContentLength > 0 {
				progress(helpers.Percent(total, resp.ContentLength))
			}
		},
	}

	fail := func(err error) error {
		// Cancelling the writer context before Close discards the object.
		abort()
		_ = w.Close()
		f.removePartial(key)
		return err
	}

	if _, err := io.Copy(counter, resp.Body); err != nil {
		return fail(fmt.Errorf("%w: streaming %s: %w", ErrHttpRequest, key, err))
	}
	if resp.ContentLength > 0 && int64(counter.Total) != resp.ContentLength {
		return fail(fmt.Errorf("%w: got %d of %d bytes", ErrHttpRequest, counter.Total, resp.ContentLength))
	}
	if expected := resp.Header.Get(HashHeader); expected != "" && !helpers.HashMatches(expected, hasher.Sum(nil)) {
		return fail(fmt.Errorf("%w: %s", ErrHashMismatch, key))
	}
	if err := w.Close(); err != nil {
		f.removePartial(key)
		return fmt.Errorf("%w: closing %s: %w", ErrStorage, key, err)
	}

	if progress != nil {
		progress(100)
	}
	logger.WithField("size", helpers.BytesToSize(counter.Total)).Info("Revision downloaded")
	return nil
}

// Exists reports whether any revision of a file is in the bucket.
func (f *Fetcher) Exists(ctx context.Context, volumeID, fileID string) (bool, error) {
	iter := f.bucket.List(&blob.ListOptions{Prefix: path.Join(volumeID, fileID) + "/"})
	_, err := iter.Next(ctx)
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return true, nil
}

// Cleanup removes every cached object under a link. Objects are keyed by file
// revision, so a folder or album owns nothing here and cleaning one is a no-op;
// its files are cleaned when they are cancelled themselves.
func (f *Fetcher) Cleanup(ctx context.Context, volumeID, linkID string) error {
	prefix := path.Join(volumeID, linkID) + "/"
	iter := f.bucket.List(&blob.ListOptions{Prefix: prefix})

	removed := 0
	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: listing %s: %w", ErrStorage, prefix, err)
		}
		if err := f.bucket.Delete(ctx, obj.Key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return fmt.Errorf("%w: deleting %s: %w", ErrStorage, obj.Key, err)
		}
		removed++
	}
	if removed > 0 {
		log.WithFields(log.Fields{"volume": volumeID, "link": linkID, "objects": removed}).Debug("Cleaned up cached objects")
	}
	return nil
}

func (f *Fetcher) removePartial(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := f.bucket.Delete(ctx, key); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		log.WithError(err).WithField("key", key).Warn("Failed to remove partial object")
	}
}

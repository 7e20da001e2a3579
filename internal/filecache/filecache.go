// Package filecache implements FileCache: the on-disk content store
// keyed by (entry-key, revision), validated by size and hash, and
// bounded by a size budget enforced via LRU-by-atime eviction (§4.5).
//
// Grounded on the teacher's internal/storage/disk.go (DiskStore: a flat
// directory, atomic rename-into-place on write, a ForEach directory
// scan) generalized from a content-addressed, unbounded store to a
// size-budgeted cache over (key, revision)-named files, and on
// internal/storage/paired.go's bookkeeping style for tracking which
// cached files are safe to evict.
package filecache

import (
	"context"
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/mfmount/mfmount/internal/entry"
	"github.com/mfmount/mfmount/internal/key"
	"github.com/mfmount/mfmount/internal/mferr"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// filenamePattern is the on-disk filename grammar from §6:
// 15 base-36 characters, an underscore, a positive decimal revision.
var filenamePattern = regexp.MustCompile(`^[0-9a-z]{15}_[1-9][0-9]*$`)

// Cache is the on-disk content store for one mount's files.
type Cache struct {
	dir     string
	store   *entry.Store
	content ContentClient
}

// New returns a Cache rooted at dir, backed by store for entry lookups
// during Cleanup and content for remote transfer.
func New(dir string, store *entry.Store, content ContentClient) *Cache {
	return &Cache{dir: dir, store: store, content: content}
}

func (c *Cache) filename(k string, revision uint64) string {
	return k + "_" + strconv.FormatUint(revision, 10)
}

func (c *Cache) path(k string, revision uint64) string {
	return filepath.Join(c.dir, c.filename(k, revision))
}

// Open returns the cached content for e. When update is true and a
// validated cached copy at e.RemoteRevision() already exists, it is
// returned directly; otherwise content is downloaded, verified, and
// atomically installed before being returned. e.ATime is refreshed on
// every successful open.
func (c *Cache) Open(ctx context.Context, e *entry.Entry, update bool, now uint32) (*os.File, error) {
	if !e.IsFile() {
		return nil, errors.Errorf("filecache: open: %q is not a file", e.Key())
	}

	if update && e.LocalRevision() == e.RemoteRevision() && e.RemoteRevision() != 0 {
		p := c.path(e.Key(), e.RemoteRevision())
		if f, err := c.openValidated(p, e); err == nil {
			e.SetATime(now)
			return f, nil
		}
		// Validation failed: the cached copy is unusable, fall through
		// to a fresh download exactly as if it were never cached.
		e.SetLocalRevision(0)
	}

	f, err := c.download(ctx, e)
	if err != nil {
		return nil, err
	}
	e.SetATime(now)
	return f, nil
}

// openValidated opens p and checks it against e.Size/e.Hash, closing
// and returning an error on any mismatch rather than handing back
// unverified content.
func (c *Cache) openValidated(p string, e *entry.Entry) (*os.File, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	size, hash, err := sumFile(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if size != e.Size() || hash != e.Hash() {
		f.Close()
		return nil, errors.Errorf("filecache: %q failed integrity check", p)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// download fetches e's content to a temporary path, verifies it, and
// renames it into place. A Transient failure (network or integrity)
// deletes the partial and is surfaced to the caller as AccessDenied,
// per §7.
func (c *Cache) download(ctx context.Context, e *entry.Entry) (*os.File, error) {
	if err := os.MkdirAll(c.dir, 0777); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(c.dir, "download_*")
	if err != nil {
		return nil, err
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if err := c.content.Download(ctx, e.Key(), tmp); err != nil {
		cleanup()
		return nil, errors.Wrapf(mferr.CodeAccessDenied, "filecache: downloading %q: %v", e.Key(), err)
	}
	size, hash, err := sumFile(tmp)
	if err != nil {
		cleanup()
		return nil, err
	}
	if size != e.Size() || hash != e.Hash() {
		cleanup()
		return nil, errors.Wrapf(mferr.CodeAccessDenied, "filecache: %q: downloaded content failed integrity check", e.Key())
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	finalPath := c.path(e.Key(), e.RemoteRevision())
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}
	e.SetLocalRevision(e.RemoteRevision())
	return os.Open(finalPath)
}

// TmpOpen creates an unnamed scratch file within the cache directory,
// for uploads composed locally before transmission: the file is
// unlinked immediately after creation, so it never appears in Cleanup's
// directory scan, and its storage is freed as soon as it is closed.
func (c *Cache) TmpOpen() (*os.File, error) {
	if err := os.MkdirAll(c.dir, 0777); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(c.dir, "tmp_*")
	if err != nil {
		return nil, err
	}
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// Truncate fetches e's cached content (refreshing it first if stale)
// and truncates it to zero length. e.LocalRevision is left as-is: the
// truncated file is still the authoritative local copy at the current
// remote revision, now pending an upload that the façade arranges via
// UploadPatch.
func (c *Cache) Truncate(ctx context.Context, e *entry.Entry, now uint32) error {
	f, err := c.Open(ctx, e, true, now)
	if err != nil {
		return err
	}
	// Open hands back a read-only handle, so truncate by path.
	if err := f.Close(); err != nil {
		return err
	}
	return os.Truncate(c.path(e.Key(), e.RemoteRevision()), 0)
}

// UploadPatch transmits e's cached content to folderKey/filename.
// On success, the caller (per §4.5) still must wait for the next
// reconcile cycle to observe the new remote_revision and set
// e.local_revision accordingly; UploadPatch itself does not guess at
// the resulting revision.
func (c *Cache) UploadPatch(ctx context.Context, e *entry.Entry, folderKey, filename string, now uint32) error {
	f, err := c.Open(ctx, e, true, now)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return c.content.UploadPatch(ctx, folderKey, filename, f)
}

// Cleanup enforces budgetBytes over the cache directory (§4.5's
// eviction algorithm): foreign filenames are left alone; files with no
// matching entry, a stale revision, or a failed integrity check are
// unlinked outright; remaining survivors are evicted oldest-atime-first
// until the total is within budget.
func (c *Cache) Cleanup(budgetBytes uint64) error {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	type survivor struct {
		path string
		key  string
		e    *entry.Entry
	}
	var survivors []survivor

	for _, de := range dirEntries {
		name := de.Name()
		if !filenamePattern.MatchString(name) {
			continue
		}
		k, revision, ok := splitFilename(name)
		if !ok {
			continue
		}
		path := filepath.Join(c.dir, name)
		e := c.store.Lookup(k)
		if e == nil {
			removeOrWarn(path)
			continue
		}
		if revision != e.RemoteRevision() || revision != e.LocalRevision() {
			removeOrWarn(path)
			e.SetLocalRevision(0)
			continue
		}
		if f, err := os.Open(path); err != nil {
			removeOrWarn(path)
			e.SetLocalRevision(0)
		} else {
			size, hash, err := sumFile(f)
			f.Close()
			if err != nil || size != e.Size() || hash != e.Hash() {
				removeOrWarn(path)
				e.SetLocalRevision(0)
			} else {
				survivors = append(survivors, survivor{path, k, e})
			}
		}
	}

	var total uint64
	for _, s := range survivors {
		total += s.e.Size()
	}
	if total <= budgetBytes {
		return nil
	}

	sort.Slice(survivors, func(i, j int) bool {
		ai, aj := survivors[i].e.ATime(), survivors[j].e.ATime()
		if ai != aj {
			return ai < aj
		}
		return survivors[i].key < survivors[j].key
	})

	for _, s := range survivors {
		if total <= budgetBytes {
			break
		}
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return err
		}
		total -= s.e.Size()
		s.e.SetLocalRevision(0)
	}
	return nil
}

func removeOrWarn(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithField("path", path).Warn("filecache: cleanup: failed to remove file")
	}
}

// splitFilename splits a filename already known to match
// filenamePattern into its key and revision parts.
func splitFilename(name string) (k string, revision uint64, ok bool) {
	if len(name) < key.FileKeyLength+2 || name[key.FileKeyLength] != '_' {
		return "", 0, false
	}
	n, err := strconv.ParseUint(name[key.FileKeyLength+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return name[:key.FileKeyLength], n, true
}

// sumFile returns the byte length and SHA-256 digest of r's entire
// content (it seeks to the start first), leaving the read offset at EOF
// (callers that need to reuse the handle must Seek back to the start).
func sumFile(r io.ReadSeeker) (uint64, [32]byte, error) {
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, [32]byte{}, err
	}
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return 0, [32]byte{}, err
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return uint64(n), sum, nil
}

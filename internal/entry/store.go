package entry

import (
	"fmt"
	"time"

	"github.com/mfmount/mfmount/internal/key"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ErrInvalidKey is returned when a non-root key does not decode to a
// bucket (shorter than three characters, or one of its first three
// bytes outside the base-36 alphabet).
var ErrInvalidKey = errors.New("entry: invalid key")

// Store is the hashed, pointer-stable EntryStore (§3, §4.2). It owns
// the root Entry inline and owns every other Entry through a
// 36^3-bucket table keyed by the first three characters of the entry's
// key. Store is not safe for concurrent use without external
// synchronization; the caller (internal/treestore) serializes all
// access with a single mutex, per the concurrency model in §5.
type Store struct {
	root    *Entry
	buckets [key.NumBuckets][]*Entry
	count   int // total entries, including root.
}

// NewStore returns a freshly initialized EntryStore containing only
// the synthetic root folder.
func NewStore() *Store {
	s := &Store{}
	s.root = &Entry{ctime: time.Now()}
	s.count = 1
	return s
}

// NewEmptyStore returns a Store with no root entry set. It exists for
// internal/persist's decode path, which constructs the root from the
// snapshot's first record via SetRoot. Every other Store method that
// touches s.root assumes a non-nil root, so SetRoot must be called
// before any other use.
func NewEmptyStore() *Store {
	return &Store{}
}

// SetRoot installs e as the store's root entry. It is only meant to be
// called once, immediately after NewEmptyStore, by the snapshot decoder.
func (s *Store) SetRoot(e *Entry) {
	s.root = e
	s.count = 1
}

// InsertDecoded inserts a freshly decoded, non-root entry into its
// bucket, without touching any parent/child linkage. It is the first
// of persist's two decode passes (§4.3): every entry is materialized
// before any parent pointer is resolved, since parent offsets may
// refer to entries not yet read from the stream.
func (s *Store) InsertDecoded(e *Entry) error {
	b, err := bucketIndex(e.key)
	if err != nil {
		return err
	}
	s.buckets[b] = append(s.buckets[b], e)
	s.count++
	return nil
}

// AttachChild sets child.parent = parent and appends child to
// parent.children. It is persist's second decode pass, run once every
// entry has been inserted via InsertDecoded so that any entry can be
// used as a parent.
func AttachChild(parent, child *Entry) {
	child.parent = parent
	parent.children = append(parent.children, child)
}

// EntriesByBucket returns the non-root entries in bucket-scan order
// (bucket 0..NumBuckets-1, each bucket in its stored order), matching
// the snapshot's on-disk record order (§4.3).
func (s *Store) EntriesByBucket() []*Entry {
	out := make([]*Entry, 0, s.count-1)
	for _, bucket := range s.buckets {
		out = append(out, bucket...)
	}
	return out
}

// Root returns the synthetic root entry. It always exists and is never removed.
func (s *Store) Root() *Entry { return s.root }

// Count returns the total number of entries in the store, including the root.
func (s *Store) Count() int { return s.count }

// Lookup returns the entry for key, or nil if none exists. The empty
// key always resolves to the root.
func (s *Store) Lookup(k string) *Entry {
	if k == "" {
		return s.root
	}
	b, ok := key.Bucket(k)
	if !ok {
		return nil
	}
	for _, e := range s.buckets[b] {
		if e.key == k {
			return e
		}
	}
	return nil
}

// bucketIndex returns the bucket index for a non-root, non-empty key,
// or an error if the key does not decode.
func bucketIndex(k string) (int, error) {
	b, ok := key.Bucket(k)
	if !ok {
		return 0, errors.Wrapf(ErrInvalidKey, "%q", k)
	}
	return b, nil
}

// AllocateOrRebind returns the entry for key, creating it if necessary,
// and ensures it is a child of newParent. If the entry already exists
// under a different parent, it is detached from the old parent's
// children and appended to newParent's; if it is already a child of
// newParent, this is a no-op on the parent/child linkage (idempotent).
// The returned Entry's scalar fields are left for the caller to fill.
func (s *Store) AllocateOrRebind(k string, newParent *Entry) (*Entry, error) {
	if newParent == nil {
		return nil, errors.New("entry: AllocateOrRebind: nil parent")
	}
	b, err := bucketIndex(k)
	if err != nil {
		return nil, err
	}
	if e := s.Lookup(k); e != nil {
		if e.parent != newParent {
			detach(e)
			newParent.children = append(newParent.children, e)
			e.parent = newParent
		} else if !contains(newParent.children, e) {
			// Pointer-equal parent but a missing forward reference:
			// a housekeeping repair case (§4.4.2), not a normal path.
			newParent.children = append(newParent.children, e)
		}
		return e, nil
	}
	e := &Entry{key: k, parent: newParent, ctime: time.Now()}
	s.buckets[b] = append(s.buckets[b], e)
	newParent.children = append(newParent.children, e)
	s.count++
	return e, nil
}

func contains(children []*Entry, target *Entry) bool {
	for _, c := range children {
		if c == target {
			return true
		}
	}
	return false
}

func detach(e *Entry) {
	p := e.parent
	if p == nil {
		return
	}
	kept := p.children[:0:0]
	for _, c := range p.children {
		if c != e {
			kept = append(kept, c)
		}
	}
	p.children = kept
}

// Remove deletes the entry for key and recursively removes every
// subtree rooted at it. Non-existent keys are a no-op (with a warning),
// matching §4.2. Removing the root is refused.
func (s *Store) Remove(k string) {
	if k == "" {
		log.Warn("entry: refusing to remove the root")
		return
	}
	e := s.Lookup(k)
	if e == nil {
		log.WithField("key", k).Warn("entry: remove: key does not exist, no-op")
		return
	}
	s.removeSubtree(e)
}

// removeSubtree recursively frees every descendant of e (each child
// whose parent is e, guarding against any back-reference that should
// never occur under the invariants but which housekeeping may be in
// the process of repairing), prunes e from its parent's children, and
// frees e itself.
func (s *Store) removeSubtree(e *Entry) {
	// Snapshot children before recursing, since each recursive
	// removeSubtree(c) calls detach(c), which rewrites e.children during
	// this loop.
	children := append([]*Entry(nil), e.children...)
	for _, c := range children {
		if c.parent == e {
			s.removeSubtree(c)
		} else {
			log.WithFields(log.Fields{"child": c.key, "parent": e.key}).
				Warn("entry: child's parent back-reference does not match; skipping recursive removal")
		}
	}
	detach(e)
	s.freeFromBucket(e)
}

func (s *Store) freeFromBucket(e *Entry) {
	b, err := bucketIndex(e.key)
	if err != nil {
		log.WithError(err).WithField("key", e.key).Error("entry: could not compute bucket on removal")
		return
	}
	bucket := s.buckets[b]
	for i, c := range bucket {
		if c == e {
			bucket[i] = bucket[len(bucket)-1]
			s.buckets[b] = bucket[:len(bucket)-1]
			s.count--
			return
		}
	}
}

// DiscardChildren empties e's children slice without freeing the
// children themselves: they remain reachable from the bucket table and
// are re-attached (or swept by housekeeping) by whatever upserts follow.
// Used by the Reconciler's refresh_folder (§4.4.1).
func (s *Store) DiscardChildren(e *Entry) {
	e.children = nil
}

// ClearAll empties every bucket and detaches all of the root's
// children, without freeing the root itself. Used by Rebuild (§4.4.3)
// to start from a known-empty tree while keeping the root's identity
// (and any outstanding references to it) stable.
func (s *Store) ClearAll() {
	for i := range s.buckets {
		s.buckets[i] = nil
	}
	s.root.children = nil
	s.count = 1
}

// UpdateRootFields overwrites the root entry's scalar fields from a
// remote folder descriptor, without touching parent/children linkage
// (the root has neither a parent nor a key to rebind). Used by Rebuild.
func (s *Store) UpdateRootFields(desc FolderDescriptor) {
	s.root.name = desc.Name
	s.root.remoteRevision = desc.RemoteRevision
	if desc.CTime != (time.Time{}) {
		s.root.ctime = desc.CTime
	}
}

// UpsertFromFolder allocates or rebinds the entry for desc.Key under
// parent and writes all scalar fields from the descriptor. It seeds
// the folder discriminator (atime stays 0) and never regresses a
// pre-existing entry's localRevision.
func (s *Store) UpsertFromFolder(desc FolderDescriptor, parent *Entry) (*Entry, error) {
	e, err := s.AllocateOrRebind(desc.Key, parent)
	if err != nil {
		return nil, err
	}
	if e.atime != 0 {
		return nil, fmt.Errorf("entry: %q already exists as a file, cannot upsert as folder", desc.Key)
	}
	e.name = desc.Name
	e.remoteRevision = desc.RemoteRevision
	if desc.CTime != (time.Time{}) {
		e.ctime = desc.CTime
	}
	return e, nil
}

// UpsertFromFile allocates or rebinds the entry for desc.Key under
// parent and writes all scalar fields from the descriptor. New file
// entries are seeded with atime = NeverAccessed so the folder/file
// discriminator holds immediately. A pre-existing entry's localRevision
// is preserved (never regressed) unless the content hash changed, in
// which case the cached payload is necessarily stale and localRevision
// resets to 0 (§3 invariant 6: local_revision in {0, remote_revision}).
func (s *Store) UpsertFromFile(desc FileDescriptor, parent *Entry) (*Entry, error) {
	e, err := s.AllocateOrRebind(desc.Key, parent)
	if err != nil {
		return nil, err
	}
	if e.atime == 0 && e.key != "" {
		// Either brand new (atime defaults to 0) or previously a folder.
		if len(e.children) > 0 || e.remoteRevision != 0 {
			return nil, fmt.Errorf("entry: %q already exists as a folder, cannot upsert as file", desc.Key)
		}
	}
	wasNew := e.remoteRevision == 0 && e.atime == 0
	hashChanged := e.hash != desc.Hash
	e.name = desc.Name
	e.remoteRevision = desc.RemoteRevision
	if desc.CTime != (time.Time{}) {
		e.ctime = desc.CTime
	}
	e.hash = desc.Hash
	e.size = desc.Size
	if wasNew {
		e.atime = NeverAccessed
	}
	if hashChanged && !wasNew {
		e.localRevision = 0
	}
	return e, nil
}

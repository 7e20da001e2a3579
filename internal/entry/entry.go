// Package entry implements the hashed, pointer-stable EntryStore: the
// in-memory mirror of the remote folder/file namespace (§3, §4.2).
//
// An Entry is the sole node type, a tagged record for either a folder
// or a file. The folder/file discriminator is atime == 0 (folder) vs
// atime != 0 (file), exactly as specified, to keep Entry a single
// homogeneous record the way the original C hash table entry was a
// single struct with a union of fields.
package entry

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// NeverAccessed is the sentinel atime value meaning "file has never
// been read into the cache". Zero is reserved to mark a folder.
const NeverAccessed = 1

// Entry is the unique in-memory record for one remote file or folder.
// The EntryStore owns every allocation; parent and children fields are
// non-owning references whose lifetime is bounded by the EntryStore's
// lifetime (see Store for the ownership rules).
type Entry struct {
	key    string // "" for the synthetic root.
	name   string
	parent *Entry

	remoteRevision uint64
	localRevision  uint64
	ctime          time.Time

	// Folder fields. Valid iff atime == 0.
	children []*Entry

	// File fields. Valid iff atime != 0.
	hash  [32]byte
	size  uint64
	atime uint32
}

// Key returns the entry's opaque remote identifier ("" for the root).
func (e *Entry) Key() string { return e.key }

// Name returns the entry's display name.
func (e *Entry) Name() string { return e.name }

// Parent returns the owning folder, or nil for the root.
func (e *Entry) Parent() *Entry { return e.parent }

// IsFolder reports whether e is a folder, per the atime == 0 discriminator.
func (e *Entry) IsFolder() bool { return e.atime == 0 }

// IsFile reports whether e is a file.
func (e *Entry) IsFile() bool { return e.atime != 0 }

// IsRoot reports whether e is the synthetic root entry.
func (e *Entry) IsRoot() bool { return e.parent == nil && e.key == "" }

// Children returns the folder's children in insertion order. Children
// of a file, or of a folder never refreshed, is nil.
func (e *Entry) Children() []*Entry { return e.children }

// NumChildren returns len(Children()); provided as a named accessor to
// mirror the data model's explicit num_children field.
func (e *Entry) NumChildren() int { return len(e.children) }

// RemoteRevision returns the last revision at which the remote reported
// this entry.
func (e *Entry) RemoteRevision() uint64 { return e.remoteRevision }

// LocalRevision returns the last revision whose contents (folders) or
// payload (files) were fully materialized locally. Zero means "no
// cached content" for a file.
func (e *Entry) LocalRevision() uint64 { return e.localRevision }

// CTime returns the entry's creation timestamp.
func (e *Entry) CTime() time.Time { return e.ctime }

// Hash returns the 32-byte content digest of a file entry.
func (e *Entry) Hash() [32]byte { return e.hash }

// Size returns the byte length of a file entry.
func (e *Entry) Size() uint64 { return e.size }

// ATime returns the file's last-access time; 1 means never accessed.
// Calling this on a folder returns 0, matching the discriminator.
func (e *Entry) ATime() uint32 { return e.atime }

// SetLocalRevision records the revision whose contents/payload are now
// materialized locally. Used by the Reconciler (after refresh_folder)
// and by FileCache (after a successful download, and on a failed
// integrity check or an eviction, per §4.5, where it resets to 0).
func (e *Entry) SetLocalRevision(rev uint64) { e.localRevision = rev }

// NewDecodedEntry constructs an Entry from a snapshot record's raw
// scalar fields, for use by internal/persist's decoder. The parent
// link and children slice are left zero; the decoder attaches them in
// its second pass via entry.AttachChild.
func NewDecodedEntry(k, name string, remoteRevision, localRevision uint64, ctime time.Time, isFile bool, hash [32]byte, size uint64, atime uint32) *Entry {
	e := &Entry{
		key:            k,
		name:           name,
		remoteRevision: remoteRevision,
		localRevision:  localRevision,
		ctime:          ctime,
	}
	if isFile {
		e.hash = hash
		e.size = size
		e.atime = atime
		if e.atime == 0 {
			e.atime = NeverAccessed
		}
	}
	return e
}

// HasChild reports whether c is present in e's children, by pointer
// identity. Used by the Reconciler's parent-forward-reference
// housekeeping check (§4.4.2).
func (e *Entry) HasChild(c *Entry) bool {
	for _, x := range e.children {
		if x == c {
			return true
		}
	}
	return false
}

// SetATime records the current access time on a file entry.
func (e *Entry) SetATime(when uint32) {
	if e.IsFolder() {
		log.WithField("key", e.key).Warn("entry: ignoring SetATime on a folder")
		return
	}
	e.atime = when
}

// NeedsRefresh reports whether this folder's contents are known to lag
// the remote, per §4.6's resolve() rule.
func (e *Entry) NeedsRefresh() bool {
	return e.IsFolder() && e.localRevision != e.remoteRevision
}

// Path reconstructs the absolute path to e by walking parent links.
func (e *Entry) Path() string {
	if e == nil || e.IsRoot() {
		return "/"
	}
	var names []string
	for n := e; n != nil && !n.IsRoot(); n = n.parent {
		names = append(names, n.name)
	}
	// Reverse and join.
	out := make([]byte, 0, 64)
	for i := len(names) - 1; i >= 0; i-- {
		out = append(out, '/')
		out = append(out, names[i]...)
	}
	return string(out)
}

func (e *Entry) String() string {
	if e == nil {
		return "<nil>"
	}
	return e.Path() + "@" + e.key
}

// FolderDescriptor is the remote's authoritative view of a folder,
// as returned by RemoteClient.folder_info/folder_content.
type FolderDescriptor struct {
	Key            string
	ParentKey      string
	Name           string
	RemoteRevision uint64
	CTime          time.Time
}

// FileDescriptor is the remote's authoritative view of a file, as
// returned by RemoteClient.file_info/folder_content.
type FileDescriptor struct {
	Key            string
	ParentKey      string
	Name           string
	RemoteRevision uint64
	CTime          time.Time
	Hash           [32]byte
	Size           uint64
}

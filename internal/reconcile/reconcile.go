// Package reconcile implements the Reconciler: it compares the local
// device revision with the remote, applies the change stream, refreshes
// stale folder contents on demand, and repairs structural inconsistency
// via two housekeeping passes (§4.4).
//
// Grounded on the teacher's internal/tree/tree_walking.go (Tree.Grow's
// bounded lazy-loading shape, generalized here from "load a child node
// from the block store" to "refresh a folder's children from the
// remote") and internal/tree/tree.go (ReachableKeys' recursive walk
// pattern, reused for the housekeeping passes' full-store scan).
package reconcile

import (
	"context"

	"github.com/mfmount/mfmount/internal/entry"
	"github.com/mfmount/mfmount/internal/mferr"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Reconciler owns the tree revision counter T.revision and drives all
// updates to an entry.Store from a RemoteClient. It is not safe for
// concurrent use; the caller (internal/treestore) serializes every
// call behind its single mutex (§5).
type Reconciler struct {
	store    *entry.Store
	remote   RemoteClient
	revision uint64
}

// New constructs a Reconciler over store, bound to remote, resuming at
// revision (the tree revision recorded in the last loaded snapshot, or
// 0 for a store that has never been reconciled).
func New(store *entry.Store, remote RemoteClient, revision uint64) *Reconciler {
	return &Reconciler{store: store, remote: remote, revision: revision}
}

// Revision returns the tree's current device revision, T.revision.
func (r *Reconciler) Revision() uint64 { return r.revision }

// Update runs the change-stream reconciliation algorithm (§4.4). When
// expectChanges is false, it first short-circuits via device_status if
// the remote reports no revision change. A network failure mid-stream
// aborts the update without advancing the revision, so the next attempt
// retries the same suffix (§4.4.4); per-entry NotFound responses remove
// just that key and do not abort.
func (r *Reconciler) Update(ctx context.Context, expectChanges bool) error {
	if !expectChanges {
		status, err := r.remote.DeviceStatus(ctx)
		if err != nil {
			return errors.Wrap(err, "reconcile: device_status")
		}
		if status == r.revision {
			return nil
		}
	}

	changes, err := r.remote.DeviceChanges(ctx, r.revision)
	if err != nil {
		return errors.Wrap(err, "reconcile: device_changes")
	}

	var terminalRevision uint64
	var sawEnd bool
	for _, c := range changes {
		if c.Kind == End {
			terminalRevision = c.Revision
			sawEnd = true
			break
		}
		// Open question (§9) resolved: skip iff the change's own parent is
		// trash, not transitively.
		if c.Key == "trash" || c.Parent == "trash" {
			continue
		}
		switch c.Kind {
		case FolderUpdated:
			if err := r.applyUpdate(ctx, c, false); err != nil {
				return errors.Wrapf(err, "reconcile: applying folder_updated for %q", c.Key)
			}
		case FileUpdated:
			if err := r.applyUpdate(ctx, c, true); err != nil {
				return errors.Wrapf(err, "reconcile: applying file_updated for %q", c.Key)
			}
		case FolderDeleted, FileDeleted:
			r.store.Remove(c.Key)
		default:
			log.WithField("kind", int(c.Kind)).Warn("reconcile: unknown change kind, ignoring")
		}
	}
	if !sawEnd {
		return errors.Wrap(mferr.ErrFatal, "reconcile: change stream has no end terminator")
	}

	// Root never appears in the change stream; refresh its direct
	// children unconditionally. Existing children are not cleared first:
	// orphans are swept by housekeeping, not by this step.
	folders, files, err := r.remote.FolderContent(ctx, "")
	if err != nil {
		return errors.Wrap(err, "reconcile: folder_content(root)")
	}
	root := r.store.Root()
	for _, fd := range folders {
		if _, err := r.store.UpsertFromFolder(fd, root); err != nil {
			return errors.Wrapf(err, "reconcile: upserting root child folder %q", fd.Key)
		}
	}
	for _, fd := range files {
		if _, err := r.store.UpsertFromFile(fd, root); err != nil {
			return errors.Wrapf(err, "reconcile: upserting root child file %q", fd.Key)
		}
	}

	r.revision = terminalRevision
	return r.Housekeeping(ctx)
}

// applyUpdate implements the folder_updated/file_updated branch of the
// change-stream loop: skip if already current, otherwise fetch the full
// descriptor, materialize its parent chain, and upsert. A NotFound
// response removes the key locally instead of propagating an error.
func (r *Reconciler) applyUpdate(ctx context.Context, c Change, isFile bool) error {
	if local := r.store.Lookup(c.Key); local != nil && local.RemoteRevision() >= c.Revision {
		return nil
	}
	if isFile {
		desc, err := r.remote.FileInfo(ctx, c.Key)
		if errors.Is(err, mferr.ErrNotFound) {
			r.store.Remove(c.Key)
			return nil
		}
		if err != nil {
			return err
		}
		parent, err := r.ensureEntry(ctx, desc.ParentKey)
		if err != nil {
			return err
		}
		_, err = r.store.UpsertFromFile(desc, parent)
		return err
	}
	desc, err := r.remote.FolderInfo(ctx, c.Key)
	if errors.Is(err, mferr.ErrNotFound) {
		r.store.Remove(c.Key)
		return nil
	}
	if err != nil {
		return err
	}
	parent, err := r.ensureEntry(ctx, desc.ParentKey)
	if err != nil {
		return err
	}
	_, err = r.store.UpsertFromFolder(desc, parent)
	return err
}

// ensureEntry returns the store's entry for key, recursively fetching
// and upserting ancestor folders not yet present (reaching the
// synthetic root terminates). Every non-root key here names a folder:
// only folders can be another entry's parent.
func (r *Reconciler) ensureEntry(ctx context.Context, key string) (*entry.Entry, error) {
	if key == "" {
		return r.store.Root(), nil
	}
	if e := r.store.Lookup(key); e != nil {
		return e, nil
	}
	desc, err := r.remote.FolderInfo(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "reconcile: materializing parent %q", key)
	}
	parent, err := r.ensureEntry(ctx, desc.ParentKey)
	if err != nil {
		return nil, err
	}
	return r.store.UpsertFromFolder(desc, parent)
}

// RefreshFolder re-pulls e's direct children from the remote (§4.4.1).
// On a Transient folder_content failure, it leaves e's existing
// children untouched and returns nil, per §7's propagation policy; any
// other error is returned (and e is left untouched, since children are
// only discarded once the fetch has already succeeded).
func (r *Reconciler) RefreshFolder(ctx context.Context, e *entry.Entry) error {
	if !e.IsFolder() {
		return errors.Errorf("reconcile: refresh_folder: %q is not a folder", e.Key())
	}
	folders, files, err := r.remote.FolderContent(ctx, e.Key())
	if err != nil {
		if errors.Is(err, mferr.ErrTransient) {
			log.WithField("key", e.Key()).WithError(err).Warn("reconcile: refresh_folder: transient failure, keeping existing children")
			return nil
		}
		return errors.Wrapf(err, "reconcile: refresh_folder: folder_content(%q)", e.Key())
	}

	r.store.DiscardChildren(e)
	for _, fd := range folders {
		if _, err := r.store.UpsertFromFolder(fd, e); err != nil {
			return errors.Wrapf(err, "reconcile: refresh_folder: upserting folder %q", fd.Key)
		}
	}
	for _, fd := range files {
		if _, err := r.store.UpsertFromFile(fd, e); err != nil {
			return errors.Wrapf(err, "reconcile: refresh_folder: upserting file %q", fd.Key)
		}
	}
	e.SetLocalRevision(e.RemoteRevision())
	return nil
}

// Housekeeping runs the two structural-audit passes (§4.4.2): every
// folder's children must point back to it, and every entry must appear
// in its parent's children.
func (r *Reconciler) Housekeeping(ctx context.Context) error {
	all := append([]*entry.Entry{r.store.Root()}, r.store.EntriesByBucket()...)

	for _, p := range all {
		if !p.IsFolder() {
			continue
		}
		needsRefresh := false
		for _, c := range p.Children() {
			if c.Parent() != p {
				needsRefresh = true
				break
			}
		}
		if needsRefresh {
			if err := r.RefreshFolder(ctx, p); err != nil {
				return errors.Wrapf(err, "reconcile: housekeeping: child-back-reference repair for %q", p.Key())
			}
		}
	}

	for _, e := range r.store.EntriesByBucket() {
		parent := e.Parent()
		if parent == nil || parent.HasChild(e) {
			continue
		}
		if err := r.refetchAndUpsert(ctx, e); err != nil {
			return errors.Wrapf(err, "reconcile: housekeeping: parent-forward-reference repair for %q", e.Key())
		}
	}
	return nil
}

// refetchAndUpsert re-fetches e's descriptor and upserts it, which
// re-attaches e to its correct parent or removes it on NotFound.
func (r *Reconciler) refetchAndUpsert(ctx context.Context, e *entry.Entry) error {
	if e.IsFile() {
		desc, err := r.remote.FileInfo(ctx, e.Key())
		if errors.Is(err, mferr.ErrNotFound) {
			r.store.Remove(e.Key())
			return nil
		}
		if err != nil {
			return err
		}
		parent, err := r.ensureEntry(ctx, desc.ParentKey)
		if err != nil {
			return err
		}
		_, err = r.store.UpsertFromFile(desc, parent)
		return err
	}
	desc, err := r.remote.FolderInfo(ctx, e.Key())
	if errors.Is(err, mferr.ErrNotFound) {
		r.store.Remove(e.Key())
		return nil
	}
	if err != nil {
		return err
	}
	parent, err := r.ensureEntry(ctx, desc.ParentKey)
	if err != nil {
		return err
	}
	_, err = r.store.UpsertFromFolder(desc, parent)
	return err
}

// Rebuild discards all tree state but the root's identity and
// reconstructs it from scratch (§4.4.3): called on first use, or when a
// loaded snapshot turns out to be unusable.
func (r *Reconciler) Rebuild(ctx context.Context) error {
	r.store.ClearAll()

	status, err := r.remote.DeviceStatus(ctx)
	if err != nil {
		return errors.Wrap(err, "reconcile: rebuild: device_status")
	}
	r.revision = status

	rootDesc, err := r.remote.FolderInfo(ctx, "")
	if err != nil {
		return errors.Wrap(err, "reconcile: rebuild: folder_info(root)")
	}
	r.store.UpdateRootFields(rootDesc)

	if err := r.RefreshFolder(ctx, r.store.Root()); err != nil {
		return errors.Wrap(err, "reconcile: rebuild: refresh_folder(root)")
	}

	return r.Update(ctx, false)
}

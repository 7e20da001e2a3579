package reconcile

import (
	"context"

	"github.com/mfmount/mfmount/internal/entry"
)

// ChangeKind discriminates the five kinds of entries in a device's
// change stream (§4.4).
type ChangeKind int

const (
	FolderUpdated ChangeKind = iota
	FileUpdated
	FolderDeleted
	FileDeleted
	End
)

func (k ChangeKind) String() string {
	switch k {
	case FolderUpdated:
		return "folder_updated"
	case FileUpdated:
		return "file_updated"
	case FolderDeleted:
		return "folder_deleted"
	case FileDeleted:
		return "file_deleted"
	case End:
		return "end"
	default:
		return "unknown"
	}
}

// Change is one entry in a device's ordered change stream. Parent is
// only meaningful for the trash-filtering rule (§9): it is the key of
// the changed entry's parent at the time of the change, not otherwise
// interpreted here.
type Change struct {
	Kind     ChangeKind
	Key      string
	Parent   string
	Revision uint64
}

// AccountInfo is the remote account's quota snapshot, used only by
// TreeStore.StatFS's synthesized block-count/free-space fields.
type AccountInfo struct {
	UsedBytes  uint64
	QuotaBytes uint64
}

// RemoteClient is the capability the Reconciler consumes to compare
// local and remote state and pull descriptors, the five operations
// named in §4.4/§4.5, plus AccountInfo for the statfs supplement.
// Implementations (internal/remoteclient) map responses to
// mferr.ErrNotFound/ErrTransient/ErrFatal per §7.
type RemoteClient interface {
	DeviceStatus(ctx context.Context) (revision uint64, err error)
	DeviceChanges(ctx context.Context, since uint64) ([]Change, error)
	FolderInfo(ctx context.Context, key string) (entry.FolderDescriptor, error)
	FileInfo(ctx context.Context, key string) (entry.FileDescriptor, error)
	FolderContent(ctx context.Context, key string) (folders []entry.FolderDescriptor, files []entry.FileDescriptor, err error)
	AccountInfo(ctx context.Context) (AccountInfo, error)
}

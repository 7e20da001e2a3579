package remoteclient

import (
	"context"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"

	"github.com/mfmount/mfmount/internal/entry"
	"github.com/mfmount/mfmount/internal/mferr"
	"github.com/mfmount/mfmount/internal/reconcile"
	"github.com/pkg/errors"
)

// rawFolder/rawFile mirror the field names MediaFire's folder/get_info
// and file/get_info responses use (folderkey/quickkey, parent
// folderkey, created timestamp, revision), matching the accessor names
// in original_source/mfapi/folder.h (folder_get_key/folder_get_parent/
// folder_get_name).
type rawFolder struct {
	FolderKey       string `json:"folderkey"`
	ParentFolderKey string `json:"parent_folderkey"`
	Name            string `json:"name"`
	Revision        string `json:"revision"`
	Created         string `json:"created"`
}

type rawFile struct {
	QuickKey        string `json:"quickkey"`
	ParentFolderKey string `json:"parent_folderkey"`
	FileName        string `json:"filename"`
	Revision        string `json:"revision"`
	Created         string `json:"created"`
	Hash            string `json:"hash"`
	Size            string `json:"size"`
}

func (f rawFolder) toDescriptor() (entry.FolderDescriptor, error) {
	rev, err := parseRevision(f.Revision)
	if err != nil {
		return entry.FolderDescriptor{}, err
	}
	return entry.FolderDescriptor{
		Key:            f.FolderKey,
		ParentKey:      f.ParentFolderKey,
		Name:           f.Name,
		RemoteRevision: rev,
		CTime:          parseCreated(f.Created),
	}, nil
}

func (f rawFile) toDescriptor() (entry.FileDescriptor, error) {
	rev, err := parseRevision(f.Revision)
	if err != nil {
		return entry.FileDescriptor{}, err
	}
	size, err := strconv.ParseUint(f.Size, 10, 64)
	if err != nil {
		return entry.FileDescriptor{}, errors.Wrapf(mferr.ErrFatal, "remoteclient: %q: invalid size %q", f.QuickKey, f.Size)
	}
	var hash [32]byte
	if decoded, err := hex.DecodeString(f.Hash); err == nil {
		copy(hash[:], decoded)
	}
	return entry.FileDescriptor{
		Key:            f.QuickKey,
		ParentKey:      f.ParentFolderKey,
		Name:           f.FileName,
		RemoteRevision: rev,
		CTime:          parseCreated(f.Created),
		Hash:           hash,
		Size:           size,
	}, nil
}

func parseRevision(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	rev, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(mferr.ErrFatal, "remoteclient: invalid revision %q", s)
	}
	return rev, nil
}

// parseCreated parses MediaFire's "2020-01-02 15:04:05" timestamp
// format; an unparseable or empty value yields the zero Time, which
// callers treat as "no creation time reported" (entry.Store's upserts
// leave the existing ctime alone in that case).
func parseCreated(s string) time.Time {
	t, err := time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		return time.Time{}
	}
	return t
}

type apiEnvelope struct {
	Response struct {
		Result  string `json:"result"`
		Message string `json:"message"`
	} `json:"response"`
}

func (e apiEnvelope) check(op string) error {
	if e.Response.Result == "Success" || e.Response.Result == "" {
		return nil
	}
	return errors.Wrapf(mferr.ErrFatal, "remoteclient: %s: %s", op, e.Response.Message)
}

// DeviceStatus implements reconcile.RemoteClient, calling
// device/get_status.php.
func (c *Client) DeviceStatus(ctx context.Context) (uint64, error) {
	var out struct {
		apiEnvelope
		Response struct {
			DeviceRevision string `json:"device_revision"`
		} `json:"response"`
	}
	if err := c.call(ctx, "device/get_status.php", "", &out); err != nil {
		return 0, errors.Wrap(err, "remoteclient: device_status")
	}
	if err := out.apiEnvelope.check("device/get_status"); err != nil {
		return 0, err
	}
	return parseRevision(out.Response.DeviceRevision)
}

// DeviceChanges implements reconcile.RemoteClient, calling
// device/get_changes.php.
func (c *Client) DeviceChanges(ctx context.Context, since uint64) ([]reconcile.Change, error) {
	var out struct {
		apiEnvelope
		Response struct {
			Changes []struct {
				Change   string `json:"change"`
				Key      string `json:"key"`
				Parent   string `json:"parent"`
				Revision string `json:"revision"`
			} `json:"changes"`
		} `json:"response"`
	}
	q := url.Values{"revision": {strconv.FormatUint(since, 10)}}.Encode()
	if err := c.call(ctx, "device/get_changes.php", q, &out); err != nil {
		return nil, errors.Wrap(err, "remoteclient: device_changes")
	}
	if err := out.apiEnvelope.check("device/get_changes"); err != nil {
		return nil, err
	}
	changes := make([]reconcile.Change, 0, len(out.Response.Changes)+1)
	for _, rc := range out.Response.Changes {
		rev, err := parseRevision(rc.Revision)
		if err != nil {
			return nil, err
		}
		kind, err := parseChangeKind(rc.Change)
		if err != nil {
			return nil, err
		}
		changes = append(changes, reconcile.Change{Kind: kind, Key: rc.Key, Parent: rc.Parent, Revision: rev})
	}
	changes = append(changes, reconcile.Change{Kind: reconcile.End, Revision: revisionOrLast(changes, since)})
	return changes, nil
}

func revisionOrLast(changes []reconcile.Change, since uint64) uint64 {
	if len(changes) == 0 {
		return since
	}
	return changes[len(changes)-1].Revision
}

func parseChangeKind(s string) (reconcile.ChangeKind, error) {
	switch s {
	case "folder_updated":
		return reconcile.FolderUpdated, nil
	case "file_updated":
		return reconcile.FileUpdated, nil
	case "folder_deleted":
		return reconcile.FolderDeleted, nil
	case "file_deleted":
		return reconcile.FileDeleted, nil
	default:
		return 0, errors.Wrapf(mferr.ErrFatal, "remoteclient: unknown change kind %q", s)
	}
}

// FolderInfo implements reconcile.RemoteClient, calling
// folder/get_info.php. The empty key names the account's root folder.
func (c *Client) FolderInfo(ctx context.Context, key string) (entry.FolderDescriptor, error) {
	var out struct {
		apiEnvelope
		Response struct {
			FolderInfo rawFolder `json:"folder_info"`
		} `json:"response"`
	}
	q := ""
	if key != "" {
		q = url.Values{"folder_key": {key}}.Encode()
	}
	if err := c.call(ctx, "folder/get_info.php", q, &out); err != nil {
		return entry.FolderDescriptor{}, errors.Wrapf(err, "remoteclient: folder_info(%q)", key)
	}
	if err := out.apiEnvelope.check("folder/get_info"); err != nil {
		if isNotFoundResult(out.apiEnvelope) {
			return entry.FolderDescriptor{}, mferr.ErrNotFound
		}
		return entry.FolderDescriptor{}, err
	}
	return out.Response.FolderInfo.toDescriptor()
}

// FileInfo implements reconcile.RemoteClient, calling file/get_info.php.
func (c *Client) FileInfo(ctx context.Context, key string) (entry.FileDescriptor, error) {
	var out struct {
		apiEnvelope
		Response struct {
			FileInfo rawFile `json:"file_info"`
		} `json:"response"`
	}
	q := url.Values{"quick_key": {key}}.Encode()
	if err := c.call(ctx, "file/get_info.php", q, &out); err != nil {
		return entry.FileDescriptor{}, errors.Wrapf(err, "remoteclient: file_info(%q)", key)
	}
	if err := out.apiEnvelope.check("file/get_info"); err != nil {
		if isNotFoundResult(out.apiEnvelope) {
			return entry.FileDescriptor{}, mferr.ErrNotFound
		}
		return entry.FileDescriptor{}, err
	}
	return out.Response.FileInfo.toDescriptor()
}

// FolderContent implements reconcile.RemoteClient, calling
// folder/get_content.php once per content_type (folders, then files),
// matching the real API's paginated, type-partitioned listing.
func (c *Client) FolderContent(ctx context.Context, key string) ([]entry.FolderDescriptor, []entry.FileDescriptor, error) {
	folders, err := c.folderContentFolders(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	files, err := c.folderContentFiles(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return folders, files, nil
}

func (c *Client) folderContentFolders(ctx context.Context, key string) ([]entry.FolderDescriptor, error) {
	var out struct {
		apiEnvelope
		Response struct {
			FolderContent struct {
				Folders []rawFolder `json:"folders"`
			} `json:"folder_content"`
		} `json:"response"`
	}
	q := url.Values{"content_type": {"folders"}}
	if key != "" {
		q.Set("folder_key", key)
	}
	if err := c.call(ctx, "folder/get_content.php", q.Encode(), &out); err != nil {
		return nil, errors.Wrapf(err, "remoteclient: folder_content(%q): folders", key)
	}
	if err := out.apiEnvelope.check("folder/get_content"); err != nil {
		return nil, err
	}
	descriptors := make([]entry.FolderDescriptor, 0, len(out.Response.FolderContent.Folders))
	for _, rf := range out.Response.FolderContent.Folders {
		d, err := rf.toDescriptor()
		if err != nil {
			return nil, err
		}
		if d.ParentKey == "" {
			d.ParentKey = key
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

func (c *Client) folderContentFiles(ctx context.Context, key string) ([]entry.FileDescriptor, error) {
	var out struct {
		apiEnvelope
		Response struct {
			FolderContent struct {
				Files []rawFile `json:"files"`
			} `json:"folder_content"`
		} `json:"response"`
	}
	q := url.Values{"content_type": {"files"}}
	if key != "" {
		q.Set("folder_key", key)
	}
	if err := c.call(ctx, "folder/get_content.php", q.Encode(), &out); err != nil {
		return nil, errors.Wrapf(err, "remoteclient: folder_content(%q): files", key)
	}
	if err := out.apiEnvelope.check("folder/get_content"); err != nil {
		return nil, err
	}
	descriptors := make([]entry.FileDescriptor, 0, len(out.Response.FolderContent.Files))
	for _, rf := range out.Response.FolderContent.Files {
		d, err := rf.toDescriptor()
		if err != nil {
			return nil, err
		}
		if d.ParentKey == "" {
			d.ParentKey = key
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

func isNotFoundResult(e apiEnvelope) bool {
	return e.Response.Message == "Folder not found" || e.Response.Message == "File not found"
}

// AccountInfo implements reconcile.RemoteClient, calling
// user/get_info.php, mirroring
// original_source/mfapi/apicalls/user_get_info.c's
// used_storage_size/storage_limit fields.
func (c *Client) AccountInfo(ctx context.Context) (reconcile.AccountInfo, error) {
	var out struct {
		apiEnvelope
		Response struct {
			UserInfo struct {
				UsedStorageSize string `json:"used_storage_size"`
				StorageLimit    string `json:"storage_limit"`
			} `json:"user_info"`
		} `json:"response"`
	}
	if err := c.call(ctx, "user/get_info.php", "", &out); err != nil {
		return reconcile.AccountInfo{}, errors.Wrap(err, "remoteclient: account_info")
	}
	if err := out.apiEnvelope.check("user/get_info"); err != nil {
		return reconcile.AccountInfo{}, err
	}
	used, err := strconv.ParseUint(out.Response.UserInfo.UsedStorageSize, 10, 64)
	if err != nil {
		return reconcile.AccountInfo{}, errors.Wrapf(mferr.ErrFatal, "remoteclient: invalid used_storage_size %q", out.Response.UserInfo.UsedStorageSize)
	}
	limit, err := strconv.ParseUint(out.Response.UserInfo.StorageLimit, 10, 64)
	if err != nil {
		return reconcile.AccountInfo{}, errors.Wrapf(mferr.ErrFatal, "remoteclient: invalid storage_limit %q", out.Response.UserInfo.StorageLimit)
	}
	return reconcile.AccountInfo{UsedBytes: used, QuotaBytes: limit}, nil
}

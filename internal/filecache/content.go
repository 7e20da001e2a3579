package filecache

import (
	"context"
	"io"
)

// ContentClient is the capability FileCache consumes to move file
// bytes to and from the remote. It is deliberately narrower than
// reconcile.RemoteClient (which only deals in descriptors and change
// streams): content transfer is a distinct concern, grounded the same
// way as reconcile.RemoteClient on original_source/mfapi/apicalls's
// download/upload calls, but kept as its own small interface so
// FileCache does not need to know about folders, revisions streams, or
// device status.
type ContentClient interface {
	// Download streams the current remote content for key into w.
	Download(ctx context.Context, key string, w io.Writer) error

	// UploadPatch transmits r as the new content of filename within
	// folderKey, with delta/patch semantics left to the implementation.
	UploadPatch(ctx context.Context, folderKey, filename string, r io.Reader) error
}

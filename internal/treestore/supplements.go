package treestore

import (
	"context"

	"github.com/mfmount/mfmount/internal/mferr"
	"github.com/pkg/errors"
)

// ListXattr returns the extended attributes for path. MediaFire has no
// custom xattrs, so any path that resolves gets an empty list, matching
// original_source/fuse/operations/listxattr.c's empty-buffer stub; path
// still has to resolve, so an absent path surfaces mferr.CodeNotFound.
func (s *Store) ListXattr(ctx context.Context, path string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.resolve(ctx, path); err != nil {
		return nil, err
	}
	return nil, nil
}

// StatFSResult is the synthesized filesystem-level usage summary
// returned by StatFS, modeled on original_source/fuse/operations/statfs.c's
// synthesis of f_blocks/f_bfree from the account's quota fields.
type StatFSResult struct {
	BlockSize  uint32
	TotalBytes uint64
	FreeBytes  uint64
}

const statFSBlockSize = 4096

// StatFS synthesizes filesystem usage from the remote account's quota,
// per the statfs supplement.
func (s *Store) StatFS(ctx context.Context) (StatFSResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, err := s.remote.AccountInfo(ctx)
	if err != nil {
		return StatFSResult{}, errors.Wrap(err, "treestore: statfs: account_info")
	}
	var free uint64
	if info.QuotaBytes > info.UsedBytes {
		free = info.QuotaBytes - info.UsedBytes
	}
	return StatFSResult{
		BlockSize:  statFSBlockSize,
		TotalBytes: info.QuotaBytes,
		FreeBytes:  free,
	}, nil
}

// Access reduces to the synthesized mode bits from Getattr: there is no
// real ACL system to consult, matching
// original_source/fuse/operations/access.c's trivial bitmask check
// (spec.md's Non-goals exclude real access control).
func (s *Store) Access(ctx context.Context, path string, mode uint32) error {
	attrs, err := s.Getattr(ctx, path)
	if err != nil {
		return err
	}
	if uint32(attrs.Mode.Perm())&mode != mode {
		return mferr.CodeAccessDenied
	}
	return nil
}

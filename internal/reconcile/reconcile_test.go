package reconcile

import (
	"context"
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/mfmount/mfmount/internal/entry"
	"github.com/mfmount/mfmount/internal/mferr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote is a scriptable RemoteClient for exercising the Reconciler
// without any network, in the style of the teacher's in-memory storage
// fakes (internal/storage/inmemory.go).
type fakeRemote struct {
	status     uint64
	changes    []Change
	folders    map[string]entry.FolderDescriptor
	files      map[string]entry.FileDescriptor
	content    map[string]struct {
		folders []entry.FolderDescriptor
		files   []entry.FileDescriptor
	}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		folders: make(map[string]entry.FolderDescriptor),
		files:   make(map[string]entry.FileDescriptor),
		content: make(map[string]struct {
			folders []entry.FolderDescriptor
			files   []entry.FileDescriptor
		}),
	}
}

func (f *fakeRemote) DeviceStatus(ctx context.Context) (uint64, error) {
	return f.status, nil
}

func (f *fakeRemote) DeviceChanges(ctx context.Context, since uint64) ([]Change, error) {
	return f.changes, nil
}

func (f *fakeRemote) FolderInfo(ctx context.Context, key string) (entry.FolderDescriptor, error) {
	d, ok := f.folders[key]
	if !ok {
		return entry.FolderDescriptor{}, mferr.ErrNotFound
	}
	return d, nil
}

func (f *fakeRemote) FileInfo(ctx context.Context, key string) (entry.FileDescriptor, error) {
	d, ok := f.files[key]
	if !ok {
		return entry.FileDescriptor{}, mferr.ErrNotFound
	}
	return d, nil
}

func (f *fakeRemote) FolderContent(ctx context.Context, key string) ([]entry.FolderDescriptor, []entry.FileDescriptor, error) {
	c := f.content[key]
	return c.folders, c.files, nil
}

func (f *fakeRemote) AccountInfo(ctx context.Context) (AccountInfo, error) {
	return AccountInfo{}, nil
}

func (f *fakeRemote) setContent(key string, folders []entry.FolderDescriptor, files []entry.FileDescriptor) {
	f.content[key] = struct {
		folders []entry.FolderDescriptor
		files   []entry.FileDescriptor
	}{folders, files}
}

// Scenario 1: cold start / full rebuild.
func TestRebuildColdStart(t *testing.T) {
	defer leaktest.Check(t)()

	remote := newFakeRemote()
	remote.status = 100
	remote.folders[""] = entry.FolderDescriptor{Key: "", Name: ""}
	remote.setContent("", []entry.FolderDescriptor{
		{Key: "aaa0000000001", Name: "docs", RemoteRevision: 1},
	}, []entry.FileDescriptor{
		{Key: "aaa00000000001a", Name: "readme", RemoteRevision: 99, Hash: [32]byte{1}, Size: 5},
	})
	remote.changes = []Change{{Kind: End, Revision: 100}}

	s := entry.NewStore()
	r := New(s, remote, 0)
	require.NoError(t, r.Rebuild(context.Background()))

	assert.EqualValues(t, 100, r.Revision())
	assert.Len(t, s.Root().Children(), 2)

	file := s.Lookup("aaa00000000001a")
	require.NotNil(t, file)
	assert.EqualValues(t, 0, file.LocalRevision())
}

// Scenario 2: apply deletion.
func TestUpdateAppliesDeletion(t *testing.T) {
	defer leaktest.Check(t)()

	s := entry.NewStore()
	_, err := s.UpsertFromFile(entry.FileDescriptor{Key: "aaa00000000001a", Name: "f1", RemoteRevision: 100}, s.Root())
	require.NoError(t, err)

	remote := newFakeRemote()
	remote.status = 101
	remote.setContent("", nil, nil)
	remote.changes = []Change{
		{Kind: FileDeleted, Key: "aaa00000000001a", Revision: 101},
		{Kind: End, Revision: 101},
	}

	r := New(s, remote, 100)
	require.NoError(t, r.Update(context.Background(), true))

	assert.Nil(t, s.Lookup("aaa00000000001a"))
	assert.EqualValues(t, 101, r.Revision())
	assert.Len(t, s.Root().Children(), 0)
}

// Scenario 3: move across folders, preserving pointer identity.
func TestUpdateMovesEntryAcrossFolders(t *testing.T) {
	defer leaktest.Check(t)()

	s := entry.NewStore()
	a, err := s.UpsertFromFolder(entry.FolderDescriptor{Key: "aaa0000000001", Name: "a"}, s.Root())
	require.NoError(t, err)
	b, err := s.UpsertFromFolder(entry.FolderDescriptor{Key: "bbb0000000001", Name: "b"}, s.Root())
	require.NoError(t, err)
	x, err := s.UpsertFromFile(entry.FileDescriptor{Key: "aaa00000000001a", Name: "x", RemoteRevision: 1}, a)
	require.NoError(t, err)

	remote := newFakeRemote()
	remote.status = 102
	remote.files["aaa00000000001a"] = entry.FileDescriptor{Key: "aaa00000000001a", Name: "x", ParentKey: "bbb0000000001", RemoteRevision: 2}
	remote.setContent("", nil, nil)
	remote.changes = []Change{
		{Kind: FileUpdated, Key: "aaa00000000001a", Revision: 2},
		{Kind: End, Revision: 102},
	}

	r := New(s, remote, 1)
	require.NoError(t, r.Update(context.Background(), true))

	moved := s.Lookup("aaa00000000001a")
	require.NotNil(t, moved)
	assert.Same(t, x, moved)
	assert.Same(t, b, moved.Parent())
	assert.NotContains(t, a.Children(), x)
	assert.Contains(t, b.Children(), x)
}

// Scenario 4: housekeeping repairs an orphaned back-reference.
func TestHousekeepingRepairsOrphan(t *testing.T) {
	defer leaktest.Check(t)()

	s := entry.NewStore()
	p, err := s.UpsertFromFolder(entry.FolderDescriptor{Key: "aaa0000000001", Name: "p", RemoteRevision: 1}, s.Root())
	require.NoError(t, err)
	c, err := s.UpsertFromFile(entry.FileDescriptor{Key: "aaa00000000001a", Name: "c", RemoteRevision: 1}, p)
	require.NoError(t, err)
	p.SetLocalRevision(1)

	// Corrupt the store: drop p's forward reference to c without freeing
	// c, exactly the inconsistency housekeeping's second
	// (parent-forward-reference) pass detects.
	s.DiscardChildren(p)

	remote := newFakeRemote()
	remote.status = 1
	remote.files["aaa00000000001a"] = entry.FileDescriptor{Key: "aaa00000000001a", Name: "c", ParentKey: "aaa0000000001", RemoteRevision: 1}
	remote.folders["aaa0000000001"] = entry.FolderDescriptor{Key: "aaa0000000001", Name: "p", RemoteRevision: 1}
	remote.setContent("aaa0000000001", nil, nil)

	r := New(s, remote, 1)
	require.NoError(t, r.Housekeeping(context.Background()))

	assert.True(t, p.HasChild(c))
	assert.Same(t, p, c.Parent())
}

func TestUpdateShortCircuitsWhenRevisionUnchanged(t *testing.T) {
	s := entry.NewStore()
	remote := newFakeRemote()
	remote.status = 50
	r := New(s, remote, 50)
	require.NoError(t, r.Update(context.Background(), false))
	assert.EqualValues(t, 50, r.Revision())
}

func TestUpdateRejectsStreamWithoutEnd(t *testing.T) {
	s := entry.NewStore()
	remote := newFakeRemote()
	remote.status = 5
	remote.changes = nil // no "end" terminator at all
	r := New(s, remote, 1)
	err := r.Update(context.Background(), true)
	require.Error(t, err)
}

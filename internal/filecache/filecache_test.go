package filecache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/mfmount/mfmount/internal/entry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeContent struct {
	blobs map[string][]byte
	fail  bool
}

func newFakeContent() *fakeContent {
	return &fakeContent{blobs: make(map[string][]byte)}
}

func (f *fakeContent) Download(ctx context.Context, key string, w io.Writer) error {
	if f.fail {
		return assert.AnError
	}
	_, err := w.Write(f.blobs[key])
	return err
}

func (f *fakeContent) UploadPatch(ctx context.Context, folderKey, filename string, r io.Reader) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.blobs[filename] = b
	return nil
}

func hashOf(b []byte) [32]byte {
	return sha256.Sum256(b)
}

func TestOpenDownloadsAndValidatesOnFirstAccess(t *testing.T) {
	dir := t.TempDir()
	s := entry.NewStore()
	blob := []byte("hello world")
	e, err := s.UpsertFromFile(entry.FileDescriptor{
		Key: "aaa00000000001a", Name: "a", RemoteRevision: 1, Hash: hashOf(blob), Size: uint64(len(blob)),
	}, s.Root())
	require.NoError(t, err)

	content := newFakeContent()
	content.blobs["aaa00000000001a"] = blob
	c := New(dir, s, content)

	f, err := c.Open(context.Background(), e, true, 100)
	require.NoError(t, err)
	defer f.Close()

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, blob, got)
	assert.EqualValues(t, 1, e.LocalRevision())
	assert.EqualValues(t, 100, e.ATime())

	_, err = os.Stat(filepath.Join(dir, "aaa00000000001a_1"))
	require.NoError(t, err)
}

func TestOpenReusesValidatedCachedCopy(t *testing.T) {
	dir := t.TempDir()
	s := entry.NewStore()
	blob := []byte("cached content")
	e, err := s.UpsertFromFile(entry.FileDescriptor{
		Key: "aaa00000000001a", Name: "a", RemoteRevision: 1, Hash: hashOf(blob), Size: uint64(len(blob)),
	}, s.Root())
	require.NoError(t, err)
	e.SetLocalRevision(1)
	require.NoError(t, os.MkdirAll(dir, 0777))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "aaa00000000001a_1"), blob, 0666))

	content := newFakeContent() // no blob registered; a download would fail
	c := New(dir, s, content)

	f, err := c.Open(context.Background(), e, true, 5)
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestOpenRedownloadsWhenCachedCopyFailsIntegrity(t *testing.T) {
	dir := t.TempDir()
	s := entry.NewStore()
	blob := []byte("the real content")
	e, err := s.UpsertFromFile(entry.FileDescriptor{
		Key: "aaa00000000001a", Name: "a", RemoteRevision: 1, Hash: hashOf(blob), Size: uint64(len(blob)),
	}, s.Root())
	require.NoError(t, err)
	e.SetLocalRevision(1)
	require.NoError(t, os.MkdirAll(dir, 0777))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "aaa00000000001a_1"), []byte("corrupted"), 0666))

	content := newFakeContent()
	content.blobs["aaa00000000001a"] = blob
	c := New(dir, s, content)

	f, err := c.Open(context.Background(), e, true, 5)
	require.NoError(t, err)
	defer f.Close()
	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, blob, got)
}

func TestTmpOpenFileIsUnlinkedImmediately(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, entry.NewStore(), newFakeContent())
	f, err := c.TmpOpen()
	require.NoError(t, err)
	defer f.Close()

	_, err = f.WriteString("scratch")
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "unlinked temp file must not appear in directory listing")
}

func TestUploadPatchTransmitsCachedContent(t *testing.T) {
	dir := t.TempDir()
	s := entry.NewStore()
	blob := []byte("patch me")
	e, err := s.UpsertFromFile(entry.FileDescriptor{
		Key: "aaa00000000001a", Name: "a", RemoteRevision: 1, Hash: hashOf(blob), Size: uint64(len(blob)),
	}, s.Root())
	require.NoError(t, err)

	content := newFakeContent()
	content.blobs["aaa00000000001a"] = blob
	c := New(dir, s, content)

	require.NoError(t, c.UploadPatch(context.Background(), e, "bbb0000000001", "a.txt", 1))
	assert.Equal(t, blob, content.blobs["a.txt"])
}

// Scenario 5: cache eviction by atime.
func TestCleanupEvictsOldestAtimeFirstUnderBudget(t *testing.T) {
	dir := t.TempDir()
	s := entry.NewStore()

	mk := func(key string, size uint64, atime uint32) *entry.Entry {
		content := bytes.Repeat([]byte{1}, int(size))
		h := hashOf(content)
		e, err := s.UpsertFromFile(entry.FileDescriptor{
			Key: key, Name: key, RemoteRevision: 1, Size: size, Hash: h,
		}, s.Root())
		require.NoError(t, err)
		e.SetLocalRevision(1)
		e.SetATime(atime)
		require.NoError(t, os.WriteFile(filepath.Join(dir, key+"_1"), content, 0666))
		return e
	}

	e100 := mk("aaa00000000001a", 100, 3)
	e200 := mk("bbb00000000001a", 200, 1)
	e300 := mk("ccc00000000001a", 300, 2)

	c := New(dir, s, newFakeContent())
	require.NoError(t, c.Cleanup(250))

	_, err := os.Stat(filepath.Join(dir, "bbb00000000001a_1"))
	assert.True(t, os.IsNotExist(err), "atime=1 file must be evicted")
	assert.EqualValues(t, 0, e200.LocalRevision())

	_, err = os.Stat(filepath.Join(dir, "ccc00000000001a_1"))
	assert.True(t, os.IsNotExist(err), "atime=2 file must be evicted")
	assert.EqualValues(t, 0, e300.LocalRevision())

	_, err = os.Stat(filepath.Join(dir, "aaa00000000001a_1"))
	require.NoError(t, err, "atime=3 file must survive")
	assert.EqualValues(t, 1, e100.LocalRevision())
}

func TestCleanupRemovesFilesWithNoMatchingEntry(t *testing.T) {
	dir := t.TempDir()
	s := entry.NewStore()
	require.NoError(t, os.MkdirAll(dir, 0777))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zzz00000000009a_1"), []byte("orphan"), 0666))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "not-a-cache-file.txt"), []byte("foreign"), 0666))

	c := New(dir, s, newFakeContent())
	require.NoError(t, c.Cleanup(1<<30))

	_, err := os.Stat(filepath.Join(dir, "zzz00000000009a_1"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "not-a-cache-file.txt"))
	assert.NoError(t, err, "foreign filenames must be left alone")
}

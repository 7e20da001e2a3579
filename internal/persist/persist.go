// Package persist implements TreePersist: the binary snapshot format
// that serializes an entry.Store to a stream and reconstructs it,
// converting in-memory parent pointers to integer record offsets and
// back (§4.3, §6).
//
// The record layout is modeled on the teacher's internal/tree/codec_v16.go
// and internal/tree/packing.go (the same small pint*/gint*/pstr/gstr
// helper shapes), generalized from a single flat in-memory buffer (one
// node per storage block) to a sequential stream holding every entry in
// the store, since TreePersist here serializes the whole tree to one
// snapshot file rather than one block per node.
package persist

import (
	"bufio"
	"io"
	"time"

	"github.com/mfmount/mfmount/internal/entry"
	"github.com/mfmount/mfmount/internal/mferr"
	"github.com/pkg/errors"
)

// Magic identifies the snapshot format; the 4th byte is the version.
var magic = [4]byte{'M', 'F', 'S', 0x00}

const currentVersion = 0x00

// Encode writes store to w as a snapshot at the given tree revision.
// It fails with a wrapped IO error on any short write.
func Encode(w io.Writer, s *entry.Store, revision uint64) (err error) {
	bw := bufio.NewWriter(w)
	defer func() {
		if err == nil {
			err = bw.Flush()
		}
	}()

	if _, err = bw.Write(magic[:]); err != nil {
		return errors.Wrap(err, "persist: writing magic")
	}
	if err = writeUint64(bw, revision); err != nil {
		return errors.Wrap(err, "persist: writing revision")
	}
	if err = writeUint64(bw, uint64(s.Count())); err != nil {
		return errors.Wrap(err, "persist: writing count")
	}

	entries := s.EntriesByBucket()
	offsets := make(map[*entry.Entry]int, len(entries)+1)
	offsets[s.Root()] = 0
	for i, e := range entries {
		offsets[e] = i + 1
	}

	if err = writeRecord(bw, s.Root(), 0); err != nil {
		return errors.Wrap(err, "persist: writing root record")
	}
	for _, e := range entries {
		parentOffset := offsets[e.Parent()]
		if err = writeRecord(bw, e, parentOffset); err != nil {
			return errors.Wrapf(err, "persist: writing record for %q", e.Key())
		}
	}
	return nil
}

func writeRecord(w io.Writer, e *entry.Entry, parentOffset int) error {
	if err := writeString(w, e.Key()); err != nil {
		return err
	}
	if err := writeString(w, e.Name()); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(parentOffset)); err != nil {
		return err
	}
	if err := writeUint64(w, e.RemoteRevision()); err != nil {
		return err
	}
	if err := writeUint64(w, e.LocalRevision()); err != nil {
		return err
	}
	if err := writeInt64(w, e.CTime().UnixNano()); err != nil {
		return err
	}
	// children pointer and num_children are written as zero (§4.3); the
	// decoder reconstructs both in its second pass over parent offsets.
	if err := writeUint32(w, 0); err != nil {
		return err
	}
	if err := writeUint32(w, 0); err != nil {
		return err
	}
	hash := e.Hash()
	if _, err := w.Write(hash[:]); err != nil {
		return err
	}
	if err := writeUint64(w, e.Size()); err != nil {
		return err
	}
	return writeUint32(w, e.ATime())
}

type record struct {
	key            string
	name           string
	parentOffset   int
	remoteRevision uint64
	localRevision  uint64
	ctime          time.Time
	hash           [32]byte
	size           uint64
	atime          uint32
}

func readRecord(r io.Reader) (record, error) {
	var rec record
	var err error
	if rec.key, err = readString(r); err != nil {
		return rec, wrapShortRead(err, "key")
	}
	if rec.name, err = readString(r); err != nil {
		return rec, wrapShortRead(err, "name")
	}
	parentOffset, err := readUint64(r)
	if err != nil {
		return rec, wrapShortRead(err, "parent offset")
	}
	rec.parentOffset = int(parentOffset)
	if rec.remoteRevision, err = readUint64(r); err != nil {
		return rec, wrapShortRead(err, "remote revision")
	}
	if rec.localRevision, err = readUint64(r); err != nil {
		return rec, wrapShortRead(err, "local revision")
	}
	ctimeNano, err := readInt64(r)
	if err != nil {
		return rec, wrapShortRead(err, "ctime")
	}
	rec.ctime = time.Unix(0, ctimeNano).UTC()
	if _, err = readUint32(r); err != nil { // children pointer placeholder
		return rec, wrapShortRead(err, "children placeholder")
	}
	if _, err = readUint32(r); err != nil { // num_children placeholder
		return rec, wrapShortRead(err, "num_children placeholder")
	}
	if _, err = io.ReadFull(r, rec.hash[:]); err != nil {
		return rec, wrapShortRead(err, "hash")
	}
	if rec.size, err = readUint64(r); err != nil {
		return rec, wrapShortRead(err, "size")
	}
	if rec.atime, err = readUint32(r); err != nil {
		return rec, wrapShortRead(err, "atime")
	}
	return rec, nil
}

// Decode reads a snapshot from r and reconstructs an entry.Store plus
// the tree revision it was taken at. It fails with mferr.ErrFormat on a
// magic/version mismatch or a structural inconsistency (e.g.
// self-parenting, an out-of-range parent offset), and with
// io.ErrUnexpectedEOF (wrapped) on a short read.
func Decode(r io.Reader) (*entry.Store, uint64, error) {
	br := bufio.NewReader(r)

	var gotMagic [4]byte
	if _, err := io.ReadFull(br, gotMagic[:]); err != nil {
		return nil, 0, wrapShortRead(err, "magic")
	}
	if gotMagic[0] != magic[0] || gotMagic[1] != magic[1] || gotMagic[2] != magic[2] {
		return nil, 0, errors.Wrapf(mferr.ErrFormat, "bad magic %q", gotMagic[:3])
	}
	if gotMagic[3] != currentVersion {
		return nil, 0, errors.Wrapf(mferr.ErrFormat, "unsupported version %d", gotMagic[3])
	}

	revision, err := readUint64(br)
	if err != nil {
		return nil, 0, wrapShortRead(err, "revision")
	}
	count64, err := readUint64(br)
	if err != nil {
		return nil, 0, wrapShortRead(err, "count")
	}
	count := int(count64)
	if count < 1 {
		return nil, 0, errors.Wrapf(mferr.ErrFormat, "count %d is less than 1 (no root)", count)
	}

	records := make([]record, count)
	entries := make([]*entry.Entry, count)

	rootRec, err := readRecord(br)
	if err != nil {
		return nil, 0, err
	}
	if rootRec.key != "" {
		return nil, 0, errors.Wrapf(mferr.ErrFormat, "root record has non-empty key %q", rootRec.key)
	}
	records[0] = rootRec
	entries[0] = entry.NewDecodedEntry(rootRec.key, rootRec.name, rootRec.remoteRevision, rootRec.localRevision, rootRec.ctime, false, rootRec.hash, rootRec.size, rootRec.atime)

	for i := 1; i < count; i++ {
		rec, err := readRecord(br)
		if err != nil {
			return nil, 0, err
		}
		if rec.parentOffset < 0 || rec.parentOffset >= count {
			return nil, 0, errors.Wrapf(mferr.ErrFormat, "record %d: parent offset %d out of range [0,%d)", i, rec.parentOffset, count)
		}
		if rec.parentOffset == i {
			// Open question in §9 resolved: self-parenting is a format error.
			return nil, 0, errors.Wrapf(mferr.ErrFormat, "record %d: self-parenting", i)
		}
		records[i] = rec
		// atime == 0 iff folder (§3's discriminator); writeRecord always
		// writes Entry.ATime() verbatim, which is 0 for every folder.
		isFile := rec.atime != 0
		entries[i] = entry.NewDecodedEntry(rec.key, rec.name, rec.remoteRevision, rec.localRevision, rec.ctime, isFile, rec.hash, rec.size, rec.atime)
	}

	s := entry.NewEmptyStore()
	s.SetRoot(entries[0])
	for i := 1; i < count; i++ {
		if err := s.InsertDecoded(entries[i]); err != nil {
			return nil, 0, errors.Wrapf(mferr.ErrFormat, "record %d: %v", i, err)
		}
	}
	for i := 1; i < count; i++ {
		entry.AttachChild(entries[records[i].parentOffset], entries[i])
	}
	return s, revision, nil
}

func wrapShortRead(err error, field string) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.Wrapf(io.ErrUnexpectedEOF, "persist: truncated snapshot reading %s", field)
	}
	return errors.Wrapf(err, "persist: reading %s", field)
}

package persist

// Scalar read/write helpers for the snapshot stream, adapted from the
// teacher's internal/tree/packing.go pint*/gint*/pstr/gstr functions
// (themselves lifted from go9p) to operate on an io.Writer/io.Reader
// stream instead of slicing a preloaded flat buffer, since a snapshot
// is read and written one scalar at a time off a bufio stream rather
// than unpacked from a single in-memory block.

import (
	"io"
)

func writeUint32(w io.Writer, val uint32) error {
	var buf [4]byte
	buf[0] = byte(val)
	buf[1] = byte(val >> 8)
	buf[2] = byte(val >> 16)
	buf[3] = byte(val >> 24)
	_, err := w.Write(buf[:])
	return err
}

func writeUint64(w io.Writer, val uint64) error {
	var buf [8]byte
	buf[0] = byte(val)
	buf[1] = byte(val >> 8)
	buf[2] = byte(val >> 16)
	buf[3] = byte(val >> 24)
	buf[4] = byte(val >> 32)
	buf[5] = byte(val >> 40)
	buf[6] = byte(val >> 48)
	buf[7] = byte(val >> 56)
	_, err := w.Write(buf[:])
	return err
}

func writeInt64(w io.Writer, val int64) error {
	return writeUint64(w, uint64(val))
}

// writeString writes val as a uint32 byte-length prefix followed by
// its raw bytes, the same framing idea as the teacher's pstr/gstr but
// widened since a snapshot's strings are not bounded by a 64KB block.
func writeString(w io.Writer, val string) error {
	if err := writeUint32(w, uint32(len(val))); err != nil {
		return err
	}
	_, err := io.WriteString(w, val)
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24, nil
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 |
		uint64(buf[4])<<32 | uint64(buf[5])<<40 | uint64(buf[6])<<48 | uint64(buf[7])<<56, nil
}

func readInt64(r io.Reader) (int64, error) {
	v, err := readUint64(r)
	return int64(v), err
}

func readString(r io.Reader) (string, error) {
	n, err := readUint32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

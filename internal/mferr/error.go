// Package mferr defines the error taxonomy shared by the core packages:
// NotFound, Stale, Transient, FormatError and Fatal, per the error
// handling design. It also carries a small POSIX-ish error code type
// for the TreeStore façade to surface to its caller, built in the same
// closed-set sentinel style as the taxonomy.
package mferr

// baseErr is a sentinel error type with no stack trace, matching
// internal/tree/constants.go's baseErr in the teacher.
type baseErr string

func (e baseErr) Error() string { return string(e) }

// Taxonomy from the error handling design (§7).
const (
	// ErrNotFound: key or path absent locally and remotely. Surfaced to caller.
	ErrNotFound = baseErr("not found")

	// ErrStale: local entry revision trails remote. Never surfaced; callers
	// handle it by refreshing and retrying.
	ErrStale = baseErr("stale")

	// ErrTransient: network timeout, token expiry, or single-file integrity
	// failure. Retried at the next operation or interval.
	ErrTransient = baseErr("transient")

	// ErrFormat: snapshot magic/version mismatch or structural
	// inconsistency (a truncated snapshot is reported as
	// io.ErrUnexpectedEOF instead). cmd/mfmountd exits on any snapshot
	// load error, this one included; it does not fall back to a rebuild.
	ErrFormat = baseErr("format error")

	// ErrFatal: allocation failure or an invariant violation housekeeping
	// could not repair. Bubbled to the host, never silently swallowed.
	ErrFatal = baseErr("fatal")
)

// Code is a POSIX-style error code returned by the TreeStore façade,
// matching the small integer codes named in §6.
type Code int

const (
	CodeOK Code = iota
	CodeNotFound
	CodeNotADirectory
	CodeIsADirectory
	CodeAccessDenied
	CodeTransient
	CodeExist
	CodeNotEmpty
	CodeInvalid
)

func (c Code) Error() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeNotFound:
		return "not found"
	case CodeNotADirectory:
		return "not a directory"
	case CodeIsADirectory:
		return "is a directory"
	case CodeAccessDenied:
		return "access denied"
	case CodeTransient:
		return "transient"
	case CodeExist:
		return "already exists"
	case CodeNotEmpty:
		return "not empty"
	case CodeInvalid:
		return "invalid argument"
	default:
		return "unknown error"
	}
}

package cabinet

import (
	"errors"
	"fmt"
)

var (
	ErrBadMagic           = errors.New("file is not a microsoft cabinet")
	ErrUnsupportedVersion = errors.New("cabinet format version is not supported")
	ErrUnknownCompression = errors.New("compression method is unknown")
	ErrInvalidFolderIndex = errors.New("file refers to a folder that does not exist")
	ErrBadHeader          = errors.New("cabinet structure is invalid")
	ErrTruncated          = errors.New("cabinet is truncated")
	ErrChecksum           = errors.New("data block checksum mismatch")
	ErrCorruptStream      = errors.New("compressed data is corrupt")
	ErrUnexpectedEOB      = errors.New("compressed data ends early")
	ErrNotFound           = errors.New("file is not in the cabinet")
	ErrContinued          = errors.New("file data continues in another cabinet")
	ErrSizeMismatch       = errors.New("folder data is shorter than the file sizes")
	ErrSink               = errors.New("could not write the extracted file")
	ErrNoCodec            = errors.New("no decoder is available for the compression method")
)

var (
	ErrDest       = errors.New("destination is empty")
	ErrNotArchive = errors.New("file is not a cabinet archive")
	ErrFile       = errors.New("path is a directory")
	ErrPath       = errors.New("path is a file")
	ErrMissing    = errors.New("path does not exist")
	ErrUnsafe     = errors.New("file name escapes the destination directory")
)

// FormatError reports a structural problem found while opening a cabinet.
type FormatError struct {
	Field  string // the structure or field that failed, such as "header" or "folder 2"
	Offset int64  // absolute offset of the field in the source
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("cabinet %s at offset %d: %v", e.Field, e.Offset, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// DecodeError reports a data block that could not be read, verified or decompressed.
type DecodeError struct {
	Folder int   // folder index
	Block  int   // block index within the folder
	Offset int64 // absolute offset of the block header
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cabinet folder %d block %d at offset %d: %v", e.Folder, e.Block, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ExtractError reports a file that could not be extracted.
type ExtractError struct {
	Name  string
	Entry int // listing position, or -1 when no entry was found
	Err   error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("cabinet extract %q: %v", e.Name, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// ChecksumWarning records a data block whose checksum did not match when
// the archive was opened with [ChecksumReport].
type ChecksumWarning struct {
	Folder   int
	Block    int
	Offset   int64
	Stored   uint32
	Computed uint32
}

func (w ChecksumWarning) String() string {
	return fmt.Sprintf("folder %d block %d at offset %d: stored checksum %#08x, computed %#08x",
		w.Folder, w.Block, w.Offset, w.Stored, w.Computed)
}

// ChecksumWarnings is returned with the full contents of an entry by
// ExtractEntry, Extract and ReadFile when the archive was opened with
// [ChecksumReport] and blocks of the decoded range failed their checksum.
type ChecksumWarnings []ChecksumWarning

func (w ChecksumWarnings) Error() string {
	if len(w) == 1 {
		return "cabinet checksum mismatch in " + w[0].String()
	}
	return fmt.Sprintf("cabinet checksum mismatch in %d blocks, first in %s", len(w), w[0])
}

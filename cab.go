package cabinet

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/Defacto2/cabinet/internal/cursor"
)

// Package file cab.go contains the cabinet header structure and its parser.

const (
	headerSize     = 36     // fixed CFHEADER fields
	folderSize     = 8      // fixed CFFOLDER fields
	fileSize       = 16     // fixed CFFILE fields
	dataSize       = 8      // fixed CFDATA fields
	maxReserve     = 60000  // largest per cabinet reserve area
	maxName        = 256    // longest file name, excluding the NUL
	maxLinkName    = 255    // longest previous or next cabinet and disk name
	maxFolderBytes = 0x7FFF8000

	// MaxBlockSize is the largest uncompressed size of one data block.
	MaxBlockSize = 32768
	// MaxCompressedBlock is the largest payload of one data block.
	MaxCompressedBlock = MaxBlockSize + 6144
)

// MIMEType is the media type of a cabinet file.
const MIMEType = "application/vnd.ms-cab-compressed"

var signature = []byte("MSCF")

// Flags are the CFHEADER option bits.
type Flags uint16

const (
	FlagPrevCabinet Flags = 1 << iota // the cabinet continues a previous one
	FlagNextCabinet                   // the cabinet is continued by a next one
	FlagReserve                       // reserve sizes and the reserve area are present

	knownFlags = FlagPrevCabinet | FlagNextCabinet | FlagReserve
)

// Has reports whether all the bits of x are set.
func (f Flags) Has(x Flags) bool { return f&x == x }

// Link names a neighbouring cabinet in a multi cabinet set.
type Link struct {
	Name string // cabinet file name
	Disk string // label of the disk that holds it
}

// Header is the CFHEADER of a cabinet.
type Header struct {
	Size          uint32 // total length of the cabinet in bytes
	FilesOffset   uint32 // absolute offset of the first CFFILE
	FoldersOffset int64  // absolute offset of the first CFFOLDER
	VersionMinor  uint8
	VersionMajor  uint8
	Folders       uint16 // number of CFFOLDER records
	Files         uint16 // number of CFFILE records
	Flags         Flags
	SetID         uint16 // shared by every cabinet of a set
	Index         uint16 // position of this cabinet in its set
	FolderReserve uint8  // reserve bytes in each CFFOLDER
	DataReserve   uint8  // reserve bytes in each CFDATA
	Reserved      []byte // per cabinet reserve area
	Prev          *Link
	Next          *Link
}

// Version returns the format version as major.minor.
func (h Header) Version() string {
	return fmt.Sprintf("%d.%d", h.VersionMajor, h.VersionMinor)
}

// Continued reports whether the cabinet belongs to a multi cabinet set.
func (h Header) Continued() bool {
	return h.Flags.Has(FlagPrevCabinet) || h.Flags.Has(FlagNextCabinet)
}

// formatErr wraps a cursor failure, which always means the structure runs past
// the end of the cabinet.
func formatErr(field string, off int64, err error) error {
	switch {
	case errors.Is(err, cursor.ErrNoTerminator):
		err = fmt.Errorf("%w: %w", ErrBadHeader, err)
	case errors.Is(err, cursor.ErrOutOfBounds):
		err = fmt.Errorf("%w: %w", ErrTruncated, err)
	}
	return &FormatError{Field: field, Offset: off, Err: err}
}

// parseHeader reads the CFHEADER from the start of a source of size bytes.
func parseHeader(c *cursor.Cursor, size int64, cfg *Config) (Header, error) {
	var h Header
	sig := c.Bytes(len(signature))
	if err := c.Err(); err != nil {
		if size >= int64(len(signature)) {
			return h, formatErr("signature", 0, err)
		}
		return h, &FormatError{Field: "signature", Err: fmt.Errorf("%w: %d bytes", ErrBadMagic, size)}
	}
	if !bytes.Equal(sig, signature) {
		return h, &FormatError{Field: "signature", Err: fmt.Errorf("%w: %q", ErrBadMagic, sig)}
	}
	reserved1 := c.U32()
	h.Size = c.U32()
	reserved2 := c.U32()
	h.FilesOffset = c.U32()
	reserved3 := c.U32()
	h.VersionMinor = c.U8()
	h.VersionMajor = c.U8()
	h.Folders = c.U16()
	h.Files = c.U16()
	h.Flags = Flags(c.U16())
	h.SetID = c.U16()
	h.Index = c.U16()
	if err := c.Err(); err != nil {
		return h, formatErr("header", 0, err)
	}

	bad := func(field string, off int64, format string, a ...any) error {
		return &FormatError{Field: field, Offset: off, Err: fmt.Errorf("%w: %s", ErrBadHeader, fmt.Sprintf(format, a...))}
	}
	switch {
	case reserved1 != 0:
		return h, bad("reserved1", 4, "%#x", reserved1)
	case reserved2 != 0:
		return h, bad("reserved2", 12, "%#x", reserved2)
	case reserved3 != 0:
		return h, bad("reserved3", 20, "%#x", reserved3)
	}
	if h.VersionMajor != 1 || h.VersionMinor > 3 {
		return h, &FormatError{Field: "version", Offset: 24, Err: fmt.Errorf("%w: %s", ErrUnsupportedVersion, h.Version())}
	}
	if h.Flags&^knownFlags != 0 {
		return h, bad("flags", 30, "unknown bits %#04x", uint16(h.Flags&^knownFlags))
	}
	if h.Size < headerSize {
		return h, bad("size", 8, "%d bytes is smaller than the header", h.Size)
	}
	if int64(h.Size) > size {
		return h, &FormatError{Field: "size", Offset: 8,
			Err: fmt.Errorf("%w: header declares %d bytes, source has %d", ErrTruncated, h.Size, size)}
	}

	if h.Flags.Has(FlagReserve) {
		off := c.Offset()
		n := c.U16()
		h.FolderReserve = c.U8()
		h.DataReserve = c.U8()
		if err := c.Err(); err != nil {
			return h, formatErr("reserve sizes", off, err)
		}
		if n > maxReserve {
			return h, bad("reserve sizes", off, "reserve area of %d bytes", n)
		}
		if n > 0 {
			h.Reserved = c.Bytes(int(n))
			if err := c.Err(); err != nil {
				return h, formatErr("reserve area", off+4, err)
			}
		}
	}

	var err error
	if h.Flags.Has(FlagPrevCabinet) {
		if h.Prev, err = parseLink(c, "previous cabinet", cfg); err != nil {
			return h, err
		}
	}
	if h.Flags.Has(FlagNextCabinet) {
		if h.Next, err = parseLink(c, "next cabinet", cfg); err != nil {
			return h, err
		}
	}
	h.FoldersOffset = c.Offset()

	tableEnd := h.FoldersOffset + int64(h.Folders)*int64(folderSize+int(h.FolderReserve))
	if tableEnd > int64(h.Size) {
		return h, &FormatError{Field: "folder table", Offset: h.FoldersOffset,
			Err: fmt.Errorf("%w: %d folders end at %d, cabinet is %d bytes", ErrTruncated, h.Folders, tableEnd, h.Size)}
	}
	if h.Files > 0 && (int64(h.FilesOffset) < tableEnd || h.FilesOffset >= h.Size) {
		return h, bad("files offset", 16, "%d is outside %d to %d", h.FilesOffset, tableEnd, h.Size)
	}
	return h, nil
}

func parseLink(c *cursor.Cursor, field string, cfg *Config) (*Link, error) {
	off := c.Offset()
	name := c.CString(maxLinkName)
	disk := c.CString(maxLinkName)
	if err := c.Err(); err != nil {
		return nil, formatErr(field, off, err)
	}
	return &Link{
		Name: decodeName(name, false, cfg),
		Disk: decodeName(disk, false, cfg),
	}, nil
}

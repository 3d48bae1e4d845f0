package cabinet

import (
	"fmt"
	"io/fs"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Defacto2/cabinet/internal/cursor"
	"github.com/dustin/go-humanize"
)

// Attributes are the CFFILE attribute bits.
type Attributes uint16

const (
	AttrReadOnly Attributes = 0x01
	AttrHidden   Attributes = 0x02
	AttrSystem   Attributes = 0x04
	AttrArchive  Attributes = 0x20
	AttrExec     Attributes = 0x40 // run after extraction
	AttrNameUTF8 Attributes = 0x80 // the name is UTF-8 rather than a code page
)

// Has reports whether all the bits of x are set.
func (a Attributes) Has(x Attributes) bool { return a&x == x }

// String returns the attributes in the rhsaxu order with a dash for each unset bit.
func (a Attributes) String() string {
	flags := [...]struct {
		bit  Attributes
		char byte
	}{
		{AttrReadOnly, 'r'}, {AttrHidden, 'h'}, {AttrSystem, 's'},
		{AttrArchive, 'a'}, {AttrExec, 'x'}, {AttrNameUTF8, 'u'},
	}
	b := make([]byte, len(flags))
	for i, f := range flags {
		b[i] = '-'
		if a.Has(f.bit) {
			b[i] = f.char
		}
	}
	return string(b)
}

// Continuation marks a file whose data is split across cabinets.
type Continuation uint8

const (
	NotContinued         Continuation = iota
	ContinuedFromPrev                 // folder index 0xFFFD
	ContinuedToNext                   // folder index 0xFFFE
	ContinuedPrevAndNext              // folder index 0xFFFF
)

func (c Continuation) String() string {
	switch c {
	case NotContinued:
		return "none"
	case ContinuedFromPrev:
		return "from previous"
	case ContinuedToNext:
		return "to next"
	case ContinuedPrevAndNext:
		return "previous and next"
	}
	return "unknown"
}

const (
	continuedFromPrev    = 0xFFFD
	continuedToNext      = 0xFFFE
	continuedPrevAndNext = 0xFFFF
)

// FolderRef locates the data of a file.
// Index is -1 when the file is continued from or to another cabinet.
type FolderRef struct {
	Index        int
	Continuation Continuation
}

func folderRef(raw uint16, folders int) (FolderRef, error) {
	switch raw {
	case continuedFromPrev:
		return FolderRef{Index: -1, Continuation: ContinuedFromPrev}, nil
	case continuedToNext:
		return FolderRef{Index: -1, Continuation: ContinuedToNext}, nil
	case continuedPrevAndNext:
		return FolderRef{Index: -1, Continuation: ContinuedPrevAndNext}, nil
	}
	if int(raw) >= folders {
		return FolderRef{}, fmt.Errorf("%w: index %d of %d folders", ErrInvalidFolderIndex, raw, folders)
	}
	return FolderRef{Index: int(raw)}, nil
}

// Entry is a file listed in the cabinet.
type Entry struct {
	Name       string // path using backslash separators
	Size       uint32 // uncompressed length
	Offset     uint32 // position of the data in the uncompressed folder
	Folder     FolderRef
	Modified   time.Time // zero when the stored date and time are both zero
	Attributes Attributes
	Index      int // position in the listing
}

// Continued reports whether the file data is in another cabinet.
func (e Entry) Continued() bool { return e.Folder.Continuation != NotContinued }

// Path returns the name with forward slash separators.
func (e Entry) Path() string { return strings.ReplaceAll(e.Name, `\`, "/") }

// String returns a one line listing of the entry.
func (e Entry) String() string {
	stamp := "-"
	if !e.Modified.IsZero() {
		stamp = e.Modified.Format(time.DateTime)
	}
	return fmt.Sprintf("%s %8s %s %s", e.Attributes, humanize.Bytes(uint64(e.Size)), stamp, e.Name)
}

// FileInfo describes the entry as a regular file.
func (e Entry) FileInfo() fs.FileInfo { return entryInfo{e} }

type entryInfo struct{ e Entry }

func (i entryInfo) Name() string       { return path.Base(i.e.Path()) }
func (i entryInfo) Size() int64        { return int64(i.e.Size) }
func (i entryInfo) ModTime() time.Time { return i.e.Modified }
func (i entryInfo) IsDir() bool        { return false }
func (i entryInfo) Sys() any           { return i.e }

func (i entryInfo) Mode() fs.FileMode {
	mode := fs.FileMode(0o644)
	if i.e.Attributes.Has(AttrReadOnly) {
		mode = 0o444
	}
	if i.e.Attributes.Has(AttrExec) {
		mode |= 0o111
	}
	return mode
}

// dosTime converts an MS-DOS date and time stamp.
func dosTime(date, clock uint16, loc *time.Location) time.Time {
	if date == 0 && clock == 0 {
		return time.Time{}
	}
	return time.Date(
		int(date>>9)+1980, time.Month(date>>5&0xF), int(date&0x1F),
		int(clock>>11), int(clock>>5&0x3F), int(clock&0x1F)*2, 0, loc)
}

// decodeName converts a stored name to a Go string.
func decodeName(raw []byte, isUTF8 bool, cfg *Config) string {
	if isUTF8 {
		if utf8.Valid(raw) {
			return string(raw)
		}
		return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
	}
	ascii := true
	for _, b := range raw {
		if b >= utf8.RuneSelf {
			ascii = false
			break
		}
	}
	if ascii || cfg.NameEncoding == nil {
		return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
	}
	s, err := cfg.NameEncoding.NewDecoder().Bytes(raw)
	if err != nil {
		return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
	}
	return string(s)
}

func parseFiles(c *cursor.Cursor, h Header, folders []Folder, cfg *Config) ([]Entry, error) {
	if h.Files == 0 {
		return nil, nil
	}
	c.Seek(int64(h.FilesOffset))
	entries := make([]Entry, 0, h.Files)
	for i := range int(h.Files) {
		off := c.Offset()
		size := c.U32()
		offset := c.U32()
		index := c.U16()
		date := c.U16()
		clock := c.U16()
		attrs := Attributes(c.U16())
		raw := c.CString(maxName)
		field := fmt.Sprintf("file %d", i)
		if err := c.Err(); err != nil {
			return nil, formatErr(field, off, err)
		}
		ref, err := folderRef(index, len(folders))
		if err != nil {
			return nil, &FormatError{Field: field + " folder", Offset: off + 8, Err: err}
		}
		end := uint64(offset) + uint64(size)
		if end > maxFolderBytes {
			return nil, &FormatError{Field: field + " size", Offset: off,
				Err: fmt.Errorf("%w: %d bytes at folder offset %d", ErrBadHeader, size, offset)}
		}
		// the blocks of a folder hold at most MaxBlockSize bytes each
		if ref.Index >= 0 {
			if limit := uint64(folders[ref.Index].Blocks) * MaxBlockSize; end > limit {
				return nil, &FormatError{Field: field + " size", Offset: off,
					Err: fmt.Errorf("%w: %d bytes at folder offset %d, folder %d holds at most %d",
						ErrBadHeader, size, offset, ref.Index, limit)}
			}
		}
		entries = append(entries, Entry{
			Name:       decodeName(raw, attrs.Has(AttrNameUTF8), cfg),
			Size:       size,
			Offset:     offset,
			Folder:     ref,
			Modified:   dosTime(date, clock, cfg.Location),
			Attributes: attrs,
			Index:      i,
		})
	}
	return entries, nil
}

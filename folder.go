package cabinet

import (
	"fmt"

	"github.com/Defacto2/cabinet/internal/cursor"
	"github.com/Defacto2/cabinet/lzx"
	"github.com/Defacto2/cabinet/quantum"
)

// Method is the compression method of a folder.
type Method uint8

const (
	MethodNone    Method = 0 // stored
	MethodMSZIP   Method = 1 // deflate blocks with the CK signature
	MethodQuantum Method = 2 // Quantum by David Stafford
	MethodLZX     Method = 3 // LZX by Jonathan Forbes and Tomi Poutanen
)

func (m Method) String() string {
	switch m {
	case MethodNone:
		return "None"
	case MethodMSZIP:
		return "MSZIP"
	case MethodQuantum:
		return "Quantum"
	case MethodLZX:
		return "LZX"
	}
	return fmt.Sprintf("Method(%d)", uint8(m))
}

// Compression is the decoded typeCompress field of a folder.
type Compression struct {
	Method Method
	Level  uint8  // Quantum compression level
	Window uint8  // LZX or Quantum window size as a power of two
	Raw    uint16 // the field as stored
}

func (c Compression) String() string {
	switch c.Method {
	case MethodLZX:
		return fmt.Sprintf("LZX:%d", c.Window)
	case MethodQuantum:
		return fmt.Sprintf("Quantum:%d:%d", c.Level, c.Window)
	}
	return c.Method.String()
}

// parseCompression splits and validates the typeCompress field.
func parseCompression(raw uint16) (Compression, error) {
	c := Compression{Method: Method(raw & 0x000F), Raw: raw}
	switch c.Method {
	case MethodNone, MethodMSZIP:
	case MethodLZX:
		c.Window = uint8(raw >> 8 & 0x1F)
		if c.Window < lzx.MinWindowBits || c.Window > lzx.MaxWindowBits {
			return c, fmt.Errorf("%w: LZX window of %d bits", ErrBadHeader, c.Window)
		}
	case MethodQuantum:
		c.Level = uint8(raw >> 4 & 0xF)
		c.Window = uint8(raw >> 8 & 0x1F)
		if c.Level < quantum.MinLevel || c.Level > quantum.MaxLevel {
			return c, fmt.Errorf("%w: Quantum level %d", ErrBadHeader, c.Level)
		}
		if c.Window < quantum.MinWindowBits || c.Window > quantum.MaxWindowBits {
			return c, fmt.Errorf("%w: Quantum window of %d bits", ErrBadHeader, c.Window)
		}
	default:
		return c, fmt.Errorf("%w: type %#04x", ErrUnknownCompression, raw)
	}
	return c, nil
}

// Folder is a CFFOLDER, one compressed stream holding the data of one or more files.
type Folder struct {
	Index       int
	DataOffset  uint32 // absolute offset of the first CFDATA
	Blocks      uint16 // number of CFDATA blocks
	Compression Compression
	Reserved    []byte
}

func parseFolders(c *cursor.Cursor, h Header) ([]Folder, error) {
	c.Seek(h.FoldersOffset)
	folders := make([]Folder, 0, h.Folders)
	for i := range int(h.Folders) {
		off := c.Offset()
		f := Folder{Index: i}
		f.DataOffset = c.U32()
		f.Blocks = c.U16()
		raw := c.U16()
		if h.FolderReserve > 0 {
			f.Reserved = c.Bytes(int(h.FolderReserve))
		}
		field := fmt.Sprintf("folder %d", i)
		if err := c.Err(); err != nil {
			return nil, formatErr(field, off, err)
		}
		comp, err := parseCompression(raw)
		if err != nil {
			return nil, &FormatError{Field: field + " compression", Offset: off + 6, Err: err}
		}
		f.Compression = comp
		first := int64(h.FoldersOffset) + int64(h.Folders)*int64(folderSize+int(h.FolderReserve))
		if f.Blocks > 0 && (int64(f.DataOffset) < first || f.DataOffset >= h.Size) {
			return nil, &FormatError{Field: field + " data offset", Offset: off,
				Err: fmt.Errorf("%w: %d is outside %d to %d", ErrBadHeader, f.DataOffset, first, h.Size)}
		}
		folders = append(folders, f)
	}
	return folders, nil
}

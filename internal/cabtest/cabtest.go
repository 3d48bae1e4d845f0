// Package cabtest builds Microsoft Cabinet files in memory for tests.
//
// Folders are stored, MSZIP compressed with a deflate encoder, LZX encoded
// as uncompressed LZX blocks, or Quantum with the data left as is for use
// with a pass through entropy decoder.
package cabtest

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/klauspost/compress/flate"
)

// Compression types.
const (
	None  uint16 = 0
	MSZIP uint16 = 1
)

// LZX returns the compression type of an LZX folder with a 1<<bits window.
func LZX(bits int) uint16 { return 3 | uint16(bits)<<8 }

// Quantum returns the compression type of a Quantum folder.
func Quantum(level, bits int) uint16 { return 2 | uint16(level)<<4 | uint16(bits)<<8 }

// Stamp is the modification time given to files without a date and time.
var Stamp = time.Date(2024, time.May, 17, 12, 34, 56, 0, time.UTC)

// DOS returns the MS-DOS date and time of t.
func DOS(t time.Time) (date, clock uint16) {
	date = uint16(t.Year()-1980)<<9 | uint16(t.Month())<<5 | uint16(t.Day())
	clock = uint16(t.Hour())<<11 | uint16(t.Minute())<<5 | uint16(t.Second()/2)
	return date, clock
}

// File is an entry of the cabinet.
type File struct {
	Name   string
	Data   []byte
	Folder int
	// RawFolder, when non-zero, is written as the folder index instead of Folder
	// and the data is left out of every folder.
	RawFolder  uint16
	Attributes uint16
	Date, Time uint16 // both zero means Stamp
	NoStamp    bool   // store a zero date and time
	// Range, when set, is written as the offset and size of the file and the
	// data is left out of the folder, so entries can share or overlap data.
	Range *Range
}

// Range is a span of an uncompressed folder.
type Range struct{ Offset, Size uint32 }

// Folder is a compressed stream of the cabinet.
type Folder struct {
	Type     uint16
	Reserved []byte
	// LZXBlockPerFrame starts a new uncompressed LZX block in every frame
	// instead of one block for the whole folder.
	LZXBlockPerFrame bool
}

// Link is a previous or next cabinet name.
type Link struct{ Name, Disk string }

// Cabinet describes a cabinet to build.
type Cabinet struct {
	Folders       []Folder
	Files         []File
	BlockSize     int    // uncompressed bytes per data block, default 32768
	HeaderReserve []byte // reserve area, also sets the reserve flag
	FolderReserve int
	DataReserve   int
	ForceReserve  bool // set the reserve flag even when every reserve is empty
	Prev, Next    *Link
	NoChecksum    bool
	SetID, Index  uint16
}

// Layout holds the offsets of the structures of a built cabinet.
type Layout struct {
	FoldersOffset int
	FilesOffset   int
	Blocks        [][]int // offset of each CFDATA, by folder
	Size          int
}

// Bytes returns the cabinet file.
func (c Cabinet) Bytes() []byte {
	b, _ := c.Build()
	return b
}

// Build returns the cabinet file and its layout.
func (c Cabinet) Build() ([]byte, Layout) {
	blockSize := c.BlockSize
	if blockSize <= 0 {
		blockSize = 32768
	}
	streams := make([][]byte, len(c.Folders))
	offsets := make([]uint32, len(c.Files))
	for i, f := range c.Files {
		if f.RawFolder != 0 || f.Range != nil {
			continue
		}
		offsets[i] = uint32(len(streams[f.Folder]))
		streams[f.Folder] = append(streams[f.Folder], f.Data...)
	}
	blocks := make([][][2][]byte, len(c.Folders)) // payload and uncompressed data of each block
	for i, f := range c.Folders {
		blocks[i] = encode(f, chunk(streams[i], blockSize))
	}

	var flags uint16
	reserve := c.HeaderReserve != nil || c.FolderReserve > 0 || c.DataReserve > 0 || c.ForceReserve
	hdr := 36
	if c.Prev != nil {
		flags |= 0x1
		hdr += len(c.Prev.Name) + len(c.Prev.Disk) + 2
	}
	if c.Next != nil {
		flags |= 0x2
		hdr += len(c.Next.Name) + len(c.Next.Disk) + 2
	}
	if reserve {
		flags |= 0x4
		hdr += 4 + len(c.HeaderReserve)
	}

	var lay Layout
	lay.FoldersOffset = hdr
	lay.FilesOffset = hdr + len(c.Folders)*(8+c.FolderReserve)
	data := lay.FilesOffset
	for _, f := range c.Files {
		data += 16 + len(f.Name) + 1
	}
	lay.Blocks = make([][]int, len(c.Folders))
	folderData := make([]int, len(c.Folders))
	pos := data
	for i := range c.Folders {
		folderData[i] = pos
		for _, b := range blocks[i] {
			lay.Blocks[i] = append(lay.Blocks[i], pos)
			pos += 8 + c.DataReserve + len(b[0])
		}
	}
	lay.Size = pos

	le := binary.LittleEndian
	out := make([]byte, 0, pos)
	out = append(out, "MSCF"...)
	out = le.AppendUint32(out, 0)
	out = le.AppendUint32(out, uint32(pos))
	out = le.AppendUint32(out, 0)
	out = le.AppendUint32(out, uint32(lay.FilesOffset))
	out = le.AppendUint32(out, 0)
	out = append(out, 3, 1)
	out = le.AppendUint16(out, uint16(len(c.Folders)))
	out = le.AppendUint16(out, uint16(len(c.Files)))
	out = le.AppendUint16(out, flags)
	out = le.AppendUint16(out, c.SetID)
	out = le.AppendUint16(out, c.Index)
	if reserve {
		out = le.AppendUint16(out, uint16(len(c.HeaderReserve)))
		out = append(out, byte(c.FolderReserve), byte(c.DataReserve))
		out = append(out, c.HeaderReserve...)
	}
	for _, l := range []*Link{c.Prev, c.Next} {
		if l != nil {
			out = append(out, l.Name...)
			out = append(out, 0)
			out = append(out, l.Disk...)
			out = append(out, 0)
		}
	}
	for i, f := range c.Folders {
		out = le.AppendUint32(out, uint32(folderData[i]))
		out = le.AppendUint16(out, uint16(len(blocks[i])))
		out = le.AppendUint16(out, f.Type)
		out = append(out, pad(f.Reserved, c.FolderReserve)...)
	}
	for i, f := range c.Files {
		date, clock := f.Date, f.Time
		if date == 0 && clock == 0 && !f.NoStamp {
			date, clock = DOS(Stamp)
		}
		index := uint16(f.Folder)
		if f.RawFolder != 0 {
			index = f.RawFolder
		}
		size, offset := uint32(len(f.Data)), offsets[i]
		if f.Range != nil {
			size, offset = f.Range.Size, f.Range.Offset
		}
		out = le.AppendUint32(out, size)
		out = le.AppendUint32(out, offset)
		out = le.AppendUint16(out, index)
		out = le.AppendUint16(out, date)
		out = le.AppendUint16(out, clock)
		out = le.AppendUint16(out, f.Attributes)
		out = append(out, f.Name...)
		out = append(out, 0)
	}
	for i := range c.Folders {
		for _, b := range blocks[i] {
			payload, size := b[0], len(b[1])
			raw := append(pad(nil, c.DataReserve), payload...)
			var sum uint32
			if !c.NoChecksum {
				sum = Checksum(payload, uint16(len(payload)), uint16(size))
			}
			out = le.AppendUint32(out, sum)
			out = le.AppendUint16(out, uint16(len(payload)))
			out = le.AppendUint16(out, uint16(size))
			out = append(out, raw...)
		}
	}
	return out, lay
}

// Checksum returns the CFDATA checksum of a block payload.
func Checksum(payload []byte, compressed, uncompressed uint16) uint32 {
	var sizes [4]byte
	binary.LittleEndian.PutUint16(sizes[0:], compressed)
	binary.LittleEndian.PutUint16(sizes[2:], uncompressed)
	return fold(sizes[:], fold(payload, 0))
}

func fold(p []byte, seed uint32) uint32 {
	for len(p) >= 4 {
		seed ^= binary.LittleEndian.Uint32(p)
		p = p[4:]
	}
	var tail uint32
	for _, b := range p {
		tail = tail<<8 | uint32(b)
	}
	return seed ^ tail
}

func pad(p []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, p)
	return out
}

func chunk(p []byte, size int) [][]byte {
	var chunks [][]byte
	for len(p) > 0 {
		n := min(size, len(p))
		chunks = append(chunks, p[:n])
		p = p[n:]
	}
	return chunks
}

// encode returns the payload and the uncompressed data of each block.
func encode(f Folder, chunks [][]byte) [][2][]byte {
	blocks := make([][2][]byte, len(chunks))
	switch f.Type & 0xF {
	case MSZIP:
		var window []byte
		for i, c := range chunks {
			blocks[i] = [2][]byte{Deflate(c, window), c}
			window = append(window, c...)
			if over := len(window) - 32768; over > 0 {
				window = window[over:]
			}
		}
	case 3:
		total := 0
		for _, c := range chunks {
			total += len(c)
		}
		for i, c := range chunks {
			var w lzxWriter
			if i == 0 {
				w.bits(0, 1) // no E8 translation
			}
			size := total
			if f.LZXBlockPerFrame {
				size = len(c)
			}
			if i == 0 || f.LZXBlockPerFrame {
				w.bits(3, 3)
				w.bits(uint32(size>>8), 16)
				w.bits(uint32(size&0xFF), 8)
				w.align()
				for range 3 {
					w.out = binary.LittleEndian.AppendUint32(w.out, 1)
				}
			}
			w.out = append(w.out, c...)
			if (i == len(chunks)-1 || f.LZXBlockPerFrame) && size&1 == 1 {
				w.out = append(w.out, 0)
			}
			blocks[i] = [2][]byte{w.out, c}
		}
	default:
		for i, c := range chunks {
			blocks[i] = [2][]byte{bytes.Clone(c), c}
		}
	}
	return blocks
}

// Deflate returns an MSZIP block of p compressed with the given history.
func Deflate(p, history []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("CK")
	var w *flate.Writer
	var err error
	if len(history) == 0 {
		w, err = flate.NewWriter(&buf, flate.BestCompression)
	} else {
		w, err = flate.NewWriterDict(&buf, flate.BestCompression, history)
	}
	if err != nil {
		panic(err)
	}
	if _, err := w.Write(p); err != nil {
		panic(err)
	}
	if err := w.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// lzxWriter writes bits the way an LZX decoder reads them: most significant
// first within little-endian 16-bit words.
type lzxWriter struct {
	out  []byte
	acc  uint32
	nacc uint
}

func (w *lzxWriter) bits(v uint32, n uint) {
	for i := int(n) - 1; i >= 0; i-- {
		w.acc = w.acc<<1 | v>>uint(i)&1
		w.nacc++
		if w.nacc == 16 {
			w.out = binary.LittleEndian.AppendUint16(w.out, uint16(w.acc))
			w.acc, w.nacc = 0, 0
		}
	}
}

// align pads to the next word. An aligned writer emits a whole zero word,
// which is what a decoder skips when it has no bits buffered.
func (w *lzxWriter) align() {
	if w.nacc == 0 {
		w.out = append(w.out, 0, 0)
		return
	}
	w.bits(0, 16-w.nacc)
}

package cabinet

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/Defacto2/cabinet/internal/cursor"
	"go.uber.org/zap"
)

// dataBlock is a CFDATA record.
type dataBlock struct {
	Offset       int64 // absolute offset of the record
	Checksum     uint32
	Compressed   uint16
	Uncompressed uint16 // zero when the block continues in the next cabinet
	Reserved     []byte
	Data         []byte
}

func readBlock(c *cursor.Cursor, reserve int) (dataBlock, error) {
	b := dataBlock{Offset: c.Offset()}
	b.Checksum = c.U32()
	b.Compressed = c.U16()
	b.Uncompressed = c.U16()
	if err := c.Err(); err != nil {
		return b, fmt.Errorf("%w: block header: %w", ErrUnexpectedEOB, err)
	}
	if b.Compressed > MaxCompressedBlock {
		return b, fmt.Errorf("%w: block payload of %d bytes", ErrCorruptStream, b.Compressed)
	}
	raw := c.Bytes(reserve + int(b.Compressed))
	if err := c.Err(); err != nil {
		return b, fmt.Errorf("%w: block payload: %w", ErrUnexpectedEOB, err)
	}
	b.Reserved, b.Data = raw[:reserve], raw[reserve:]
	return b, nil
}

// sum computes the block checksum over the payload, then over the two size
// fields. The reserve area is not covered.
func (b dataBlock) sum() uint32 {
	return checksum(b.sizes(), checksum(b.Data, 0))
}

// reservedSum computes the block checksum with the reserve area folded in
// ahead of the payload, as some writers store it.
func (b dataBlock) reservedSum() uint32 {
	p := make([]byte, 0, len(b.Reserved)+len(b.Data))
	p = append(append(p, b.Reserved...), b.Data...)
	return checksum(b.sizes(), checksum(p, 0))
}

func (b dataBlock) sizes() []byte {
	sizes := make([]byte, 4)
	binary.LittleEndian.PutUint16(sizes[0:], b.Compressed)
	binary.LittleEndian.PutUint16(sizes[2:], b.Uncompressed)
	return sizes
}

// valid reports whether the stored checksum matches the block and returns
// the computed payload checksum.
func (b dataBlock) valid() (uint32, bool) {
	sum := b.sum()
	if sum == b.Checksum {
		return sum, true
	}
	return sum, len(b.Reserved) > 0 && b.reservedSum() == b.Checksum
}

// checksum folds p into seed as little-endian 32-bit words. The trailing one to
// three bytes are packed most significant first.
func checksum(p []byte, seed uint32) uint32 {
	n := len(p) &^ 3
	for i := 0; i < n; i += 4 {
		seed ^= binary.LittleEndian.Uint32(p[i:])
	}
	var tail uint32
	switch len(p) & 3 {
	case 3:
		tail = uint32(p[n])<<16 | uint32(p[n+1])<<8 | uint32(p[n+2])
	case 2:
		tail = uint32(p[n])<<8 | uint32(p[n+1])
	case 1:
		tail = uint32(p[n])
	}
	return seed ^ tail
}

// folderReader is the uncompressed view of one folder. It decodes the data
// blocks one at a time as they are read, and stops at the first failure.
type folderReader struct {
	folder   Folder
	reserve  int
	policy   ChecksumPolicy
	log      *zap.Logger
	codec    Codec
	cur      *cursor.Cursor
	block    int    // index of the next block to decode
	pending  []byte // decoded output not yet read
	warnings []ChecksumWarning
	err      error
}

// openFolder starts a decode pass over folder i.
func (a *Archive) openFolder(i int) (*folderReader, error) {
	if i < 0 || i >= len(a.Folders) {
		return nil, fmt.Errorf("%w: folder %d", ErrInvalidFolderIndex, i)
	}
	f := a.Folders[i]
	codec, err := newCodec(f.Compression, &a.cfg)
	if err != nil {
		return nil, &DecodeError{Folder: i, Offset: int64(f.DataOffset), Err: err}
	}
	return &folderReader{
		folder:  f,
		reserve: int(a.Header.DataReserve),
		policy:  a.cfg.Checksum,
		log:     a.cfg.Logger,
		codec:   codec,
		cur:     cursor.New(a.src, int64(f.DataOffset), int64(a.Header.Size)),
	}, nil
}

func (f *folderReader) Read(p []byte) (int, error) {
	for len(f.pending) == 0 {
		if f.err != nil {
			return 0, f.err
		}
		if f.block >= int(f.folder.Blocks) {
			f.err = io.EOF
			return 0, f.err
		}
		if err := f.next(); err != nil {
			f.err = err
			return 0, err
		}
	}
	n := copy(p, f.pending)
	f.pending = f.pending[n:]
	return n, nil
}

func (f *folderReader) next() error {
	b, err := readBlock(f.cur, f.reserve)
	fail := func(err error) error {
		return &DecodeError{Folder: f.folder.Index, Block: f.block, Offset: b.Offset, Err: err}
	}
	if err != nil {
		return fail(err)
	}
	switch {
	case b.Uncompressed == 0:
		return fail(ErrContinued)
	case b.Uncompressed > MaxBlockSize:
		return fail(fmt.Errorf("%w: block output of %d bytes", ErrCorruptStream, b.Uncompressed))
	}
	if b.Checksum != 0 && f.policy != ChecksumIgnore {
		if sum, ok := b.valid(); !ok {
			if f.policy == ChecksumVerify {
				return fail(fmt.Errorf("%w: stored %#08x, computed %#08x", ErrChecksum, b.Checksum, sum))
			}
			w := ChecksumWarning{Folder: f.folder.Index, Block: f.block, Offset: b.Offset, Stored: b.Checksum, Computed: sum}
			f.warnings = append(f.warnings, w)
			f.log.Warn("cabinet checksum mismatch",
				zap.Int("folder", w.Folder), zap.Int("block", w.Block), zap.Int64("offset", w.Offset),
				zap.Uint32("stored", w.Stored), zap.Uint32("computed", w.Computed))
		}
	}
	out, err := f.codec.Decode(b.Data, int(b.Uncompressed))
	if err != nil {
		return fail(decodeErr(err))
	}
	if len(out) != int(b.Uncompressed) {
		return fail(fmt.Errorf("%w: block decoded to %d of %d bytes", ErrCorruptStream, len(out), b.Uncompressed))
	}
	f.block++
	f.pending = out
	return nil
}

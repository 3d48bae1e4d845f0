// Package lzx decodes the LZX compression method used by cabinet folders.
//
// An LZX folder is one continuous compressed stream cut into frames of 32 KiB
// of output, one frame per cabinet data block. A [Decoder] holds the state that
// runs across frames: the sliding window, the three repeated match offsets, the
// code lengths of the previous block and the Intel E8 call translation position.
// It decodes the verbatim, aligned offset and uncompressed block types.
//
// The format is documented in [MS-PATCH] and in the cabinet section of [MS-CAB].
//
// [MS-PATCH]: https://learn.microsoft.com/en-us/previous-versions/bb417343(v=msdn.10)
// [MS-CAB]: https://learn.microsoft.com/en-us/previous-versions/bb267310(v=vs.85)
package lzx

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// MinWindowBits and MaxWindowBits bound the window size of a folder, 32 KiB to 2 MiB.
	MinWindowBits = 15
	MaxWindowBits = 21
	// FrameSize is the uncompressed size of every frame but the last of a folder.
	FrameSize = 32 * 1024
)

var (
	ErrWindow    = errors.New("lzx window size is out of range")
	ErrCorrupt   = errors.New("lzx stream is corrupt")
	ErrTruncated = errors.New("lzx frame ends before its output is complete")
)

var (
	errCodeLength     = fmt.Errorf("%w: code length is longer than %d bits", ErrCorrupt, maxCodeLen)
	errOversubscribed = fmt.Errorf("%w: prefix code is over subscribed", ErrCorrupt)
	errIncomplete     = fmt.Errorf("%w: prefix code is incomplete", ErrCorrupt)
	errEmptyTree      = fmt.Errorf("%w: symbol read from an empty prefix code", ErrCorrupt)
	errBadCode        = fmt.Errorf("%w: invalid prefix code", ErrCorrupt)
)

const (
	blockVerbatim     = 1
	blockAligned      = 2
	blockUncompressed = 3

	numChars         = 256
	minMatch         = 2
	primaryLengths   = 7
	secondaryLengths = 249
	pretreeSymbols   = 20
	alignedSymbols   = 8
	maxPositionSlots = 50

	// lengths written by a run may spill past the last symbol of a tree.
	lengthSafety = 64

	// e8Frames is the number of frames after which call translation stops.
	e8Frames = 32768
)

// positionSlots is the number of match position slots for each window size.
var positionSlots = [MaxWindowBits + 1]int{
	15: 30, 16: 32, 17: 34, 18: 36, 19: 38, 20: 42, 21: 50,
}

var (
	extraBits    [maxPositionSlots + 1]uint8
	positionBase [maxPositionSlots + 1]uint32
)

func init() {
	j := uint8(0)
	for i := 0; i <= maxPositionSlots; i += 2 {
		extraBits[i] = j
		if i+1 <= maxPositionSlots {
			extraBits[i+1] = j
		}
		if i != 0 && j < 17 {
			j++
		}
	}
	for i := 1; i <= maxPositionSlots; i++ {
		positionBase[i] = positionBase[i-1] + 1<<extraBits[i-1]
	}
}

// Decoder decodes the frames of one LZX folder in order.
type Decoder struct {
	windowBits int
	window     []byte
	pos        int   // next write position in window
	written    int64 // bytes decoded since the last reset
	slots      int

	r0, r1, r2 uint32

	pretreeLens [pretreeSymbols]uint8
	mainLens    [numChars + maxPositionSlots*8 + lengthSafety]uint8
	lengthLens  [secondaryLengths + lengthSafety]uint8
	alignedLens [alignedSymbols]uint8
	pretree     huffman
	main        huffman
	length      huffman
	aligned     huffman

	blockType      int
	blockLength    int
	blockRemaining int
	headerRead     bool

	intelFilesize int32
	intelCurpos   int32
	intelStarted  bool
	frames        int

	br bitReader
}

// New returns a decoder for a folder whose window is 1<<windowBits bytes.
func New(windowBits int) (*Decoder, error) {
	if windowBits < MinWindowBits || windowBits > MaxWindowBits {
		return nil, fmt.Errorf("%w: %d bits", ErrWindow, windowBits)
	}
	d := &Decoder{
		windowBits: windowBits,
		window:     make([]byte, 1<<windowBits),
		slots:      positionSlots[windowBits],
	}
	d.Reset()
	return d, nil
}

// WindowBits returns the base two logarithm of the window size.
func (d *Decoder) WindowBits() int { return d.windowBits }

// Reset returns the decoder to the state of the start of a folder.
func (d *Decoder) Reset() {
	d.pos, d.written = 0, 0
	d.r0, d.r1, d.r2 = 1, 1, 1
	clear(d.mainLens[:])
	clear(d.lengthLens[:])
	d.blockType, d.blockLength, d.blockRemaining = 0, 0, 0
	d.headerRead = false
	d.intelFilesize, d.intelCurpos = 0, 0
	d.intelStarted = false
	d.frames = 0
}

// Decode decodes the next frame of the folder from src, which must be the whole
// payload of one data block, into exactly size bytes.
func (d *Decoder) Decode(src []byte, size int) ([]byte, error) {
	if size <= 0 || size > FrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrCorrupt, size)
	}
	if d.pos+size > len(d.window) {
		return nil, fmt.Errorf("%w: frame of %d bytes at window position %d crosses the window end", ErrCorrupt, size, d.pos)
	}
	d.br.reset(src)
	if !d.headerRead {
		if d.br.readBits(1) == 1 {
			hi := d.br.readBits(16)
			lo := d.br.readBits(16)
			d.intelFilesize = int32(hi<<16 | lo)
		}
		d.headerRead = true
	}

	start := d.pos
	for todo := size; todo > 0; {
		if d.blockRemaining == 0 {
			if err := d.readBlockHeader(); err != nil {
				return nil, err
			}
		}
		run := min(d.blockRemaining, todo)
		var err error
		if d.blockType == blockUncompressed {
			err = d.copyRun(run)
		} else {
			err = d.decodeRun(run)
		}
		if err != nil {
			return nil, err
		}
		todo -= run
		d.blockRemaining -= run
	}
	if d.br.overrun() {
		return nil, fmt.Errorf("%w: %d bytes of input for a %d byte frame", ErrTruncated, len(src), size)
	}

	out := make([]byte, size)
	copy(out, d.window[start:start+size])
	if d.pos == len(d.window) {
		d.pos = 0
	}
	if d.intelStarted && d.intelFilesize != 0 && d.frames < e8Frames {
		translate(out, d.intelCurpos, d.intelFilesize)
	}
	if d.intelFilesize != 0 {
		d.intelCurpos += int32(size)
	}
	d.frames++
	return out, nil
}

func (d *Decoder) readBlockHeader() error {
	if d.blockType == blockUncompressed && d.blockLength&1 == 1 {
		d.br.skipByte()
	}
	d.blockType = int(d.br.readBits(3))
	hi := d.br.readBits(16)
	lo := d.br.readBits(8)
	d.blockLength = int(hi<<8 | lo)
	d.blockRemaining = d.blockLength

	switch d.blockType {
	case blockAligned:
		for i := range d.alignedLens {
			d.alignedLens[i] = uint8(d.br.readBits(3))
		}
		if err := d.aligned.build(d.alignedLens[:]); err != nil {
			return fmt.Errorf("aligned offset tree: %w", err)
		}
		fallthrough
	case blockVerbatim:
		if err := d.readLengths(d.mainLens[:], 0, numChars); err != nil {
			return fmt.Errorf("main tree: %w", err)
		}
		mainSymbols := numChars + d.slots*8
		if err := d.readLengths(d.mainLens[:], numChars, mainSymbols); err != nil {
			return fmt.Errorf("main tree: %w", err)
		}
		if err := d.main.build(d.mainLens[:mainSymbols]); err != nil {
			return fmt.Errorf("main tree: %w", err)
		}
		if d.main.empty {
			return fmt.Errorf("main tree: %w", errEmptyTree)
		}
		if d.mainLens[0xE8] != 0 {
			d.intelStarted = true
		}
		if err := d.readLengths(d.lengthLens[:], 0, secondaryLengths); err != nil {
			return fmt.Errorf("length tree: %w", err)
		}
		if err := d.length.build(d.lengthLens[:secondaryLengths]); err != nil {
			return fmt.Errorf("length tree: %w", err)
		}
	case blockUncompressed:
		d.intelStarted = true
		d.br.align()
		p, ok := d.br.raw(12)
		if !ok {
			return fmt.Errorf("%w: uncompressed block header", ErrTruncated)
		}
		d.r0 = binary.LittleEndian.Uint32(p[0:])
		d.r1 = binary.LittleEndian.Uint32(p[4:])
		d.r2 = binary.LittleEndian.Uint32(p[8:])
	default:
		return fmt.Errorf("%w: block type %d", ErrCorrupt, d.blockType)
	}
	return nil
}

// readLengths updates lens[first:last] from a pretree coded delta list.
func (d *Decoder) readLengths(lens []uint8, first, last int) error {
	for i := range d.pretreeLens {
		d.pretreeLens[i] = uint8(d.br.readBits(4))
	}
	if err := d.pretree.build(d.pretreeLens[:]); err != nil {
		return fmt.Errorf("pretree: %w", err)
	}
	fill := func(x, n int, v uint8) error {
		if x+n > len(lens) {
			return fmt.Errorf("%w: code length run past the end of the tree", ErrCorrupt)
		}
		for i := range n {
			lens[x+i] = v
		}
		return nil
	}
	for x := first; x < last; {
		z, err := d.pretree.decode(&d.br)
		if err != nil {
			return err
		}
		switch z {
		case 17:
			n := int(d.br.readBits(4)) + 4
			if err := fill(x, n, 0); err != nil {
				return err
			}
			x += n
		case 18:
			n := int(d.br.readBits(5)) + 20
			if err := fill(x, n, 0); err != nil {
				return err
			}
			x += n
		case 19:
			n := int(d.br.readBits(1)) + 4
			z, err := d.pretree.decode(&d.br)
			if err != nil {
				return err
			}
			if z > 16 {
				return fmt.Errorf("%w: pretree delta %d in a run", ErrCorrupt, z)
			}
			if err := fill(x, n, delta(lens[x], z)); err != nil {
				return err
			}
			x += n
		default:
			lens[x] = delta(lens[x], z)
			x++
		}
	}
	return nil
}

func delta(prev uint8, z int) uint8 {
	v := int(prev) - z
	if v < 0 {
		v += 17
	}
	return uint8(v)
}

func (d *Decoder) copyRun(run int) error {
	p, ok := d.br.raw(run)
	if !ok {
		return fmt.Errorf("%w: uncompressed block needs %d more bytes", ErrTruncated, run)
	}
	copy(d.window[d.pos:], p)
	d.pos += run
	d.written += int64(run)
	return nil
}

func (d *Decoder) decodeRun(run int) error {
	for run > 0 {
		sym, err := d.main.decode(&d.br)
		if err != nil {
			return err
		}
		if sym < numChars {
			d.window[d.pos] = byte(sym)
			d.pos++
			d.written++
			run--
			continue
		}
		sym -= numChars
		length := sym & primaryLengths
		if length == primaryLengths {
			extra, err := d.length.decode(&d.br)
			if err != nil {
				return fmt.Errorf("match length: %w", err)
			}
			length += extra
		}
		length += minMatch

		var offset uint32
		switch slot := sym >> 3; slot {
		case 0:
			offset = d.r0
		case 1:
			offset = d.r1
			d.r1 = d.r0
			d.r0 = offset
		case 2:
			offset = d.r2
			d.r2 = d.r0
			d.r0 = offset
		default:
			offset, err = d.readOffset(slot)
			if err != nil {
				return err
			}
			d.r2, d.r1, d.r0 = d.r1, d.r0, offset
		}

		if length > run {
			return fmt.Errorf("%w: match of %d bytes overruns the frame by %d", ErrCorrupt, length, length-run)
		}
		if err := d.copyMatch(offset, length); err != nil {
			return err
		}
		run -= length
	}
	return nil
}

func (d *Decoder) readOffset(slot int) (uint32, error) {
	extra := uint(extraBits[slot])
	offset := positionBase[slot] - 2
	if d.blockType != blockAligned {
		return offset + d.br.readBits(extra), nil
	}
	switch {
	case extra > 3:
		offset += d.br.readBits(extra-3) << 3
		a, err := d.aligned.decode(&d.br)
		if err != nil {
			return 0, fmt.Errorf("aligned offset: %w", err)
		}
		offset += uint32(a)
	case extra == 3:
		a, err := d.aligned.decode(&d.br)
		if err != nil {
			return 0, fmt.Errorf("aligned offset: %w", err)
		}
		offset += uint32(a)
	default:
		offset += d.br.readBits(extra)
	}
	return offset, nil
}

func (d *Decoder) copyMatch(offset uint32, length int) error {
	size := len(d.window)
	switch {
	case offset == 0:
		return fmt.Errorf("%w: zero match offset", ErrCorrupt)
	case int64(offset) > d.written:
		return fmt.Errorf("%w: match offset %d before the start of the folder", ErrCorrupt, offset)
	case int(offset) > size:
		return fmt.Errorf("%w: match offset %d is larger than the window", ErrCorrupt, offset)
	case d.pos+length > size:
		return fmt.Errorf("%w: match runs past the window end", ErrCorrupt)
	}
	src := d.pos - int(offset)
	if src < 0 {
		src += size
	}
	for range length {
		d.window[d.pos] = d.window[src]
		d.pos++
		src++
		if src == size {
			src = 0
		}
	}
	d.written += int64(length)
	return nil
}

// translate undoes the encoder's conversion of relative CALL targets to absolute
// ones. curpos is the folder position of out[0].
func translate(out []byte, curpos, filesize int32) {
	if len(out) <= 10 {
		return
	}
	end := len(out) - 10
	for i := 0; i < end; {
		if out[i] != 0xE8 {
			i++
			curpos++
			continue
		}
		abs := int32(binary.LittleEndian.Uint32(out[i+1:]))
		if abs >= -curpos && abs < filesize {
			rel := abs + filesize
			if abs >= 0 {
				rel = abs - curpos
			}
			binary.LittleEndian.PutUint32(out[i+1:], uint32(rel))
		}
		i += 5
		curpos += 5
	}
}

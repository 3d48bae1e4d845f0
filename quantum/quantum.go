// Package quantum frames the Quantum compression method used by cabinet folders.
//
// Quantum folders are cut into frames of 32 KiB of output, one frame per cabinet
// data block, that share an arithmetic coder model and a history window sized by
// the folder. This package owns that framing: the level and window parameters,
// the frame sizes, the history carried between frames and the reset at the start
// of a folder. The symbol decoding itself is an [Entropy] supplied by the caller.
package quantum

import (
	"errors"
	"fmt"
)

const (
	MinLevel      = 1
	MaxLevel      = 7
	MinWindowBits = 10
	MaxWindowBits = 21
	// FrameSize is the uncompressed size of every frame but the last of a folder.
	FrameSize = 32 * 1024
)

var (
	ErrLevel     = errors.New("quantum compression level is out of range")
	ErrWindow    = errors.New("quantum window size is out of range")
	ErrNoEntropy = errors.New("quantum entropy decoder is not available")
	ErrFrame     = errors.New("quantum frame size is invalid")
)

// Entropy decodes the arithmetic coded frames of one folder.
type Entropy interface {
	// DecodeFrame decodes the frame in src into all of dst. The history holds
	// the most recent output of the folder, at most the window size, oldest first.
	DecodeFrame(dst, src, history []byte) error
	// Reset discards the model so a new folder can begin.
	Reset()
}

// Decoder decodes the frames of one Quantum folder in order.
type Decoder struct {
	level      int
	windowBits int
	entropy    Entropy
	history    []byte
	frames     int
}

// New returns a decoder for a folder with the given compression level and window size.
// The entropy decoder e may be nil, in which case the parameters are still
// validated but every frame fails with ErrNoEntropy.
func New(level, windowBits int, e Entropy) (*Decoder, error) {
	if level < MinLevel || level > MaxLevel {
		return nil, fmt.Errorf("%w: level %d", ErrLevel, level)
	}
	if windowBits < MinWindowBits || windowBits > MaxWindowBits {
		return nil, fmt.Errorf("%w: %d bits", ErrWindow, windowBits)
	}
	d := &Decoder{level: level, windowBits: windowBits, entropy: e}
	d.Reset()
	return d, nil
}

// Level returns the compression level of the folder.
func (d *Decoder) Level() int { return d.level }

// WindowBits returns the base two logarithm of the window size.
func (d *Decoder) WindowBits() int { return d.windowBits }

// Frames returns the number of frames decoded since the last reset.
func (d *Decoder) Frames() int { return d.frames }

// Reset returns the decoder to the start of a folder.
func (d *Decoder) Reset() {
	d.history = d.history[:0]
	d.frames = 0
	if d.entropy != nil {
		d.entropy.Reset()
	}
}

// Decode decodes the next frame from src into exactly size bytes.
func (d *Decoder) Decode(src []byte, size int) ([]byte, error) {
	if d.entropy == nil {
		return nil, ErrNoEntropy
	}
	if size <= 0 || size > FrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrame, size)
	}
	out := make([]byte, size)
	if err := d.entropy.DecodeFrame(out, src, d.history); err != nil {
		return nil, fmt.Errorf("quantum frame %d: %w", d.frames, err)
	}
	d.push(out)
	d.frames++
	return out, nil
}

func (d *Decoder) push(out []byte) {
	size := 1 << d.windowBits
	d.history = append(d.history, out...)
	if over := len(d.history) - size; over > 0 {
		n := copy(d.history, d.history[over:])
		d.history = d.history[:n]
	}
}

// Package mszip decodes the Microsoft ZIP (MSZIP) compression method used by cabinet folders.
//
// Each MSZIP block is the two byte signature "CK" followed by a complete raw deflate
// stream that decompresses to at most 32 KiB. The blocks of a folder share one
// history: the trailing 32 KiB of everything decoded so far seeds the deflate
// dictionary of the next block. That history is the [Window] carried between calls.
//
// The format is documented in [MS-MCI].
//
// [MS-MCI]: https://learn.microsoft.com/en-us/openspecs/exchange_server_protocols/ms-mci/
package mszip

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

const (
	// WindowSize is the size of the deflate history carried between blocks.
	WindowSize = 32 * 1024
	// MaxBlock is the largest uncompressed size of one block.
	MaxBlock = 32 * 1024
)

// Signature starts every MSZIP block.
var Signature = [2]byte{'C', 'K'}

var (
	ErrSignature = errors.New("mszip block does not begin with the CK signature")
	ErrCorrupt   = errors.New("mszip deflate stream is corrupt")
	ErrSize      = errors.New("mszip block does not decode to its declared size")
)

// Window is the carry state of a folder: the trailing history of its decoded stream.
// The zero value is the empty history used for the first block of a folder.
type Window []byte

// Push returns the window that follows w once out has been decoded.
// The receiver is never modified.
func (w Window) Push(out []byte) Window {
	if len(out) >= WindowSize {
		return bytes.Clone(out[len(out)-WindowSize:])
	}
	keep := min(WindowSize-len(out), len(w))
	next := make(Window, 0, keep+len(out))
	next = append(next, w[len(w)-keep:]...)
	return append(next, out...)
}

// Decode decompresses one MSZIP block into exactly size bytes using prev as the history.
// It returns the decoded bytes and the window to pass with the following block.
// On error the returned window is prev, so a caller may retry or stop without
// losing the state of the earlier blocks.
func Decode(src []byte, size int, prev Window) ([]byte, Window, error) {
	if size < 0 || size > MaxBlock {
		return nil, prev, fmt.Errorf("%w: %d bytes is larger than %d", ErrSize, size, MaxBlock)
	}
	if len(src) < len(Signature) || src[0] != Signature[0] || src[1] != Signature[1] {
		return nil, prev, ErrSignature
	}
	var fr io.ReadCloser
	if len(prev) == 0 {
		fr = flate.NewReader(bytes.NewReader(src[2:]))
	} else {
		fr = flate.NewReaderDict(bytes.NewReader(src[2:]), prev)
	}
	defer fr.Close()

	out := make([]byte, size)
	n, err := io.ReadFull(fr, out)
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return nil, prev, fmt.Errorf("%w: got %d of %d bytes: %w", ErrSize, n, size, io.ErrUnexpectedEOF)
	case err != nil:
		return nil, prev, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	// A block that keeps producing data after its declared size is corrupt, but a
	// stream that stops without the final block bit set is tolerated.
	var extra [1]byte
	if m, err := fr.Read(extra[:]); m > 0 {
		return nil, prev, fmt.Errorf("%w: more than %d bytes", ErrSize, size)
	} else if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, prev, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return out, prev.Push(out), nil
}

// Decoder decodes the successive blocks of one folder.
// It owns the folder's window and must not be shared between folders.
type Decoder struct {
	window Window
}

// NewDecoder returns a decoder with an empty history.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Decode decompresses the next block of the folder into size bytes.
func (d *Decoder) Decode(src []byte, size int) ([]byte, error) {
	out, w, err := Decode(src, size, d.window)
	if err != nil {
		return nil, err
	}
	d.window = w
	return out, nil
}

// Window returns the history that will seed the next block.
func (d *Decoder) Window() Window { return d.window }

// Reset discards the history so the decoder can start a new folder.
func (d *Decoder) Reset() { d.window = nil }

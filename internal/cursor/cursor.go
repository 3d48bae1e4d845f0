// Package cursor reads little-endian values from a length bounded byte source.
//
// A Cursor keeps the first error it meets and every later read returns a zero
// value, so a run of field reads can be checked once with Err.
package cursor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrOutOfBounds is returned for any read that would pass the cursor limit.
var ErrOutOfBounds = errors.New("read past the end of the source")

// Cursor is a positioned reader over an io.ReaderAt.
// A Cursor is not safe for concurrent use, but many cursors may share one source.
type Cursor struct {
	r       io.ReaderAt
	off     int64
	limit   int64
	scratch [4]byte
	err     error
}

// New returns a cursor over r positioned at off that never reads at or past limit.
func New(r io.ReaderAt, off, limit int64) *Cursor {
	return &Cursor{r: r, off: off, limit: limit}
}

// Offset is the absolute position of the next read.
func (c *Cursor) Offset() int64 { return c.off }

// Limit is the absolute position the cursor will not read past.
func (c *Cursor) Limit() int64 { return c.limit }

// Remaining is the number of bytes between the position and the limit.
func (c *Cursor) Remaining() int64 {
	if c.off >= c.limit {
		return 0
	}
	return c.limit - c.off
}

// Err returns the first error met by the cursor.
func (c *Cursor) Err() error { return c.err }

// Seek moves the cursor to the absolute offset off.
func (c *Cursor) Seek(off int64) {
	if c.err != nil {
		return
	}
	if off < 0 || off > c.limit {
		c.err = fmt.Errorf("%w: seek to %d, limit %d", ErrOutOfBounds, off, c.limit)
		return
	}
	c.off = off
}

// Skip advances the cursor by n bytes without reading them.
func (c *Cursor) Skip(n int) {
	if c.err != nil {
		return
	}
	if err := c.check(n); err != nil {
		c.err = err
		return
	}
	c.off += int64(n)
}

func (c *Cursor) check(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: negative length %d at offset %d", ErrOutOfBounds, n, c.off)
	}
	if int64(n) > c.limit-c.off {
		return fmt.Errorf("%w: %d bytes at offset %d, limit %d", ErrOutOfBounds, n, c.off, c.limit)
	}
	return nil
}

// Read fills p from the current position.
func (c *Cursor) Read(p []byte) error {
	if c.err != nil {
		return c.err
	}
	if err := c.check(len(p)); err != nil {
		c.err = err
		return err
	}
	n, err := c.r.ReadAt(p, c.off)
	if n < len(p) {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		c.err = fmt.Errorf("%w: %d of %d bytes at offset %d: %w", ErrOutOfBounds, n, len(p), c.off, err)
		return c.err
	}
	c.off += int64(n)
	return nil
}

// Bytes returns the next n bytes in a new slice.
func (c *Cursor) Bytes(n int) []byte {
	if c.err != nil {
		return nil
	}
	if err := c.check(n); err != nil {
		c.err = err
		return nil
	}
	b := make([]byte, n)
	if c.Read(b) != nil {
		return nil
	}
	return b
}

// U8 reads a byte.
func (c *Cursor) U8() uint8 {
	if c.Read(c.scratch[:1]) != nil {
		return 0
	}
	return c.scratch[0]
}

// U16 reads a little-endian uint16.
func (c *Cursor) U16() uint16 {
	if c.Read(c.scratch[:2]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint16(c.scratch[:2])
}

// U32 reads a little-endian uint32.
func (c *Cursor) U32() uint32 {
	if c.Read(c.scratch[:4]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(c.scratch[:4])
}

// ErrNoTerminator is returned by CString when no NUL byte is found within max bytes.
var ErrNoTerminator = errors.New("string is not NUL terminated")

// CString reads a NUL terminated string of at most max bytes, not counting the NUL.
// The returned slice excludes the terminator and the cursor moves past it.
func (c *Cursor) CString(max int) []byte {
	if c.err != nil {
		return nil
	}
	start := c.off
	want := int64(max) + 1
	if rem := c.limit - c.off; want > rem {
		want = rem
	}
	if want <= 0 {
		c.err = fmt.Errorf("%w: string at offset %d, limit %d", ErrOutOfBounds, c.off, c.limit)
		return nil
	}
	buf := make([]byte, want)
	n, err := c.r.ReadAt(buf, start)
	if n == 0 && err != nil {
		c.err = fmt.Errorf("%w: string at offset %d: %w", ErrOutOfBounds, start, err)
		return nil
	}
	buf = buf[:n]
	i := bytes.IndexByte(buf, 0)
	if i < 0 {
		if int64(n) <= int64(max) {
			c.err = fmt.Errorf("%w: string at offset %d, limit %d", ErrOutOfBounds, start, c.limit)
			return nil
		}
		c.err = fmt.Errorf("%w: longer than %d bytes at offset %d", ErrNoTerminator, max, start)
		return nil
	}
	c.off = start + int64(i) + 1
	return buf[:i:i]
}

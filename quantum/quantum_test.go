package quantum_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Defacto2/cabinet/quantum"
	"github.com/nalgeon/be"
)

// passthrough is an entropy decoder for frames that are stored as is.
type passthrough struct {
	resets  int
	history [][]byte
}

func (p *passthrough) DecodeFrame(dst, src, history []byte) error {
	if len(src) != len(dst) {
		return errors.New("frame size")
	}
	p.history = append(p.history, bytes.Clone(history))
	copy(dst, src)
	return nil
}

func (p *passthrough) Reset() { p.resets++ }

func TestNew(t *testing.T) {
	t.Parallel()
	tests := []struct {
		level, bits int
		err         error
	}{
		{1, 10, nil},
		{7, 21, nil},
		{0, 15, quantum.ErrLevel},
		{8, 15, quantum.ErrLevel},
		{4, 9, quantum.ErrWindow},
		{4, 22, quantum.ErrWindow},
	}
	for _, tt := range tests {
		d, err := quantum.New(tt.level, tt.bits, nil)
		if tt.err != nil {
			be.Err(t, err, tt.err)
			continue
		}
		be.Err(t, err, nil)
		be.Equal(t, d.Level(), tt.level)
		be.Equal(t, d.WindowBits(), tt.bits)
	}
}

func TestDecodeHistory(t *testing.T) {
	t.Parallel()
	e := &passthrough{}
	d, err := quantum.New(4, 10, e)
	be.Err(t, err, nil)
	be.Equal(t, e.resets, 1)

	first := bytes.Repeat([]byte{'a'}, 1000)
	second := bytes.Repeat([]byte{'b'}, 100)
	out, err := d.Decode(first, len(first))
	be.Err(t, err, nil)
	be.Equal(t, out, first)
	out, err = d.Decode(second, len(second))
	be.Err(t, err, nil)
	be.Equal(t, out, second)
	be.Equal(t, d.Frames(), 2)

	be.Equal(t, len(e.history[0]), 0)
	be.Equal(t, e.history[1], first)

	// the history never grows past the 1 KiB window
	_, err = d.Decode(second, len(second))
	be.Err(t, err, nil)
	be.Equal(t, len(e.history[2]), 1024)
	be.Equal(t, e.history[2][1023], byte('b'))

	d.Reset()
	be.Equal(t, e.resets, 2)
	be.Equal(t, d.Frames(), 0)
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()
	d, err := quantum.New(1, 15, nil)
	be.Err(t, err, nil)
	_, err = d.Decode([]byte{1}, 1)
	be.Err(t, err, quantum.ErrNoEntropy)

	d, err = quantum.New(1, 15, &passthrough{})
	be.Err(t, err, nil)
	_, err = d.Decode(nil, quantum.FrameSize+1)
	be.Err(t, err, quantum.ErrFrame)
	_, err = d.Decode([]byte{1, 2}, 3)
	be.Err(t, err, "frame size")
}

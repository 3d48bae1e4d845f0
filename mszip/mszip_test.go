package mszip_test

import (
	"bytes"
	"errors"
	"io"
	"math/rand/v2"
	"testing"

	"github.com/Defacto2/cabinet/mszip"
	"github.com/klauspost/compress/flate"
	"github.com/nalgeon/be"
)

// block returns an MSZIP block of p compressed against the history.
func block(t *testing.T, p, history []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("CK")
	var w *flate.Writer
	var err error
	if len(history) == 0 {
		w, err = flate.NewWriter(&buf, flate.BestCompression)
	} else {
		w, err = flate.NewWriterDict(&buf, flate.BestCompression, history)
	}
	be.Err(t, err, nil)
	_, err = w.Write(p)
	be.Err(t, err, nil)
	be.Err(t, w.Close(), nil)
	return buf.Bytes()
}

func TestDecode(t *testing.T) {
	t.Parallel()
	want := bytes.Repeat([]byte("the quick brown fox "), 100)
	out, w, err := mszip.Decode(block(t, want, nil), len(want), nil)
	be.Err(t, err, nil)
	be.Equal(t, out, want)
	be.Equal(t, []byte(w), want)
}

func TestDecodeWindowCarry(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewPCG(1, 2))
	first := make([]byte, mszip.WindowSize)
	for i := range first {
		first[i] = byte(rng.Uint32())
	}
	second := first[100:4100]
	d := mszip.NewDecoder()
	out, err := d.Decode(block(t, first, nil), len(first))
	be.Err(t, err, nil)
	be.Equal(t, out, first)
	be.Equal(t, len(d.Window()), mszip.WindowSize)

	// the second block refers back into the first
	payload := block(t, second, first)
	out, err = d.Decode(payload, len(second))
	be.Err(t, err, nil)
	be.Equal(t, out, second)

	// without the history the same block can not be decoded
	_, _, err = mszip.Decode(payload, len(second), nil)
	be.Err(t, err)

	d.Reset()
	be.Equal(t, len(d.Window()), 0)
}

func TestDecodeErrors(t *testing.T) {
	t.Parallel()
	want := []byte("hello, world")
	good := block(t, want, nil)

	_, _, err := mszip.Decode(append([]byte("XK"), good[2:]...), len(want), nil)
	be.Err(t, err, mszip.ErrSignature)

	_, _, err = mszip.Decode(good[:1], len(want), nil)
	be.Err(t, err, mszip.ErrSignature)

	_, _, err = mszip.Decode(good, len(want)+5, nil)
	be.Err(t, err, mszip.ErrSize)
	be.True(t, errors.Is(err, io.ErrUnexpectedEOF))

	_, _, err = mszip.Decode(good, len(want)-5, nil)
	be.Err(t, err, mszip.ErrSize)

	_, _, err = mszip.Decode(good, mszip.MaxBlock+1, nil)
	be.Err(t, err, mszip.ErrSize)

	bad := append([]byte("CK"), 0xFF, 0xFF, 0xFF, 0xFF)
	_, _, err = mszip.Decode(bad, len(want), nil)
	be.Err(t, err)
}

func TestWindowPush(t *testing.T) {
	t.Parallel()
	var w mszip.Window
	w = w.Push([]byte("abc"))
	be.Equal(t, string(w), "abc")
	big := bytes.Repeat([]byte{'x'}, mszip.WindowSize-1)
	w = w.Push(big)
	be.Equal(t, len(w), mszip.WindowSize)
	be.Equal(t, string(w[:1]), "c")
	prev := w
	w = w.Push([]byte("z"))
	be.Equal(t, string(w[len(w)-1:]), "z")
	be.Equal(t, string(prev[0:1]), "c")
}

package lzx

// bitReader reads an LZX frame as a sequence of little-endian 16-bit words whose
// bits are consumed most significant first. Past the end of the input it
// supplies zero words and counts them, so a frame that ends inside a code can
// be detected once the frame is decoded.
type bitReader struct {
	src  []byte
	pos  int
	buf  uint64
	n    uint
	over int
}

func (b *bitReader) reset(src []byte) {
	*b = bitReader{src: src}
}

func (b *bitReader) ensure(n uint) {
	for b.n < n {
		var w uint64
		switch {
		case b.pos+1 < len(b.src):
			w = uint64(b.src[b.pos]) | uint64(b.src[b.pos+1])<<8
			b.pos += 2
		case b.pos < len(b.src):
			w = uint64(b.src[b.pos])
			b.pos++
		default:
			b.over += 2
		}
		b.buf |= w << (48 - b.n)
		b.n += 16
	}
}

func (b *bitReader) peek(n uint) uint32 {
	return uint32(b.buf >> (64 - n))
}

func (b *bitReader) remove(n uint) {
	b.buf <<= n
	b.n -= n
}

func (b *bitReader) readBits(n uint) uint32 {
	if n == 0 {
		return 0
	}
	b.ensure(n)
	v := b.peek(n)
	b.remove(n)
	return v
}

// align drops the buffered bits so the input can be read a byte at a time.
// When the buffer is empty a whole padding word is consumed.
func (b *bitReader) align() {
	if b.n == 0 {
		b.ensure(16)
	}
	b.buf, b.n = 0, 0
}

// raw returns the next n input bytes, or false when fewer remain.
// It must only be called after align.
func (b *bitReader) raw(n int) ([]byte, bool) {
	if n > len(b.src)-b.pos {
		return nil, false
	}
	p := b.src[b.pos : b.pos+n]
	b.pos += n
	return p, true
}

// skipByte consumes the pad byte that follows an odd sized uncompressed block.
func (b *bitReader) skipByte() {
	if b.pos < len(b.src) {
		b.pos++
		return
	}
	b.over++
}

// overrun reports whether the reader went further past the end of the input than
// the final partial code of a frame can explain.
func (b *bitReader) overrun() bool {
	return b.over > 4
}

package lzx

const maxCodeLen = 16

// huffman is a canonical prefix code described only by its code lengths.
// Codes are assigned in order of length, then of symbol.
type huffman struct {
	count  [maxCodeLen + 1]uint16
	symbol []uint16
	empty  bool
}

// build replaces the code with the one described by lens.
// A code that is over subscribed or incomplete is rejected, while a code with
// no symbols at all is accepted and marked empty.
func (h *huffman) build(lens []uint8) error {
	h.count = [maxCodeLen + 1]uint16{}
	for _, l := range lens {
		if l > maxCodeLen {
			return errCodeLength
		}
		h.count[l]++
	}
	if int(h.count[0]) == len(lens) {
		h.empty = true
		h.symbol = h.symbol[:0]
		return nil
	}
	h.empty = false
	left := 1
	for l := 1; l <= maxCodeLen; l++ {
		left <<= 1
		left -= int(h.count[l])
		if left < 0 {
			return errOversubscribed
		}
	}
	if left > 0 {
		return errIncomplete
	}
	var offs [maxCodeLen + 1]uint16
	for l := 1; l < maxCodeLen; l++ {
		offs[l+1] = offs[l] + h.count[l]
	}
	used := len(lens) - int(h.count[0])
	if cap(h.symbol) < used {
		h.symbol = make([]uint16, used)
	}
	h.symbol = h.symbol[:used]
	for sym, l := range lens {
		if l != 0 {
			h.symbol[offs[l]] = uint16(sym)
			offs[l]++
		}
	}
	return nil
}

func (h *huffman) decode(b *bitReader) (int, error) {
	if h.empty {
		return 0, errEmptyTree
	}
	b.ensure(maxCodeLen)
	bits := b.peek(maxCodeLen)
	code, first, index := 0, 0, 0
	for l := 1; l <= maxCodeLen; l++ {
		code |= int(bits>>(maxCodeLen-l)) & 1
		count := int(h.count[l])
		if code-count < first {
			b.remove(uint(l))
			return int(h.symbol[index+(code-first)]), nil
		}
		index += count
		first += count
		first <<= 1
		code <<= 1
	}
	return 0, errBadCode
}

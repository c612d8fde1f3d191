package transport

import "math/bits"

// bitmap tracks which ordinals of a fixed-size space are leased
type bitmap struct {
	words []uint64
	size  int
	used  int
}

func newBitmap(size int) *bitmap {
	return &bitmap{
		words: make([]uint64, (size+63)/64),
		size:  size,
	}
}

// firstFree returns the lowest unset ordinal or -1 when the space is full
func (b *bitmap) firstFree() int {
	if b.used >= b.size {
		return -1
	}
	for i, w := range b.words {
		if w == ^uint64(0) {
			continue
		}
		n := i*64 + bits.TrailingZeros64(^w)
		if n >= b.size {
			return -1
		}
		return n
	}
	return -1
}

func (b *bitmap) isSet(n int) bool {
	if n < 0 || n >= b.size {
		return false
	}
	return b.words[n/64]&(1<<(uint(n)%64)) != 0
}

func (b *bitmap) set(n int) bool {
	if n < 0 || n >= b.size || b.isSet(n) {
		return false
	}
	b.words[n/64] |= 1 << (uint(n) % 64)
	b.used++
	return true
}

func (b *bitmap) clear(n int) {
	if !b.isSet(n) {
		return
	}
	b.words[n/64] &^= 1 << (uint(n) % 64)
	b.used--
}

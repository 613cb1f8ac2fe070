package ring

import "fmt"

// Bytes is the backing array of a byte-stream ring. Its length must be
// a power of two.
type Bytes []byte

func (b Bytes) size() uint32 {
	n := uint32(len(b))
	if !IsPowerOfTwo(n) {
		panic(fmt.Sprintf("ring: byte ring of %d bytes is not a power of two", len(b)))
	}
	return n
}

// Store copies src into the ring starting at cursor, wrapping at the
// physical end of the array.
func (b Bytes) Store(cursor uint32, src []byte) {
	size := b.size()
	if uint32(len(src)) > size {
		panic(fmt.Sprintf("ring: store of %d bytes into %d byte ring", len(src), size))
	}
	off := Mask(cursor, size)
	n := copy(b[off:], src)
	copy(b, src[n:])
}

// Fetch fills dst from the ring starting at cursor, wrapping at the
// physical end of the array.
func (b Bytes) Fetch(dst []byte, cursor uint32) {
	size := b.size()
	if uint32(len(dst)) > size {
		panic(fmt.Sprintf("ring: fetch of %d bytes from %d byte ring", len(dst), size))
	}
	off := Mask(cursor, size)
	n := copy(dst, b[off:])
	copy(dst[n:], b)
}

// NextWordLength scans the NUL-terminated word starting at cursor,
// looking no further than limit. It returns the word's length without
// the terminator and the cursor just past the terminator. ok is false
// if no terminator lies before limit.
func (b Bytes) NextWordLength(cursor, limit uint32) (n, next uint32, ok bool) {
	size := b.size()
	for c := cursor; c != limit; c++ {
		if c-cursor >= size {
			break
		}
		if b[Mask(c, size)] == 0 {
			return c - cursor, c + 1, true
		}
	}
	return 0, cursor, false
}

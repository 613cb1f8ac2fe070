// Package ring implements the shared-memory queue discipline used
// between a guest and its backends.
//
// All cursors are free-running uint32 counters. They wrap at 2^32 and
// are reduced modulo the ring size only when a slot or byte is
// addressed, so prod-cons is always the number of entries in flight.
package ring

// IsPowerOfTwo reports whether n is a non-zero power of two.
func IsPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

// Mask reduces a cursor to an index into a ring of size entries.
func Mask(idx, size uint32) uint32 {
	return idx & (size - 1)
}

// Used returns the number of entries between cons and prod.
func Used(prod, cons uint32) uint32 {
	return prod - cons
}

// Free returns the number of entries the producer may still write.
// It is zero for smashed cursors.
func Free(prod, cons, size uint32) uint32 {
	if Smashed(prod, cons, size) {
		return 0
	}
	return size - Used(prod, cons)
}

// Empty reports whether there is nothing to consume.
func Empty(prod, cons uint32) bool {
	return prod == cons
}

// Full reports whether one more entry would land on an unconsumed one.
func Full(prod, cons, size uint32) bool {
	return Used(prod, cons) >= size
}

// Smashed reports cursors that put the producer more than a whole ring
// ahead of the consumer. Such cursors can only come from a peer that
// overwrote unread data or corrupted the shared page.
func Smashed(prod, cons, size uint32) bool {
	return Used(prod, cons) > size
}

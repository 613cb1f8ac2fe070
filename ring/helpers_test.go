package ring_test

import "unsafe"

// page returns a zeroed, 8-byte aligned 4 KiB buffer.
func page() []byte {
	words := make([]uint64, 4096/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), 4096)
}

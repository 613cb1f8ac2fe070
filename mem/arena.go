// Package mem provides page-granular memory for the simulated machine:
// an mmap-backed arena of machine pages and the guest physmap that
// translates guest frames onto it.
package mem

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/frobware/go-pvio"
)

// PageSize is the size of one frame in bytes.
const PageSize = 4096

// Arena is a contiguous run of page-aligned machine memory. Pages are
// addressed by machine frame number, starting at zero.
type Arena struct {
	mem   []byte
	pages int
}

// NewArena maps pages anonymous shared pages.
func NewArena(pages int) (*Arena, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("arena size must be positive, got %d pages", pages)
	}
	b, err := unix.Mmap(-1, 0, pages*PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %d pages: %w", pages, err)
	}
	return &Arena{mem: b, pages: pages}, nil
}

// Pages returns the number of frames in the arena.
func (a *Arena) Pages() int { return a.pages }

// Page returns the bytes of machine frame mfn.
func (a *Arena) Page(mfn pvio.MachineFrame) []byte {
	if uint64(mfn) >= uint64(a.pages) {
		panic(fmt.Sprintf("mem: %s outside arena of %d pages", mfn, a.pages))
	}
	off := int(mfn) * PageSize
	return a.mem[off : off+PageSize : off+PageSize]
}

// Zero clears machine frame mfn.
func (a *Arena) Zero(mfn pvio.MachineFrame) {
	clear(a.Page(mfn))
}

// Close unmaps the arena. Pages handed out earlier must not be used
// afterwards.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	if err != nil {
		return fmt.Errorf("munmap arena: %w", err)
	}
	return nil
}

package mem

import (
	"errors"
	"fmt"
	"sync"

	"github.com/frobware/go-pvio"
)

// InvalidFrame marks a guest frame with no machine frame behind it.
const InvalidFrame = ^pvio.MachineFrame(0)

// ErrNoMemory is returned when a physmap has no free populated frame.
var ErrNoMemory = errors.New("no free guest frames")

// Physmap is a guest's physical-to-machine table together with a
// simple allocator over its populated frames.
type Physmap struct {
	arena *Arena

	mu   sync.Mutex
	p2m  []pvio.MachineFrame
	used []bool
	free []pvio.GuestFrame
}

// NewPhysmap builds a physmap whose guest frame i is backed by
// frames[i].
func NewPhysmap(arena *Arena, frames []pvio.MachineFrame) *Physmap {
	pm := &Physmap{
		arena: arena,
		p2m:   append([]pvio.MachineFrame(nil), frames...),
		used:  make([]bool, len(frames)),
	}
	for i := len(frames) - 1; i >= 0; i-- {
		pm.free = append(pm.free, pvio.GuestFrame(i))
	}
	return pm
}

// Frames returns the size of the guest physical address space.
func (pm *Physmap) Frames() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.p2m)
}

// Alloc returns an unused populated guest frame.
func (pm *Physmap) Alloc() (pvio.GuestFrame, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for i := len(pm.free) - 1; i >= 0; i-- {
		gfn := pm.free[i]
		if pm.p2m[gfn] == InvalidFrame {
			continue
		}
		pm.free = append(pm.free[:i], pm.free[i+1:]...)
		pm.used[gfn] = true
		return gfn, nil
	}
	return 0, ErrNoMemory
}

// Free returns gfn to the allocator.
func (pm *Physmap) Free(gfn pvio.GuestFrame) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.check(gfn)
	if !pm.used[gfn] {
		panic(fmt.Sprintf("mem: double free of %s", gfn))
	}
	pm.used[gfn] = false
	pm.free = append(pm.free, gfn)
}

// MachineFrame translates gfn. It returns InvalidFrame for a frame
// whose backing page has been released.
func (pm *Physmap) MachineFrame(gfn pvio.GuestFrame) pvio.MachineFrame {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.check(gfn)
	return pm.p2m[gfn]
}

// Page returns the bytes behind gfn.
func (pm *Physmap) Page(gfn pvio.GuestFrame) []byte {
	mfn := pm.MachineFrame(gfn)
	if mfn == InvalidFrame {
		panic(fmt.Sprintf("mem: %s is not populated", gfn))
	}
	return pm.arena.Page(mfn)
}

// Release detaches the machine frame behind an allocated gfn and
// returns it. The guest frame stays allocated but unpopulated until
// Remap gives it a new machine frame.
func (pm *Physmap) Release(gfn pvio.GuestFrame) (pvio.MachineFrame, error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.check(gfn)
	mfn := pm.p2m[gfn]
	if mfn == InvalidFrame {
		return 0, fmt.Errorf("%s is not populated", gfn)
	}
	pm.p2m[gfn] = InvalidFrame
	return mfn, nil
}

// Remap installs mfn behind gfn.
func (pm *Physmap) Remap(gfn pvio.GuestFrame, mfn pvio.MachineFrame) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.check(gfn)
	pm.p2m[gfn] = mfn
}

func (pm *Physmap) check(gfn pvio.GuestFrame) {
	if uint64(gfn) >= uint64(len(pm.p2m)) {
		panic(fmt.Sprintf("mem: %s outside physmap of %d frames", gfn, len(pm.p2m)))
	}
}

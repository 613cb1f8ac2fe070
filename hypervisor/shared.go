package hypervisor

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/frobware/go-pvio"
)

const (
	// MaxVCPUs is the number of per-vCPU records on the shared page.
	MaxVCPUs = 32
	// WordBits is the number of ports covered by one bitmap word.
	WordBits = 64
	// MaxPorts is the size of the two-level pending bitmap: one
	// selector bit per word, one pending bit per port.
	MaxPorts = WordBits * WordBits
)

// VCPUInfo is the per-vCPU part of the shared-info page.
type VCPUInfo struct {
	// UpcallPending is set by the hypervisor when the selector has
	// gained a bit and cleared by the guest on dispatch entry.
	UpcallPending atomic.Uint32
	// UpcallMask suppresses upcalls while non-zero.
	UpcallMask atomic.Uint32
	// PendingSel has one bit per pending bitmap word with work in it.
	PendingSel atomic.Uint64
	_          [48]byte
}

// SharedInfo is the page the hypervisor shares with each domain. Only
// the event channel state is modelled.
type SharedInfo struct {
	VCPU    [MaxVCPUs]VCPUInfo
	Pending [WordBits]atomic.Uint64
	Mask    [WordBits]atomic.Uint64
}

// SharedInfoOf overlays a page with the shared-info layout.
func SharedInfoOf(page []byte) *SharedInfo {
	if len(page) < int(unsafe.Sizeof(SharedInfo{})) {
		panic(fmt.Sprintf("hypervisor: shared info page of %d bytes", len(page)))
	}
	return (*SharedInfo)(unsafe.Pointer(&page[0]))
}

// PortWord splits a port into its bitmap word and bit.
func PortWord(p pvio.Port) (word int, bit uint64) {
	return int(p / WordBits), 1 << (p % WordBits)
}

// SetPending marks port pending and, when it is unmasked and its word
// was not already selected, raises the selector and the upcall flag of
// vcpu. It reports whether the vcpu needs to be kicked.
func (s *SharedInfo) SetPending(vcpu int, p pvio.Port) bool {
	w, bit := PortWord(p)
	if s.Pending[w].Or(bit)&bit != 0 {
		return false
	}
	if s.Mask[w].Load()&bit != 0 {
		return false
	}
	return s.raise(vcpu, w)
}

func (s *SharedInfo) raise(vcpu, w int) bool {
	v := &s.VCPU[vcpu]
	sel := uint64(1) << w
	if v.PendingSel.Or(sel)&sel != 0 {
		return false
	}
	v.UpcallPending.Store(1)
	return v.UpcallMask.Load() == 0
}

// ClearPending clears port's pending bit and reports whether it was
// set.
func (s *SharedInfo) ClearPending(p pvio.Port) bool {
	w, bit := PortWord(p)
	return s.Pending[w].And(^bit)&bit != 0
}

// IsPending reports whether port has its pending bit set.
func (s *SharedInfo) IsPending(p pvio.Port) bool {
	w, bit := PortWord(p)
	return s.Pending[w].Load()&bit != 0
}

// SetMask masks port.
func (s *SharedInfo) SetMask(p pvio.Port) {
	w, bit := PortWord(p)
	s.Mask[w].Or(bit)
}

// IsMasked reports whether port is masked.
func (s *SharedInfo) IsMasked(p pvio.Port) bool {
	w, bit := PortWord(p)
	return s.Mask[w].Load()&bit != 0
}

// Unmask clears port's mask bit. If the port is still pending the
// selector and upcall flag are raised again and the result reports
// whether vcpu needs a kick.
func (s *SharedInfo) Unmask(vcpu int, p pvio.Port) bool {
	w, bit := PortWord(p)
	if s.Mask[w].And(^bit)&bit == 0 {
		return false
	}
	if s.Pending[w].Load()&bit == 0 {
		return false
	}
	return s.raise(vcpu, w)
}

// Deliverable returns the pending and unmasked ports of word w.
func (s *SharedInfo) Deliverable(w int) uint64 {
	return s.Pending[w].Load() &^ s.Mask[w].Load()
}

// HasWork reports whether vcpu has an upcall or a selected word
// outstanding.
func (s *SharedInfo) HasWork(vcpu int) bool {
	v := &s.VCPU[vcpu]
	return v.UpcallPending.Load() != 0 || v.PendingSel.Load() != 0
}

// ForEachBit calls fn with the index of every set bit in w, lowest
// first.
func ForEachBit(w uint64, fn func(int)) {
	for w != 0 {
		i := bits.TrailingZeros64(w)
		w &^= 1 << i
		fn(i)
	}
}

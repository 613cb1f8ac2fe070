package hypervisor

import (
	"fmt"
	"strings"
	"sync/atomic"
	"unsafe"

	"github.com/frobware/go-pvio"
)

// GrantFlags is the flags word of a grant entry. The guest arms and
// revokes it; the hypervisor sets the in-flight bits while a remote
// domain holds a mapping or moves a page.
type GrantFlags uint16

const (
	// PermitAccess lets the named domain map the frame.
	PermitAccess GrantFlags = 1
	// AcceptTransfer lets the named domain hand a page to the guest.
	AcceptTransfer GrantFlags = 2
	// TypeMask selects the entry type.
	TypeMask GrantFlags = 3

	// ReadOnly restricts a PermitAccess grant to read mappings.
	ReadOnly GrantFlags = 1 << 2
	// Reading is set by the hypervisor while the frame is mapped.
	Reading GrantFlags = 1 << 3
	// Writing is set by the hypervisor while the frame is mapped
	// writable.
	Writing GrantFlags = 1 << 4

	// TransferCommitted is set once the remote domain has started a
	// transfer into an AcceptTransfer entry.
	TransferCommitted GrantFlags = 1 << 2
	// TransferCompleted is set once the frame field holds the
	// transferred machine frame.
	TransferCompleted GrantFlags = 1 << 3
)

// Type returns the entry type bits.
func (f GrantFlags) Type() GrantFlags { return f & TypeMask }

// Busy reports whether the remote side still has the entry in flight:
// a mapping for access grants, a committed transfer for transfer
// grants.
func (f GrantFlags) Busy() bool {
	switch f.Type() {
	case PermitAccess:
		return f&(Reading|Writing) != 0
	case AcceptTransfer:
		return f&TransferCommitted != 0
	}
	return false
}

func (f GrantFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	switch f.Type() {
	case PermitAccess:
		parts = append(parts, "access")
		if f&ReadOnly != 0 {
			parts = append(parts, "ro")
		}
		if f&Reading != 0 {
			parts = append(parts, "reading")
		}
		if f&Writing != 0 {
			parts = append(parts, "writing")
		}
	case AcceptTransfer:
		parts = append(parts, "transfer")
		if f&TransferCommitted != 0 {
			parts = append(parts, "committed")
		}
		if f&TransferCompleted != 0 {
			parts = append(parts, "completed")
		}
	default:
		parts = append(parts, fmt.Sprintf("%#04x", uint16(f)))
	}
	return strings.Join(parts, "|")
}

// GrantEntry is one slot of a grant table page, shared between the
// guest and the hypervisor. The flags word is only touched through
// the named operations below; the frame field is written by the guest
// before Arm and by the hypervisor before it sets TransferCompleted.
type GrantEntry struct {
	flags  atomic.Uint32
	domain atomic.Uint32
	frame  atomic.Uint64
}

// EntriesPerFrame is the number of grant entries held by one page.
const EntriesPerFrame = pageSize / int(unsafe.Sizeof(GrantEntry{}))

const pageSize = 4096

// EntriesOf overlays a page with grant entries.
func EntriesOf(page []byte) []GrantEntry {
	if len(page) < pageSize {
		panic(fmt.Sprintf("hypervisor: grant frame of %d bytes", len(page)))
	}
	return unsafe.Slice((*GrantEntry)(unsafe.Pointer(&page[0])), EntriesPerFrame)
}

// Publish writes the owning domain and the frame. It must precede Arm.
func (e *GrantEntry) Publish(dom pvio.DomainID, frame uint64) {
	e.domain.Store(uint32(dom))
	e.frame.Store(frame)
}

// Arm makes the entry visible to the hypervisor.
func (e *GrantEntry) Arm(flags GrantFlags) {
	e.flags.Store(uint32(flags))
}

// Revoke clears the flags word unless the entry is busy. It returns
// the flags it observed.
func (e *GrantEntry) Revoke() (GrantFlags, bool) {
	for {
		old := e.flags.Load()
		if GrantFlags(old).Busy() {
			return GrantFlags(old), false
		}
		if e.flags.CompareAndSwap(old, 0) {
			return GrantFlags(old), true
		}
	}
}

// Retire clears the flags of a completed transfer entry.
func (e *GrantEntry) Retire() {
	e.flags.Store(0)
}

// Flags returns the current flags word.
func (e *GrantEntry) Flags() GrantFlags { return GrantFlags(e.flags.Load()) }

// Domain returns the domain the entry was published for.
func (e *GrantEntry) Domain() pvio.DomainID { return pvio.DomainID(e.domain.Load()) }

// Frame returns the frame field.
func (e *GrantEntry) Frame() uint64 { return e.frame.Load() }

// SetFrame overwrites the frame field. The guest uses it to thread the
// free list through unused entries and the hypervisor to deliver the
// frame of a completed transfer.
func (e *GrantEntry) SetFrame(frame uint64) { e.frame.Store(frame) }

// CompareAndSwapFlags is the hypervisor's transition on the flags word.
func (e *GrantEntry) CompareAndSwapFlags(from, to GrantFlags) bool {
	return e.flags.CompareAndSwap(uint32(from), uint32(to))
}

// OrFlags sets bits in the flags word and returns the previous value.
func (e *GrantEntry) OrFlags(bits GrantFlags) GrantFlags {
	return GrantFlags(e.flags.Or(uint32(bits)))
}

// AndNotFlags clears bits in the flags word and returns the previous
// value.
func (e *GrantEntry) AndNotFlags(bits GrantFlags) GrantFlags {
	return GrantFlags(e.flags.And(^uint32(bits)))
}

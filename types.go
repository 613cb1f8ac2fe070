// Package pvio holds the identifiers shared by the guest transport
// core: domains, the three frame address spaces, grant references and
// event channel ports.
//
// Guest frames, machine frames and grant references are distinct
// types on purpose. Converting between them is always an explicit
// operation performed by the component that owns the translation (the
// physmap, the hypervisor or the grant table).
package pvio

import "fmt"

// DomainID identifies a domain under the hypervisor.
type DomainID uint16

const (
	// DomainSelf refers to the calling domain in hypercalls.
	DomainSelf DomainID = 0x7FF0
	// DomainInvalid is never assigned to a running domain.
	DomainInvalid DomainID = 0x7FF4
)

func (d DomainID) String() string {
	switch d {
	case DomainSelf:
		return "dom-self"
	case DomainInvalid:
		return "dom-invalid"
	}
	return fmt.Sprintf("dom%d", uint16(d))
}

// GuestFrame is a page number in the guest's own physical address
// space.
type GuestFrame uint64

func (f GuestFrame) String() string { return fmt.Sprintf("gfn:%#x", uint64(f)) }

// MachineFrame is a page number in the hypervisor's real memory.
type MachineFrame uint64

func (f MachineFrame) String() string { return fmt.Sprintf("mfn:%#x", uint64(f)) }

// GrantRef indexes an entry in a domain's grant table.
type GrantRef uint32

func (r GrantRef) String() string { return fmt.Sprintf("gref:%d", uint32(r)) }

// Port is an event channel port number local to one domain.
type Port uint32

func (p Port) String() string { return fmt.Sprintf("port:%d", uint32(p)) }

// Package hypervisor describes the hypercall surface the transport core
// consumes and the memory layouts it shares with the hypervisor.
//
// The surface is split into small interfaces so that each component
// depends only on the calls it makes. Hypervisor composes them all; the
// sim package provides an in-process implementation.
package hypervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/frobware/go-pvio"
)

// VIRQ is a well-known virtual interrupt raised by the hypervisor
// itself rather than by a peer domain.
type VIRQ uint32

const (
	VIRQTimer   VIRQ = 0
	VIRQDebug   VIRQ = 1
	VIRQConsole VIRQ = 2
)

func (v VIRQ) String() string {
	switch v {
	case VIRQTimer:
		return "virq-timer"
	case VIRQDebug:
		return "virq-debug"
	case VIRQConsole:
		return "virq-console"
	}
	return fmt.Sprintf("virq-%d", uint32(v))
}

// Errors returned by hypercalls.
var (
	ErrInvalidPort   = errors.New("invalid event channel port")
	ErrPortInUse     = errors.New("event channel port already bound")
	ErrNoFreePort    = errors.New("no free event channel port")
	ErrNoDomain      = errors.New("no such domain")
	ErrPermission    = errors.New("operation not permitted")
	ErrBadGrant      = errors.New("bad grant reference")
	ErrNoFreeFrames  = errors.New("no free machine frames")
	ErrNotConnected  = errors.New("event channel not connected")
	ErrVIRQBound     = errors.New("virtual IRQ already bound")
	ErrAlreadySetup  = errors.New("grant table already set up")
	ErrInvalidLength = errors.New("invalid frame count")
)

// GrantTableMapping is the result of grant table setup: the machine
// frames backing the table and the guest's view of each.
type GrantTableMapping struct {
	Frames []pvio.MachineFrame
	Pages  [][]byte
}

// GrantTableSetup allocates the frames of the calling domain's grant
// table.
type GrantTableSetup interface {
	SetupGrantTable(frames int) (GrantTableMapping, error)
}

// EventChannels allocates, connects and signals event channel ports.
type EventChannels interface {
	// AllocUnbound allocates a port that remote may connect to.
	AllocUnbound(remote pvio.DomainID) (pvio.Port, error)
	// BindInterdomain connects a new local port to remotePort, which
	// remote allocated with AllocUnbound.
	BindInterdomain(remote pvio.DomainID, remotePort pvio.Port) (pvio.Port, error)
	// BindVIRQ allocates a port that the hypervisor signals for v.
	BindVIRQ(v VIRQ) (pvio.Port, error)
	// Send sets the pending bit of the peer of port.
	Send(port pvio.Port) error
	// Unmask clears port's mask bit and redelivers it if pending.
	Unmask(port pvio.Port) error
	// Close releases port. A connected peer reverts to unbound.
	Close(port pvio.Port) error
}

// SharedInfoProvider exposes the calling domain's shared-info page.
type SharedInfoProvider interface {
	SharedInfo() *SharedInfo
}

// Scheduler is the vCPU scheduling surface.
type Scheduler interface {
	// Block halts the vCPU until an upcall is pending or ctx ends. It
	// returns immediately if an upcall is already pending.
	Block(ctx context.Context) error
	// Yield gives up the physical CPU without blocking.
	Yield()
}

// FrameTranslator maps guest frames to machine frames.
type FrameTranslator interface {
	MachineFrame(gfn pvio.GuestFrame) (pvio.MachineFrame, error)
}

// Memory is the guest's page allocator over its physmap.
type Memory interface {
	FrameTranslator
	// AllocPage returns a populated guest frame and its bytes.
	AllocPage() (pvio.GuestFrame, []byte, error)
	// FreePage returns gfn to the allocator.
	FreePage(gfn pvio.GuestFrame)
	// Page returns the bytes behind gfn.
	Page(gfn pvio.GuestFrame) []byte
	// ReleaseFrame gives the machine frame behind gfn back to the
	// hypervisor, leaving gfn unpopulated.
	ReleaseFrame(gfn pvio.GuestFrame) error
	// Populate installs mfn, which the domain now owns, behind gfn.
	Populate(gfn pvio.GuestFrame, mfn pvio.MachineFrame) error
	// IncreaseReservation backs the unpopulated gfn with a fresh
	// machine frame.
	IncreaseReservation(gfn pvio.GuestFrame) (pvio.MachineFrame, error)
}

// Hypervisor is the whole surface available to a domain.
type Hypervisor interface {
	Self() pvio.DomainID
	GrantTableSetup
	EventChannels
	SharedInfoProvider
	Scheduler
	Memory
}

package sim

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/frobware/go-pvio"
	"github.com/frobware/go-pvio/hypervisor"
	"github.com/frobware/go-pvio/mem"
)

type portKind uint8

const (
	portFree portKind = iota
	portReserved
	portUnbound
	portInterdomain
	portVIRQ
)

type portState struct {
	kind       portKind
	remote     pvio.DomainID
	remotePort pvio.Port
	virq       hypervisor.VIRQ
}

// Domain is one guest of a Machine.
type Domain struct {
	m       *Machine
	id      pvio.DomainID
	logger  *slog.Logger
	shared  *hypervisor.SharedInfo
	physmap *mem.Physmap
	upcall  chan struct{}

	// Guarded by m.mu.
	gntFrames []pvio.MachineFrame
	gnt       [][]hypervisor.GrantEntry
	ports     []portState
	virqs     map[hypervisor.VIRQ]pvio.Port
}

var _ hypervisor.Hypervisor = (*Domain)(nil)

// Self returns the domain's id.
func (d *Domain) Self() pvio.DomainID { return d.id }

// SharedInfo returns the domain's shared-info page.
func (d *Domain) SharedInfo() *hypervisor.SharedInfo { return d.shared }

// SetupGrantTable allocates the domain's grant table frames. It may be
// called once per domain.
func (d *Domain) SetupGrantTable(frames int) (hypervisor.GrantTableMapping, error) {
	if frames <= 0 {
		return hypervisor.GrantTableMapping{}, fmt.Errorf("grant table of %d frames: %w", frames, hypervisor.ErrInvalidLength)
	}
	d.m.mu.Lock()
	defer d.m.mu.Unlock()

	if d.gnt != nil {
		return hypervisor.GrantTableMapping{}, hypervisor.ErrAlreadySetup
	}
	mfns, err := d.m.allocLocked(d.id, frames)
	if err != nil {
		return hypervisor.GrantTableMapping{}, fmt.Errorf("grant table of %d frames: %w", frames, err)
	}
	mapping := hypervisor.GrantTableMapping{Frames: mfns}
	for _, mfn := range mfns {
		page := d.m.arena.Page(mfn)
		mapping.Pages = append(mapping.Pages, page)
		d.gnt = append(d.gnt, hypervisor.EntriesOf(page))
	}
	d.gntFrames = mfns
	d.logger.Debug("grant table set up", "frames", frames)
	return mapping, nil
}

func (d *Domain) entryLocked(ref pvio.GrantRef) (*hypervisor.GrantEntry, error) {
	i := int(ref) / hypervisor.EntriesPerFrame
	if i >= len(d.gnt) {
		return nil, fmt.Errorf("%s of %s: %w", ref, d.id, hypervisor.ErrBadGrant)
	}
	return &d.gnt[i][int(ref)%hypervisor.EntriesPerFrame], nil
}

// Block waits for an upcall. It returns at once if one is pending.
// Spurious returns are possible.
func (d *Domain) Block(ctx context.Context) error {
	if d.shared.VCPU[0].UpcallPending.Load() != 0 {
		return nil
	}
	select {
	case <-d.upcall:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Yield gives up the CPU.
func (d *Domain) Yield() {
	runtime.Gosched()
}

func (d *Domain) kick() {
	select {
	case d.upcall <- struct{}{}:
	default:
	}
}

func (d *Domain) setPending(p pvio.Port) {
	if d.shared.SetPending(0, p) {
		d.kick()
	}
}

// AllocPage allocates a guest frame.
func (d *Domain) AllocPage() (pvio.GuestFrame, []byte, error) {
	gfn, err := d.physmap.Alloc()
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", d.id, err)
	}
	return gfn, d.physmap.Page(gfn), nil
}

// FreePage returns gfn to the domain's allocator.
func (d *Domain) FreePage(gfn pvio.GuestFrame) { d.physmap.Free(gfn) }

// Page returns the bytes behind gfn.
func (d *Domain) Page(gfn pvio.GuestFrame) []byte { return d.physmap.Page(gfn) }

// MachineFrame translates gfn.
func (d *Domain) MachineFrame(gfn pvio.GuestFrame) (pvio.MachineFrame, error) {
	if uint64(gfn) >= uint64(d.physmap.Frames()) {
		return 0, fmt.Errorf("%s outside %s physmap", gfn, d.id)
	}
	mfn := d.physmap.MachineFrame(gfn)
	if mfn == mem.InvalidFrame {
		return 0, fmt.Errorf("%s of %s is not populated", gfn, d.id)
	}
	return mfn, nil
}

// ReleaseFrame hands the frame behind gfn back to the machine.
func (d *Domain) ReleaseFrame(gfn pvio.GuestFrame) error {
	mfn, err := d.physmap.Release(gfn)
	if err != nil {
		return err
	}
	d.m.mu.Lock()
	d.m.releaseLocked(mfn)
	d.m.mu.Unlock()
	return nil
}

// IncreaseReservation takes a free machine frame from the machine and
// installs it behind the unpopulated gfn.
func (d *Domain) IncreaseReservation(gfn pvio.GuestFrame) (pvio.MachineFrame, error) {
	if uint64(gfn) >= uint64(d.physmap.Frames()) {
		return 0, fmt.Errorf("%s outside %s physmap", gfn, d.id)
	}
	if d.physmap.MachineFrame(gfn) != mem.InvalidFrame {
		return 0, fmt.Errorf("%s of %s is already populated", gfn, d.id)
	}
	d.m.mu.Lock()
	frames, err := d.m.allocLocked(d.id, 1)
	d.m.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", d.id, err)
	}
	d.physmap.Remap(gfn, frames[0])
	return frames[0], nil
}

// Populate installs an owned machine frame behind gfn.
func (d *Domain) Populate(gfn pvio.GuestFrame, mfn pvio.MachineFrame) error {
	d.m.mu.Lock()
	owner := d.m.owner[mfn]
	d.m.mu.Unlock()
	if owner != d.id {
		return fmt.Errorf("populate %s with %s owned by %s: %w", gfn, mfn, owner, hypervisor.ErrPermission)
	}
	d.physmap.Remap(gfn, mfn)
	return nil
}

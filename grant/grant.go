// Package grant implements the guest's grant table: the allocator that
// turns local frames into references a named remote domain can map or
// transfer into, and the revocation path that takes them back.
//
// Allocation and release run under one table-wide spl.Mutex at
// spl.High so no event handler on the same CPU can re-enter the
// allocator. Only bookkeeping happens under the lock. Writing the
// shared entry (publish then arm, or revoke) happens outside it.
package grant

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/frobware/go-pvio"
	"github.com/frobware/go-pvio/hypervisor"
	"github.com/frobware/go-pvio/metrics"
	"github.com/frobware/go-pvio/spl"
)

// DefaultReserved is the number of low references kept back for the
// toolstack.
const DefaultReserved = 8

// endOfList terminates the free list threaded through the entries.
const endOfList = ^pvio.GrantRef(0)

const (
	yieldSpins = 64
	maxBackoff = time.Millisecond
)

// Hypervisor is the part of the hypercall surface the table uses.
type Hypervisor interface {
	hypervisor.GrantTableSetup
	Yield()
}

// Config sizes a grant table.
type Config struct {
	// Frames is the number of pages of entries.
	Frames int
	// Reserved low references are never handed out.
	Reserved int
}

// Stats is a snapshot of allocator state.
type Stats struct {
	Size      int
	Reserved  int
	InUse     int
	HighWater int
	Free      int
}

// Available returns the number of references that can still be
// allocated.
func (s Stats) Available() int {
	return s.Size - s.HighWater + s.Free
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the table's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Table) { t.logger = logger }
}

// WithMetrics sets the collectors the table reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Table) { t.metrics = m }
}

// Table is a domain's grant table.
type Table struct {
	hv       Hypervisor
	pages    [][]hypervisor.GrantEntry
	frames   []pvio.MachineFrame
	size     uint32
	reserved uint32
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu        *spl.Mutex
	freeHead  pvio.GrantRef
	highWater uint32
	inUse     int
	allocated []uint64
}

// New sets up a grant table through hv.
func New(cpu *spl.CPU, hv Hypervisor, cfg Config, opts ...Option) (*Table, error) {
	if cfg.Reserved < 0 {
		return nil, fmt.Errorf("negative reserved grant count %d", cfg.Reserved)
	}
	mapping, err := hv.SetupGrantTable(cfg.Frames)
	if err != nil {
		return nil, fmt.Errorf("setup grant table: %w", err)
	}
	size := uint32(len(mapping.Pages) * hypervisor.EntriesPerFrame)
	if uint32(cfg.Reserved) >= size {
		return nil, fmt.Errorf("%d reserved grants leave nothing of a %d entry table", cfg.Reserved, size)
	}

	t := &Table{
		hv:        hv,
		frames:    mapping.Frames,
		size:      size,
		reserved:  uint32(cfg.Reserved),
		logger:    slog.Default(),
		mu:        spl.NewMutex(cpu, spl.High),
		freeHead:  endOfList,
		highWater: uint32(cfg.Reserved),
		allocated: make([]uint64, (size+63)/64),
	}
	for _, page := range mapping.Pages {
		t.pages = append(t.pages, hypervisor.EntriesOf(page))
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "grant")
	t.logger.Debug("grant table ready", "frames", len(t.frames), "entries", size, "reserved", cfg.Reserved)
	return t, nil
}

// Frames returns the machine frames backing the table.
func (t *Table) Frames() []pvio.MachineFrame { return t.frames }

// Size returns the number of entries in the table.
func (t *Table) Size() int { return int(t.size) }

// Give lets dom map frame, read-only if asked.
func (t *Table) Give(dom pvio.DomainID, frame pvio.MachineFrame, readOnly bool) pvio.GrantRef {
	ref, inUse, highWater := t.alloc()
	flags := hypervisor.PermitAccess
	if readOnly {
		flags |= hypervisor.ReadOnly
	}
	e := t.entry(ref)
	e.Publish(dom, uint64(frame))
	e.Arm(flags)
	t.metrics.GrantIssued("access", inUse, highWater)
	return ref
}

// AcceptTransfer lets dom hand the guest a page, to be installed at
// frame once the transfer finishes.
func (t *Table) AcceptTransfer(dom pvio.DomainID, frame pvio.GuestFrame) pvio.GrantRef {
	ref, inUse, highWater := t.alloc()
	e := t.entry(ref)
	e.Publish(dom, uint64(frame))
	e.Arm(hypervisor.AcceptTransfer)
	t.metrics.GrantIssued("transfer", inUse, highWater)
	return ref
}

// FinishTransfer waits for the remote domain to complete a committed
// transfer, frees ref and returns the machine frame it delivered.
// Calling it before the transfer was committed is fatal.
func (t *Table) FinishTransfer(ref pvio.GrantRef) pvio.MachineFrame {
	e := t.owned(ref)
	flags := e.Flags()
	if flags.Type() != hypervisor.AcceptTransfer || flags&hypervisor.TransferCommitted == 0 {
		err := pvio.ErrTransferNotCommitted{Ref: ref}
		t.logger.Error("finish transfer", "ref", ref, "flags", flags, "error", err)
		panic(err)
	}

	backoff := time.Microsecond
	for spins := 0; e.Flags()&hypervisor.TransferCompleted == 0; spins++ {
		if spins < yieldSpins {
			t.hv.Yield()
			continue
		}
		time.Sleep(backoff)
		backoff = min(2*backoff, maxBackoff)
	}

	frame := pvio.MachineFrame(e.Frame())
	e.Retire()
	t.release(ref)
	return frame
}

// Takeback revokes ref and returns it to the free list. The remote
// domain must have finished with it.
func (t *Table) Takeback(ref pvio.GrantRef) {
	e := t.owned(ref)
	flags, ok := e.Revoke()
	if !ok {
		err := pvio.ErrGrantInUse{Ref: ref, Flags: uint16(flags)}
		t.logger.Error("takeback", "ref", ref, "domain", e.Domain(), "flags", flags, "error", err)
		panic(err)
	}
	t.release(ref)
}

// AddressOf returns the shared entry for ref. Its address is stable for
// the life of the table and serves as a wait key.
func (t *Table) AddressOf(ref pvio.GrantRef) *hypervisor.GrantEntry {
	return t.entry(ref)
}

// Stats returns a snapshot of the allocator.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	free := 0
	for r := t.freeHead; r != endOfList; r = pvio.GrantRef(t.entry(r).Frame()) {
		free++
	}
	return Stats{
		Size:      int(t.size),
		Reserved:  int(t.reserved),
		InUse:     t.inUse,
		HighWater: int(t.highWater),
		Free:      free,
	}
}

func (t *Table) entry(ref pvio.GrantRef) *hypervisor.GrantEntry {
	if uint32(ref) >= t.size {
		panic(pvio.ErrBadGrantRef{Ref: ref, Limit: t.size})
	}
	return &t.pages[int(ref)/hypervisor.EntriesPerFrame][int(ref)%hypervisor.EntriesPerFrame]
}

func (t *Table) alloc() (pvio.GrantRef, int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ref pvio.GrantRef
	switch {
	case t.freeHead != endOfList:
		ref = t.freeHead
		t.freeHead = pvio.GrantRef(t.entry(ref).Frame())
	case t.highWater < t.size:
		ref = pvio.GrantRef(t.highWater)
		t.highWater++
	default:
		err := pvio.ErrGrantTableFull{Size: t.size}
		t.logger.Error("grant allocation", "in_use", t.inUse, "error", err)
		panic(err)
	}
	t.allocated[ref/64] |= 1 << (ref % 64)
	t.inUse++
	return ref, t.inUse, int(t.highWater)
}

// owned panics unless ref is currently allocated.
func (t *Table) owned(ref pvio.GrantRef) *hypervisor.GrantEntry {
	e := t.entry(ref)
	t.mu.Lock()
	defer t.mu.Unlock()
	if uint32(ref) < t.reserved || t.allocated[ref/64]&(1<<(ref%64)) == 0 {
		panic(pvio.ErrBadGrantRef{Ref: ref, Limit: t.size})
	}
	return e
}

func (t *Table) release(ref pvio.GrantRef) {
	t.mu.Lock()
	defer t.mu.Unlock()

	bit := uint64(1) << (ref % 64)
	if uint32(ref) < t.reserved || t.allocated[ref/64]&bit == 0 {
		panic(pvio.ErrBadGrantRef{Ref: ref, Limit: t.size})
	}
	t.allocated[ref/64] &^= bit
	t.entry(ref).SetFrame(uint64(t.freeHead))
	t.freeHead = ref
	t.inUse--
	t.metrics.GrantRevoked(t.inUse)
}

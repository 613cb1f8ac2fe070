// Package sim is an in-process hypervisor. A Machine owns an mmap-backed
// pool of machine frames and runs any number of domains on it; each
// Domain implements hypervisor.Hypervisor for the guest running in it
// and offers the backend-side grant operations (map, unmap, transfer)
// that a driver domain would perform through real hypercalls.
//
// Every domain has a single vCPU. Upcalls are delivered by waking the
// goroutine blocked in Domain.Block.
package sim

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/frobware/go-pvio"
	"github.com/frobware/go-pvio/hypervisor"
	"github.com/frobware/go-pvio/mem"
)

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the machine's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// Machine is the simulated host.
type Machine struct {
	arena  *mem.Arena
	logger *slog.Logger

	mu      sync.Mutex
	free    []pvio.MachineFrame
	owner   []pvio.DomainID
	domains map[pvio.DomainID]*Domain
	nextID  pvio.DomainID
	maps    map[mapKey]*mapCount
}

type mapKey struct {
	granter pvio.DomainID
	ref     pvio.GrantRef
}

type mapCount struct {
	readers int
	writers int
}

// NewMachine creates a machine with the given number of frames.
func NewMachine(pages int, opts ...Option) (*Machine, error) {
	arena, err := mem.NewArena(pages)
	if err != nil {
		return nil, err
	}
	m := &Machine{
		arena:   arena,
		logger:  slog.Default(),
		owner:   make([]pvio.DomainID, pages),
		domains: make(map[pvio.DomainID]*Domain),
		maps:    make(map[mapKey]*mapCount),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "sim")
	for i := pages - 1; i >= 0; i-- {
		m.free = append(m.free, pvio.MachineFrame(i))
		m.owner[i] = pvio.DomainInvalid
	}
	return m, nil
}

// Close releases the machine's memory. Domains must not be used
// afterwards.
func (m *Machine) Close() error {
	return m.arena.Close()
}

// FreeFrames returns the number of unowned machine frames.
func (m *Machine) FreeFrames() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.free)
}

// Owner returns the domain owning mfn.
func (m *Machine) Owner(mfn pvio.MachineFrame) pvio.DomainID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner[mfn]
}

// Domain looks up a running domain.
func (m *Machine) Domain(id pvio.DomainID) (*Domain, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.domains[id]
	return d, ok
}

// NewDomain creates a domain with pages frames of guest memory plus its
// shared-info page.
func (m *Machine) NewDomain(pages int) (*Domain, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pages < 0 || pages+1 > len(m.free) {
		return nil, fmt.Errorf("domain of %d pages: %w", pages, hypervisor.ErrNoFreeFrames)
	}
	id := m.nextID
	m.nextID++

	frames, err := m.allocLocked(id, pages+1)
	if err != nil {
		return nil, err
	}
	d := &Domain{
		m:       m,
		id:      id,
		logger:  m.logger.With("domain", id),
		upcall:  make(chan struct{}, 1),
		ports:   make([]portState, hypervisor.MaxPorts),
		virqs:   make(map[hypervisor.VIRQ]pvio.Port),
		shared:  hypervisor.SharedInfoOf(m.arena.Page(frames[0])),
		physmap: mem.NewPhysmap(m.arena, frames[1:]),
	}
	d.ports[0].kind = portReserved
	m.domains[id] = d
	d.logger.Debug("domain created", "pages", pages, "shared_info", frames[0])
	return d, nil
}

func (m *Machine) allocLocked(owner pvio.DomainID, n int) ([]pvio.MachineFrame, error) {
	if n > len(m.free) {
		return nil, hypervisor.ErrNoFreeFrames
	}
	frames := make([]pvio.MachineFrame, n)
	for i := range frames {
		mfn := m.free[len(m.free)-1]
		m.free = m.free[:len(m.free)-1]
		m.owner[mfn] = owner
		m.arena.Zero(mfn)
		frames[i] = mfn
	}
	return frames, nil
}

func (m *Machine) releaseLocked(mfn pvio.MachineFrame) {
	m.owner[mfn] = pvio.DomainInvalid
	m.free = append(m.free, mfn)
}

func (m *Machine) domainLocked(id pvio.DomainID) (*Domain, error) {
	d, ok := m.domains[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, hypervisor.ErrNoDomain)
	}
	return d, nil
}

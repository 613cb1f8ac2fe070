// Package evtchn multiplexes event channel notifications onto handlers
// running at software priority levels.
//
// Each bound port carries a handler, an opaque unit value and an
// spl.Level. From the bindings the dispatcher derives one blocked-port
// bitmap per level: the map for level L holds every port bound at L or
// below, since raising the CPU to L must hold those back. The maps are
// republished as a whole on every Bind before the handler is stored,
// so a port is never deliverable without its mask bits in place.
//
// Only vCPU 0's selector and upcall flags are served.
package evtchn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/frobware/go-pvio"
	"github.com/frobware/go-pvio/hypervisor"
	"github.com/frobware/go-pvio/metrics"
	"github.com/frobware/go-pvio/spl"
)

const vcpu = 0

// Interrupt describes the notification being delivered.
type Interrupt struct {
	Port  pvio.Port
	Level spl.Level
}

// Handler is called for each delivered notification. prev is the
// level the CPU was at before it was raised to the port's level.
type Handler func(unit any, prev spl.Level, intr *Interrupt)

// Hypervisor is the part of the hypercall surface the dispatcher uses.
type Hypervisor interface {
	hypervisor.SharedInfoProvider
	Send(port pvio.Port) error
	Unmask(port pvio.Port) error
	Block(ctx context.Context) error
}

type binding struct {
	handler Handler
	unit    any
	level   spl.Level
}

type masks [spl.NumLevels][]uint64

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics sets the collectors the dispatcher reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher delivers notifications for one domain.
type Dispatcher struct {
	cpu     *spl.CPU
	hv      Hypervisor
	shared  *hypervisor.SharedInfo
	size    int
	logger  *slog.Logger
	metrics *metrics.Metrics

	ports  []atomic.Pointer[binding]
	masks  atomic.Pointer[masks]
	bindMu sync.Mutex
	levels []spl.Level

	deferMu  sync.Mutex
	deferred []uint64
}

// New creates a dispatcher with a table of ports entries. ports is
// capped at hypervisor.MaxPorts.
func New(cpu *spl.CPU, hv Hypervisor, ports int, opts ...Option) (*Dispatcher, error) {
	if ports <= 0 || ports > hypervisor.MaxPorts {
		return nil, fmt.Errorf("port table of %d entries outside 1..%d", ports, hypervisor.MaxPorts)
	}
	words := (ports + hypervisor.WordBits - 1) / hypervisor.WordBits
	d := &Dispatcher{
		cpu:      cpu,
		hv:       hv,
		shared:   hv.SharedInfo(),
		size:     ports,
		logger:   slog.Default(),
		ports:    make([]atomic.Pointer[binding], ports),
		levels:   make([]spl.Level, ports),
		deferred: make([]uint64, words),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "evtchn")
	d.masks.Store(d.computeMasks())
	cpu.OnLower(d.drain)
	return d, nil
}

// Size returns the number of entries in the port table.
func (d *Dispatcher) Size() int { return d.size }

// Bind routes port to handler at level. unit is passed back to the
// handler unchanged. Binding outside the port table is fatal.
func (d *Dispatcher) Bind(port pvio.Port, handler Handler, unit any, level spl.Level) {
	d.check(port)
	if level == spl.None || int(level) >= spl.NumLevels {
		panic(fmt.Sprintf("evtchn: bind %s at level %s", port, level))
	}
	if handler == nil {
		panic(fmt.Sprintf("evtchn: bind %s with nil handler", port))
	}

	d.bindMu.Lock()
	defer d.bindMu.Unlock()
	d.levels[port] = level
	d.masks.Store(d.computeMasks())
	d.ports[port].Store(&binding{handler: handler, unit: unit, level: level})
	d.logger.Debug("port bound", "port", port, "level", level)
}

// Unbind removes port's handler. Notifications arriving afterwards are
// dropped.
func (d *Dispatcher) Unbind(port pvio.Port) {
	d.check(port)

	d.bindMu.Lock()
	defer d.bindMu.Unlock()
	d.ports[port].Store(nil)
	d.levels[port] = spl.None
	d.masks.Store(d.computeMasks())

	d.deferMu.Lock()
	w, bit := hypervisor.PortWord(port)
	d.deferred[w] &^= bit
	d.deferMu.Unlock()
	d.logger.Debug("port unbound", "port", port)
}

func (d *Dispatcher) check(port pvio.Port) {
	if int(port) >= d.size {
		err := pvio.ErrPortOutOfRange{Port: port, Limit: d.size}
		d.logger.Error("bind", "port", port, "error", err)
		panic(err)
	}
}

func (d *Dispatcher) computeMasks() *masks {
	var m masks
	words := len(d.deferred)
	for l := range m {
		m[l] = make([]uint64, words)
	}
	for p, level := range d.levels {
		if level == spl.None {
			continue
		}
		w, bit := hypervisor.PortWord(pvio.Port(p))
		for l := level; int(l) < spl.NumLevels; l++ {
			m[l][w] |= bit
		}
	}
	return &m
}

// BlockedAt returns the ports held back while the CPU is at level.
func (d *Dispatcher) BlockedAt(level spl.Level) []pvio.Port {
	m := d.masks.Load()
	var ports []pvio.Port
	for w, word := range m[level] {
		hypervisor.ForEachBit(word, func(b int) {
			ports = append(ports, pvio.Port(w*hypervisor.WordBits+b))
		})
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

func (d *Dispatcher) blocked(port pvio.Port, level spl.Level) bool {
	w, bit := hypervisor.PortWord(port)
	return d.masks.Load()[level][w]&bit != 0
}

// Dispatch runs one pass over vCPU 0's pending selector and delivers
// every pending, unmasked port. It returns the number of ports taken
// off the pending bitmap.
func (d *Dispatcher) Dispatch() int {
	v := &d.shared.VCPU[vcpu]
	v.UpcallPending.Store(0)
	sel := v.PendingSel.Swap(0)
	d.metrics.Upcall()

	n := 0
	hypervisor.ForEachBit(sel, func(w int) {
		hypervisor.ForEachBit(d.shared.Deliverable(w), func(b int) {
			port := pvio.Port(w*hypervisor.WordBits + b)
			if !d.shared.ClearPending(port) {
				return
			}
			n++
			d.deliver(port)
		})
	})
	return n
}

func (d *Dispatcher) deliver(port pvio.Port) {
	if int(port) >= d.size {
		d.logger.Warn("event on port outside table", "port", port, "size", d.size)
		d.metrics.EventDropped()
		return
	}
	b := d.ports[port].Load()
	if b == nil {
		d.logger.Warn("event on unbound port", "port", port)
		d.metrics.EventDropped()
		return
	}
	if d.blocked(port, d.cpu.Level()) {
		d.deferMu.Lock()
		w, bit := hypervisor.PortWord(port)
		d.deferred[w] |= bit
		d.deferMu.Unlock()
		d.metrics.EventDeferred()
		// The level may have dropped between the check and the
		// deferral, with nothing left to run the drain.
		d.drain(d.cpu.Level())
		return
	}

	ck := d.cpu.Raise(b.level)
	b.handler(b.unit, ck.Prev(), &Interrupt{Port: port, Level: b.level})
	d.metrics.EventDelivered(b.level.String())
	d.cpu.Splx(ck)
}

// drain delivers deferred ports no longer blocked at level.
func (d *Dispatcher) drain(level spl.Level) {
	m := d.masks.Load()
	var ready []pvio.Port

	d.deferMu.Lock()
	for w, word := range d.deferred {
		runnable := word &^ m[level][w]
		if runnable == 0 {
			continue
		}
		d.deferred[w] &^= runnable
		hypervisor.ForEachBit(runnable, func(b int) {
			ready = append(ready, pvio.Port(w*hypervisor.WordBits+b))
		})
	}
	d.deferMu.Unlock()

	for _, port := range ready {
		d.deliver(port)
	}
}

// Idle re-enables upcalls and halts the vCPU unless work arrived while
// they were masked.
func (d *Dispatcher) Idle(ctx context.Context) error {
	v := &d.shared.VCPU[vcpu]
	v.UpcallMask.Store(0)
	if d.shared.HasWork(vcpu) {
		return nil
	}
	return d.hv.Block(ctx)
}

// Run is the upcall loop: dispatch with upcalls masked, then idle,
// until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	v := &d.shared.VCPU[vcpu]
	d.logger.Debug("dispatcher running", "ports", d.size)
	for {
		v.UpcallMask.Store(1)
		d.Dispatch()
		if err := d.Idle(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				d.logger.Debug("dispatcher stopped", "reason", err)
				return nil
			}
			return fmt.Errorf("block: %w", err)
		}
	}
}

// Mask stops the hypervisor from selecting port.
func (d *Dispatcher) Mask(port pvio.Port) {
	d.shared.SetMask(port)
}

// Unmask re-enables port, raising an upcall if it is still pending.
func (d *Dispatcher) Unmask(port pvio.Port) error {
	if err := d.hv.Unmask(port); err != nil {
		return fmt.Errorf("unmask %s: %w", port, err)
	}
	return nil
}

// Notify signals the remote end of port.
func (d *Dispatcher) Notify(port pvio.Port) error {
	if err := d.hv.Send(port); err != nil {
		return fmt.Errorf("notify %s: %w", port, err)
	}
	return nil
}

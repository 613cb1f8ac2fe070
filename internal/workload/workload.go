// Package workload assembles a simulated guest and backend domain and
// drives traffic through every part of the transport core: a
// block-style device over a structured ring whose data pages travel by
// grant (mapped or transferred), a key/value store over a byte-stream
// channel, and a timer virtual IRQ.
package workload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/frobware/go-pvio"
	"github.com/frobware/go-pvio/config"
	"github.com/frobware/go-pvio/evtchn"
	"github.com/frobware/go-pvio/grant"
	"github.com/frobware/go-pvio/hypervisor"
	"github.com/frobware/go-pvio/hypervisor/sim"
	"github.com/frobware/go-pvio/journal"
	"github.com/frobware/go-pvio/mem"
	"github.com/frobware/go-pvio/metrics"
	"github.com/frobware/go-pvio/ring"
	"github.com/frobware/go-pvio/spl"
)

// DefaultDiskSectors is the size of the simulated disk in pages.
const DefaultDiskSectors = 1024

// parallelism caps the requests Run keeps in flight.
const parallelism = 16

// Recorder receives transport events worth keeping. *journal.Recorder
// satisfies it.
type Recorder interface {
	Record(ctx context.Context, kind journal.Kind, component, detail string)
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, journal.Kind, string, string) {}

// Config shapes the simulated machine.
type Config struct {
	MachinePages  int
	GuestPages    int
	GrantFrames   int
	GrantReserved int
	Ports         int
	// Slots sizes the block ring; 0 fills the page.
	Slots       uint32
	DiskSectors uint64
}

// ConfigFrom extracts the workload settings from a loaded
// configuration.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		MachinePages:  cfg.Sim.MachinePages,
		GuestPages:    cfg.Sim.GuestPages,
		GrantFrames:   cfg.Grant.Frames,
		GrantReserved: cfg.Grant.Reserved,
		Ports:         cfg.Evtchn.Ports,
		Slots:         uint32(cfg.Sim.Slots),
		DiskSectors:   DefaultDiskSectors,
	}
}

// Option configures a Workload.
type Option func(*Workload)

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Workload) { w.base = logger }
}

// WithMetrics sets the collectors the guest's components report to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Workload) { w.metrics = m }
}

// WithRecorder sets where transport events are recorded.
func WithRecorder(rec Recorder) Option {
	return func(w *Workload) { w.rec = rec }
}

// node is one simulated domain with its own CPU and dispatcher.
type node struct {
	dom  *sim.Domain
	cpu  *spl.CPU
	disp *evtchn.Dispatcher
}

// channel is a guest page granted to the backend plus an event
// channel between the two.
type channel struct {
	page    []byte
	mapping *sim.Mapping
	gport   pvio.Port
	bport   pvio.Port
}

// Stats summarises a workload's activity.
type Stats struct {
	BlockOps   int64
	StoreOps   int64
	Ticks      uint64
	StoredKeys int
	FreeFrames int
	Grants     grant.Stats
}

// Workload is a connected guest and backend pair.
type Workload struct {
	cfg     Config
	base    *slog.Logger
	logger  *slog.Logger
	metrics *metrics.Metrics
	rec     Recorder

	machine *sim.Machine
	guest   node
	backend node
	table   *grant.Table

	block    *BlockFront
	blkBack  *BlockBack
	store    *StoreClient
	storeSrv *StoreServer
	streams  []*ring.Stream

	blockOps atomic.Int64
	storeOps atomic.Int64
	ticks    atomic.Uint64

	undo   undoStack
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds the machine, both domains and their channels. Nothing
// runs until Start.
func New(cfg Config, opts ...Option) (*Workload, error) {
	w := &Workload{cfg: cfg, base: slog.Default(), rec: nopRecorder{}}
	for _, opt := range opts {
		opt(w)
	}
	if w.cfg.DiskSectors == 0 {
		w.cfg.DiskSectors = DefaultDiskSectors
	}
	w.logger = w.base.With("component", "workload")

	if err := w.setup(); err != nil {
		if rbErr := w.undo.rollback(w.logger); rbErr != nil {
			return nil, errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
		}
		return nil, err
	}
	w.logger.Info("workload ready",
		"guest", w.guest.dom.Self(),
		"backend", w.backend.dom.Self(),
		"grant_entries", w.table.Size(),
		"free_frames", w.machine.FreeFrames())
	return w, nil
}

func (w *Workload) setup() error {
	var err error
	if w.machine, err = sim.NewMachine(w.cfg.MachinePages, sim.WithLogger(w.base)); err != nil {
		return fmt.Errorf("machine: %w", err)
	}
	w.undo.push(w.machine.Close)

	if w.backend, err = w.newNode(nil); err != nil {
		return fmt.Errorf("backend domain: %w", err)
	}
	if w.guest, err = w.newNode(w.metrics); err != nil {
		return fmt.Errorf("guest domain: %w", err)
	}

	w.table, err = grant.New(w.guest.cpu, w.guest.dom,
		grant.Config{Frames: w.cfg.GrantFrames, Reserved: w.cfg.GrantReserved},
		grant.WithLogger(w.base), grant.WithMetrics(w.metrics))
	if err != nil {
		return err
	}

	if err := w.connectBlock(); err != nil {
		return fmt.Errorf("block channel: %w", err)
	}
	if err := w.connectStore(); err != nil {
		return fmt.Errorf("store channel: %w", err)
	}
	if err := w.bindTimer(); err != nil {
		return fmt.Errorf("timer: %w", err)
	}
	return nil
}

func (w *Workload) newNode(m *metrics.Metrics) (node, error) {
	dom, err := w.machine.NewDomain(w.cfg.GuestPages)
	if err != nil {
		return node{}, err
	}
	cpu := spl.NewCPU()
	disp, err := evtchn.New(cpu, dom, w.cfg.Ports,
		evtchn.WithLogger(w.base.With("domain", dom.Self())),
		evtchn.WithMetrics(m))
	if err != nil {
		return node{}, err
	}
	return node{dom: dom, cpu: cpu, disp: disp}, nil
}

// connect shares one fresh guest page with the backend and opens an
// event channel between them.
func (w *Workload) connect(name string) (*channel, error) {
	g, b := w.guest.dom, w.backend.dom

	gfn, page, err := g.AllocPage()
	if err != nil {
		return nil, err
	}
	w.undo.push(func() error { g.FreePage(gfn); return nil })

	mfn, err := g.MachineFrame(gfn)
	if err != nil {
		return nil, err
	}
	ref := w.table.Give(b.Self(), mfn, false)
	w.rec.Record(context.Background(), journal.KindGrantIssued, name, fmt.Sprintf("%s of %s to %s", ref, mfn, b.Self()))
	w.undo.push(func() error {
		w.table.Takeback(ref)
		w.rec.Record(context.Background(), journal.KindGrantRevoked, name, ref.String())
		return nil
	})

	bport, err := b.AllocUnbound(g.Self())
	if err != nil {
		return nil, err
	}
	w.undo.push(func() error { return b.Close(bport) })

	gport, err := g.BindInterdomain(b.Self(), bport)
	if err != nil {
		return nil, err
	}
	w.undo.push(func() error { return g.Close(gport) })

	mp, err := b.MapGrant(g.Self(), ref, false)
	if err != nil {
		return nil, err
	}
	w.undo.push(mp.Unmap)

	return &channel{page: page, mapping: mp, gport: gport, bport: bport}, nil
}

func (w *Workload) bind(n node, port pvio.Port, h evtchn.Handler, level spl.Level) error {
	if int(port) >= n.disp.Size() {
		return fmt.Errorf("%s of %s outside a %d entry port table", port, n.dom.Self(), n.disp.Size())
	}
	n.disp.Bind(port, h, nil, level)
	w.undo.push(func() error { n.disp.Unbind(port); return nil })
	return nil
}

func (w *Workload) connectBlock() error {
	ch, err := w.connect("blk")
	if err != nil {
		return err
	}
	sring, err := ring.Attach[BlockRequest, BlockResponse](ch.page, w.cfg.Slots)
	if err != nil {
		return err
	}
	sring.Init()
	bsring, err := ring.Attach[BlockRequest, BlockResponse](ch.mapping.Page, w.cfg.Slots)
	if err != nil {
		return err
	}

	w.block = newBlockFront(w.guest.dom, w.table, w.backend.dom.Self(), w.rec, w.base)
	w.block.ch, err = ring.NewChannel(sring, ring.ChannelConfig[BlockResponse]{
		Name:    "blk",
		Key:     func(rsp *BlockResponse) uint64 { return rsp.ID },
		Recycle: w.block.recycle,
		Notify:  func() error { return w.guest.disp.Notify(ch.gport) },
	}, ring.WithLogger(w.base), ring.WithMetrics(w.metrics))
	if err != nil {
		return err
	}
	if err := w.bind(w.guest, ch.gport, w.block.ch.HandleEvent, spl.Bio); err != nil {
		return err
	}

	w.blkBack = newBlockBack(w.backend.dom, w.guest.dom.Self(), bsring, w.cfg.DiskSectors,
		func() error { return w.backend.disp.Notify(ch.bport) }, w.base, nil)
	if err := w.bind(w.backend, ch.bport, w.blkBack.HandleEvent, spl.Bio); err != nil {
		return err
	}

	w.logger.Debug("block channel connected", "slots", sring.Size(), "port", ch.gport)
	return nil
}

func (w *Workload) connectStore() error {
	ch, err := w.connect("store")
	if err != nil {
		return err
	}
	front := ring.NewStream("store", ring.StreamInterfaceOf(ch.page), ring.Frontend,
		func() error { return w.guest.disp.Notify(ch.gport) },
		ring.WithLogger(w.base), ring.WithMetrics(w.metrics))
	back := ring.NewStream("storeback", ring.StreamInterfaceOf(ch.mapping.Page), ring.Backend,
		func() error { return w.backend.disp.Notify(ch.bport) },
		ring.WithLogger(w.base))
	w.undo.push(front.Close)
	w.undo.push(back.Close)
	w.streams = append(w.streams, front, back)

	if err := w.bind(w.guest, ch.gport, front.HandleEvent, spl.TTY); err != nil {
		return err
	}
	if err := w.bind(w.backend, ch.bport, back.HandleEvent, spl.TTY); err != nil {
		return err
	}

	w.store = newStoreClient(front)
	w.storeSrv = newStoreServer(back, w.base)
	w.logger.Debug("store channel connected", "port", ch.gport)
	return nil
}

func (w *Workload) bindTimer() error {
	g := w.guest.dom
	port, err := g.BindVIRQ(hypervisor.VIRQTimer)
	if err != nil {
		return err
	}
	w.undo.push(func() error { return g.Close(port) })
	return w.bind(w.guest, port, func(any, spl.Level, *evtchn.Interrupt) { w.ticks.Add(1) }, spl.SoftClock)
}

// Block returns the guest's block device.
func (w *Workload) Block() *BlockFront { return w.block }

// Store returns the guest's store client.
func (w *Workload) Store() *StoreClient { return w.store }

// Grants returns the guest's grant table.
func (w *Workload) Grants() *grant.Table { return w.table }

// Machine returns the simulated machine.
func (w *Workload) Machine() *sim.Machine { return w.machine }

// Start runs both dispatchers and both backends until ctx ends or
// Close is called.
func (w *Workload) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.group, ctx = errgroup.WithContext(ctx)
	w.group.Go(func() error { return w.guest.disp.Run(ctx) })
	w.group.Go(func() error { return w.backend.disp.Run(ctx) })
	w.group.Go(func() error { return w.blkBack.Run(ctx) })
	w.group.Go(func() error { return w.storeSrv.Serve(ctx) })
}

// Tick raises the guest's timer virtual IRQ.
func (w *Workload) Tick() {
	w.guest.dom.RaiseVIRQ(hypervisor.VIRQTimer)
}

// Stats returns a snapshot of the workload's counters.
func (w *Workload) Stats() Stats {
	return Stats{
		BlockOps:   w.blockOps.Load(),
		StoreOps:   w.storeOps.Load(),
		Ticks:      w.ticks.Load(),
		StoredKeys: w.storeSrv.Len(),
		FreeFrames: w.machine.FreeFrames(),
		Grants:     w.table.Stats(),
	}
}

// Run issues requests rounds of traffic, several in flight at once,
// and verifies every read against what was written. Start must have
// been called.
func (w *Workload) Run(ctx context.Context, requests int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i := range requests {
		g.Go(func() error { return w.exercise(gctx, i) })
	}
	err := g.Wait()

	ctx = context.WithoutCancel(ctx)
	s := w.Stats()
	w.rec.Record(ctx, journal.KindStats, "workload", fmt.Sprintf(
		"requests=%d block_ops=%d store_ops=%d grants_in_use=%d grants_high_water=%d",
		requests, s.BlockOps, s.StoreOps, s.Grants.InUse, s.Grants.HighWater))
	if err != nil {
		w.rec.Record(ctx, journal.KindAnomaly, "workload", err.Error())
	}
	return err
}

// pattern is the content every writer puts at sector, so concurrent
// rounds touching the same sector agree on it.
func pattern(sector uint64, pages int) []byte {
	var buf bytes.Buffer
	for p := range pages {
		line := fmt.Sprintf("sector %d;", sector+uint64(p))
		for buf.Len() < (p+1)*mem.PageSize {
			buf.WriteString(line)
		}
		buf.Truncate((p + 1) * mem.PageSize)
	}
	return buf.Bytes()
}

func (w *Workload) exercise(ctx context.Context, i int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pages := 1 + i%2
	sector := uint64(i) % (w.cfg.DiskSectors - 1)
	want := pattern(sector, pages)

	if err := w.block.Write(ctx, sector, want); err != nil {
		return fmt.Errorf("round %d: %w", i, err)
	}
	var (
		got []byte
		err error
	)
	if i%3 == 0 {
		got, err = w.block.ReadTransfer(ctx, sector, pages)
	} else {
		got, err = w.block.Read(ctx, sector, pages)
	}
	if err != nil {
		return fmt.Errorf("round %d: %w", i, err)
	}
	w.blockOps.Add(2)
	if !bytes.Equal(got, want) {
		return fmt.Errorf("round %d: sector %d read back differs from what was written", i, sector)
	}

	key := fmt.Sprintf("device/vbd/%d", i)
	value := fmt.Sprintf("sector=%d pages=%d", sector, pages)
	if err := w.store.Write(key, value); err != nil {
		return fmt.Errorf("round %d: %w", i, err)
	}
	v, err := w.store.Read(key)
	if err != nil {
		return fmt.Errorf("round %d: %w", i, err)
	}
	w.storeOps.Add(2)
	if v != value {
		return fmt.Errorf("round %d: store read %q, wrote %q", i, v, value)
	}
	if i%2 == 1 {
		if err := w.store.Remove(key); err != nil {
			return fmt.Errorf("round %d: %w", i, err)
		}
		w.storeOps.Add(1)
	}
	return nil
}

// Close stops everything Start started and tears down the channels
// and machine. No request may be outstanding.
func (w *Workload) Close() error {
	var errs []error
	if w.cancel != nil {
		w.cancel()
		for _, s := range w.streams {
			s.Close()
		}
		if err := w.group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := w.undo.rollback(w.logger); err != nil {
		errs = append(errs, err)
	}
	w.undo = nil
	return errors.Join(errs...)
}

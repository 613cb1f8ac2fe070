package workload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/frobware/go-pvio"
	"github.com/frobware/go-pvio/grant"
	"github.com/frobware/go-pvio/hypervisor"
	"github.com/frobware/go-pvio/journal"
	"github.com/frobware/go-pvio/mem"
	"github.com/frobware/go-pvio/ring"
)

// MaxSegments is the number of pages one block request can carry.
const MaxSegments = 8

// BlockOp selects what a block request does.
type BlockOp uint32

const (
	// OpRead fills granted pages from the disk.
	OpRead BlockOp = iota
	// OpWrite stores granted pages on the disk.
	OpWrite
	// OpReadTransfer returns disk pages by transferring frames into
	// the frontend's accept-transfer grants.
	OpReadTransfer
)

func (op BlockOp) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpReadTransfer:
		return "read-transfer"
	}
	return fmt.Sprintf("BlockOp(%d)", uint32(op))
}

// Block response status codes.
const (
	StatusOK          int32 = 0
	StatusError       int32 = -1
	StatusUnsupported int32 = -2
)

// BlockRequest is one slot of the block ring's request side. Sector
// counts pages.
type BlockRequest struct {
	ID       uint64
	Op       BlockOp
	Segments uint32
	Sector   uint64
	Gref     [MaxSegments]pvio.GrantRef
}

// BlockResponse answers the request with the same ID.
type BlockResponse struct {
	ID     uint64
	Op     BlockOp
	Status int32
}

// ErrIO reports a request the backend failed.
var ErrIO = errors.New("block I/O error")

// guestMemory is the part of a domain the frontend allocates from.
type guestMemory interface {
	hypervisor.Memory
}

// inflight tracks the grants of one outstanding request until its
// response has been recycled.
type inflight struct {
	op       BlockOp
	refs     []pvio.GrantRef
	frames   []pvio.MachineFrame
	recycled chan struct{}
}

// BlockFront issues page-granular disk requests over a structured ring.
// Every data page is granted to the backend for the life of the
// request and taken back when the response is recycled.
type BlockFront struct {
	mem     guestMemory
	table   *grant.Table
	backend pvio.DomainID
	ch      *ring.Channel[BlockRequest, BlockResponse]
	rec     Recorder
	logger  *slog.Logger

	nextID atomic.Uint64

	mu       sync.Mutex
	inflight map[uint64]*inflight
}

func newBlockFront(m guestMemory, table *grant.Table, backend pvio.DomainID, rec Recorder, logger *slog.Logger) *BlockFront {
	return &BlockFront{
		mem:      m,
		table:    table,
		backend:  backend,
		rec:      rec,
		logger:   logger.With("component", "blkfront"),
		inflight: make(map[uint64]*inflight),
	}
}

// Outstanding returns the number of requests awaiting a response.
func (f *BlockFront) Outstanding() int {
	return f.ch.Outstanding()
}

func segmentsFor(n int) (int, error) {
	segs := (n + mem.PageSize - 1) / mem.PageSize
	if segs < 1 || segs > MaxSegments {
		return 0, fmt.Errorf("request of %d bytes needs %d segments, limit %d", n, segs, MaxSegments)
	}
	return segs, nil
}

// Write stores data at sector. A short final page is zero padded.
func (f *BlockFront) Write(ctx context.Context, sector uint64, data []byte) error {
	segs, err := segmentsFor(len(data))
	if err != nil {
		return err
	}
	gfns, err := f.allocPages(segs)
	if err != nil {
		return err
	}
	defer f.freePages(gfns)

	refs := make([]pvio.GrantRef, segs)
	for i, gfn := range gfns {
		page := f.mem.Page(gfn)
		clear(page)
		copy(page, data[i*mem.PageSize:])
		mfn, err := f.mem.MachineFrame(gfn)
		if err != nil {
			f.revoke(refs[:i])
			return err
		}
		refs[i] = f.table.Give(f.backend, mfn, true)
	}
	return f.submit(ctx, OpWrite, sector, refs)
}

// Read returns pages worth of data from sector.
func (f *BlockFront) Read(ctx context.Context, sector uint64, pages int) ([]byte, error) {
	if _, err := segmentsFor(pages * mem.PageSize); err != nil {
		return nil, err
	}
	gfns, err := f.allocPages(pages)
	if err != nil {
		return nil, err
	}
	defer f.freePages(gfns)

	refs := make([]pvio.GrantRef, pages)
	for i, gfn := range gfns {
		mfn, err := f.mem.MachineFrame(gfn)
		if err != nil {
			f.revoke(refs[:i])
			return nil, err
		}
		refs[i] = f.table.Give(f.backend, mfn, false)
	}
	if err := f.submit(ctx, OpRead, sector, refs); err != nil {
		return nil, err
	}
	return f.gather(gfns), nil
}

// ReadTransfer is Read with the data delivered by page transfer: the
// frontend gives up the frames behind its buffers and the backend
// hands over frames of its own already holding the data.
func (f *BlockFront) ReadTransfer(ctx context.Context, sector uint64, pages int) ([]byte, error) {
	if _, err := segmentsFor(pages * mem.PageSize); err != nil {
		return nil, err
	}
	gfns, err := f.allocPages(pages)
	if err != nil {
		return nil, err
	}
	defer f.freePages(gfns)

	refs := make([]pvio.GrantRef, pages)
	for i, gfn := range gfns {
		if err := f.mem.ReleaseFrame(gfn); err != nil {
			f.revoke(refs[:i])
			for _, g := range gfns[:i] {
				if _, rerr := f.mem.IncreaseReservation(g); rerr != nil {
					err = errors.Join(err, rerr)
				}
			}
			return nil, err
		}
		refs[i] = f.table.AcceptTransfer(f.backend, gfn)
	}
	inf, err := f.submitTracked(ctx, OpReadTransfer, sector, refs)
	// Whatever happened, every buffer needs a frame behind it again.
	for i, gfn := range gfns {
		if i < len(inf.frames) && inf.frames[i] != mem.InvalidFrame {
			if perr := f.mem.Populate(gfn, inf.frames[i]); perr != nil {
				err = errors.Join(err, perr)
			}
			continue
		}
		if _, rerr := f.mem.IncreaseReservation(gfn); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	if err != nil {
		return nil, err
	}
	return f.gather(gfns), nil
}

func (f *BlockFront) allocPages(n int) ([]pvio.GuestFrame, error) {
	gfns := make([]pvio.GuestFrame, 0, n)
	for range n {
		gfn, _, err := f.mem.AllocPage()
		if err != nil {
			f.freePages(gfns)
			return nil, err
		}
		gfns = append(gfns, gfn)
	}
	return gfns, nil
}

func (f *BlockFront) freePages(gfns []pvio.GuestFrame) {
	for _, gfn := range gfns {
		f.mem.FreePage(gfn)
	}
}

// revoke takes back grants that were never submitted.
func (f *BlockFront) revoke(refs []pvio.GrantRef) {
	for _, ref := range refs {
		f.table.Takeback(ref)
	}
}

func (f *BlockFront) gather(gfns []pvio.GuestFrame) []byte {
	out := make([]byte, 0, len(gfns)*mem.PageSize)
	for _, gfn := range gfns {
		out = append(out, f.mem.Page(gfn)...)
	}
	return out
}

func (f *BlockFront) submit(ctx context.Context, op BlockOp, sector uint64, refs []pvio.GrantRef) error {
	_, err := f.submitTracked(ctx, op, sector, refs)
	return err
}

// submitTracked sends one request and returns once its response has
// been recycled, so every grant in refs has been taken back.
func (f *BlockFront) submitTracked(ctx context.Context, op BlockOp, sector uint64, refs []pvio.GrantRef) (*inflight, error) {
	id := f.nextID.Add(1)
	inf := &inflight{op: op, refs: refs, recycled: make(chan struct{})}
	f.mu.Lock()
	f.inflight[id] = inf
	f.mu.Unlock()

	f.rec.Record(ctx, journal.KindRequest, "blkfront", fmt.Sprintf("id=%d op=%s sector=%d segments=%d", id, op, sector, len(refs)))
	rsp := f.ch.Submit(id, func(req *BlockRequest) {
		*req = BlockRequest{ID: id, Op: op, Segments: uint32(len(refs)), Sector: sector}
		copy(req.Gref[:], refs)
	})
	<-inf.recycled
	f.rec.Record(ctx, journal.KindResponse, "blkfront", fmt.Sprintf("id=%d status=%d", id, rsp.Status))

	if rsp.Status != StatusOK {
		return inf, fmt.Errorf("%s of sector %d: status %d: %w", op, sector, rsp.Status, ErrIO)
	}
	return inf, nil
}

// recycle takes back the grants of a completed request. Transfer
// grants the backend committed are finished; the rest are revoked.
// The grant kinds come from what was submitted, never from the
// response the backend wrote.
func (f *BlockFront) recycle(rsp *BlockResponse) {
	f.mu.Lock()
	inf, ok := f.inflight[rsp.ID]
	delete(f.inflight, rsp.ID)
	f.mu.Unlock()
	if !ok {
		f.logger.Warn("recycle of unknown request", "id", rsp.ID)
		return
	}

	if rsp.Op != inf.op {
		f.logger.Warn("response op does not match request", "id", rsp.ID, "request", inf.op, "response", rsp.Op)
	}
	if inf.op == OpReadTransfer {
		inf.frames = make([]pvio.MachineFrame, len(inf.refs))
	}
	for i, ref := range inf.refs {
		if inf.op == OpReadTransfer {
			inf.frames[i] = mem.InvalidFrame
			if f.table.AddressOf(ref).Flags()&hypervisor.TransferCommitted != 0 {
				inf.frames[i] = f.table.FinishTransfer(ref)
				continue
			}
		}
		f.table.Takeback(ref)
	}
	close(inf.recycled)
}

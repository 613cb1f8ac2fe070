package workload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/frobware/go-pvio"
	"github.com/frobware/go-pvio/evtchn"
	"github.com/frobware/go-pvio/hypervisor/sim"
	"github.com/frobware/go-pvio/mem"
	"github.com/frobware/go-pvio/metrics"
	"github.com/frobware/go-pvio/ring"
	"github.com/frobware/go-pvio/spl"
)

// BlockBack serves a BlockFront from the backend domain. The disk is a
// sparse set of pages held in backend memory; unwritten sectors read
// as zeros.
//
// The event handler only wakes the service goroutine. Mapping grants
// and copying pages happen there, outside interrupt context.
type BlockBack struct {
	dom      *sim.Domain
	frontend pvio.DomainID
	back     *ring.Back[BlockRequest, BlockResponse]
	notify   func() error
	sectors  uint64
	logger   *slog.Logger
	metrics  *metrics.Metrics

	kick chan struct{}

	mu   sync.Mutex
	disk map[uint64][]byte
}

func newBlockBack(dom *sim.Domain, frontend pvio.DomainID, sring *ring.Shared[BlockRequest, BlockResponse], sectors uint64, notify func() error, logger *slog.Logger, m *metrics.Metrics) *BlockBack {
	return &BlockBack{
		dom:      dom,
		frontend: frontend,
		back:     ring.NewBack(sring),
		notify:   notify,
		sectors:  sectors,
		logger:   logger.With("component", "blkback"),
		metrics:  m,
		kick:     make(chan struct{}, 1),
		disk:     make(map[uint64][]byte),
	}
}

// HandleEvent wakes the service goroutine. Bind it to the backend's
// end of the ring's event channel.
func (b *BlockBack) HandleEvent(any, spl.Level, *evtchn.Interrupt) {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// Run serves requests until ctx ends.
func (b *BlockBack) Run(ctx context.Context) error {
	for {
		b.process()
		select {
		case <-ctx.Done():
			return nil
		case <-b.kick:
		}
	}
}

// process answers every available request, then re-arms the request
// event and goes round again if more arrived meanwhile.
func (b *BlockBack) process() {
	for {
		for n := b.back.UnconsumedRequests(); n > 0; n = b.back.UnconsumedRequests() {
			for range n {
				req := *b.back.Request(0)
				b.back.ConsumeRequests(1)
				*b.back.NextResponse() = b.serve(&req)
			}
			b.metrics.RingConsumed("blkback", int(n))
			notify := b.back.PushResponses()
			b.metrics.RingPublished("blkback", int(n), notify)
			if notify {
				if err := b.notify(); err != nil {
					b.logger.Error("notify frontend", "error", err)
				}
			}
		}
		if !b.back.FinalCheckForRequests() {
			return
		}
	}
}

func (b *BlockBack) serve(req *BlockRequest) BlockResponse {
	rsp := BlockResponse{ID: req.ID, Op: req.Op, Status: StatusOK}
	if req.Segments < 1 || req.Segments > MaxSegments {
		b.logger.Warn("bad segment count", "id", req.ID, "segments", req.Segments)
		rsp.Status = StatusError
		return rsp
	}
	if req.Sector >= b.sectors || uint64(req.Segments) > b.sectors-req.Sector {
		b.logger.Warn("request beyond end of disk", "id", req.ID, "sector", req.Sector, "segments", req.Segments)
		rsp.Status = StatusError
		return rsp
	}

	var err error
	switch req.Op {
	case OpWrite:
		err = b.write(req)
	case OpRead:
		err = b.read(req)
	case OpReadTransfer:
		err = b.transfer(req)
	default:
		rsp.Status = StatusUnsupported
		return rsp
	}
	if err != nil {
		b.logger.Warn("request failed", "id", req.ID, "op", req.Op, "error", err)
		rsp.Status = StatusError
	}
	return rsp
}

func (b *BlockBack) write(req *BlockRequest) error {
	for i := range req.Segments {
		mp, err := b.dom.MapGrant(b.frontend, req.Gref[i], true)
		if err != nil {
			return err
		}
		page := make([]byte, mem.PageSize)
		copy(page, mp.Page)
		if err := mp.Unmap(); err != nil {
			return err
		}
		b.mu.Lock()
		b.disk[req.Sector+uint64(i)] = page
		b.mu.Unlock()
	}
	return nil
}

func (b *BlockBack) read(req *BlockRequest) error {
	for i := range req.Segments {
		mp, err := b.dom.MapGrant(b.frontend, req.Gref[i], false)
		if err != nil {
			return err
		}
		b.fill(mp.Page, req.Sector+uint64(i))
		if err := mp.Unmap(); err != nil {
			return err
		}
	}
	return nil
}

// transfer fills fresh backend pages and moves their frames into the
// frontend's accept-transfer grants. Pages are allocated before the
// first commit so a shortage fails the request without transferring
// anything.
func (b *BlockBack) transfer(req *BlockRequest) error {
	gfns := make([]pvio.GuestFrame, 0, req.Segments)
	defer func() {
		for _, gfn := range gfns {
			b.dom.FreePage(gfn)
		}
	}()
	for i := range req.Segments {
		gfn, page, err := b.dom.AllocPage()
		if err != nil {
			return err
		}
		gfns = append(gfns, gfn)
		b.fill(page, req.Sector+uint64(i))
	}
	for i, gfn := range gfns {
		if _, err := b.dom.TransferGrant(b.frontend, req.Gref[i], gfn); err != nil {
			return fmt.Errorf("segment %d: %w", i, err)
		}
		if _, err := b.dom.IncreaseReservation(gfn); err != nil {
			return fmt.Errorf("segment %d: repopulate: %w", i, err)
		}
	}
	return nil
}

func (b *BlockBack) fill(page []byte, sector uint64) {
	b.mu.Lock()
	data, ok := b.disk[sector]
	b.mu.Unlock()
	if !ok {
		clear(page)
		return
	}
	copy(page, data)
}

package ring

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

const headerSize = 64

// header sits at the start of a structured ring page. The event
// cursors hold the producer value at which each side wants to be
// notified next.
type header struct {
	reqProd  atomic.Uint32
	reqEvent atomic.Uint32
	rspProd  atomic.Uint32
	rspEvent atomic.Uint32
	_        [headerSize - 16]byte
}

type slot[Req, Rsp any] struct {
	req Req
	rsp Rsp
}

// Shared is a structured request/response ring overlaid on a page. Req
// and Rsp are copied through shared memory and must not contain
// pointers.
type Shared[Req, Rsp any] struct {
	hdr   *header
	slots []slot[Req, Rsp]
	size  uint32
}

// MaxSlots returns the largest power-of-two slot count of a Shared
// ring for Req and Rsp that fits in pageSize bytes.
func MaxSlots[Req, Rsp any](pageSize int) uint32 {
	per := int(unsafe.Sizeof(slot[Req, Rsp]{}))
	if per == 0 {
		per = 1
	}
	n := uint32((pageSize - headerSize) / per)
	if n == 0 {
		return 0
	}
	p := uint32(1)
	for p*2 <= n {
		p *= 2
	}
	return p
}

// Attach overlays page with a ring of slots entries. slots 0 selects
// MaxSlots.
func Attach[Req, Rsp any](page []byte, slots uint32) (*Shared[Req, Rsp], error) {
	limit := MaxSlots[Req, Rsp](len(page))
	if slots == 0 {
		slots = limit
	}
	if !IsPowerOfTwo(slots) {
		return nil, fmt.Errorf("ring of %d slots is not a power of two", slots)
	}
	if slots > limit {
		return nil, fmt.Errorf("ring of %d slots does not fit %d bytes (max %d)", slots, len(page), limit)
	}
	base := unsafe.Pointer(&page[0])
	return &Shared[Req, Rsp]{
		hdr:   (*header)(base),
		slots: unsafe.Slice((*slot[Req, Rsp])(unsafe.Add(base, headerSize)), slots),
		size:  slots,
	}, nil
}

// Init resets the shared cursors. Only the side that created the ring
// calls it, before handing the page to the peer.
func (s *Shared[Req, Rsp]) Init() {
	s.hdr.reqProd.Store(0)
	s.hdr.rspProd.Store(0)
	s.hdr.reqEvent.Store(1)
	s.hdr.rspEvent.Store(1)
}

// Size returns the number of slots.
func (s *Shared[Req, Rsp]) Size() uint32 { return s.size }

// Cursors is a snapshot of the shared cursors.
type Cursors struct {
	ReqProd, ReqEvent uint32
	RspProd, RspEvent uint32
}

// Cursors reads the shared cursors.
func (s *Shared[Req, Rsp]) Cursors() Cursors {
	return Cursors{
		ReqProd:  s.hdr.reqProd.Load(),
		ReqEvent: s.hdr.reqEvent.Load(),
		RspProd:  s.hdr.rspProd.Load(),
		RspEvent: s.hdr.rspEvent.Load(),
	}
}

func (s *Shared[Req, Rsp]) at(idx uint32) *slot[Req, Rsp] {
	return &s.slots[Mask(idx, s.size)]
}

// pushed publishes prod behind its slots and reports whether the peer
// asked to hear about any index in (old, prod].
func pushed(cursor, event *atomic.Uint32, prod uint32) bool {
	old := cursor.Load()
	cursor.Store(prod)
	ev := event.Load()
	return prod-ev < prod-old
}

// Front is the requesting side of a Shared ring.
type Front[Req, Rsp any] struct {
	sring      *Shared[Req, Rsp]
	reqProdPvt uint32
	rspCons    uint32
}

// NewFront attaches a requesting side to a freshly initialised ring.
func NewFront[Req, Rsp any](s *Shared[Req, Rsp]) *Front[Req, Rsp] {
	return &Front[Req, Rsp]{sring: s}
}

// Size returns the number of slots.
func (f *Front[Req, Rsp]) Size() uint32 { return f.sring.size }

// Free returns the number of requests that can be reserved.
func (f *Front[Req, Rsp]) Free() uint32 {
	return f.sring.size - (f.reqProdPvt - f.rspCons)
}

// Full reports whether every slot holds a request or an unconsumed
// response.
func (f *Front[Req, Rsp]) Full() bool {
	return Full(f.reqProdPvt, f.rspCons, f.sring.size)
}

// NextRequest reserves the slot at the private producer cursor. It is
// not visible to the peer until PushRequests.
func (f *Front[Req, Rsp]) NextRequest() *Req {
	if f.Full() {
		panic(fmt.Sprintf("ring: request reserved on full ring (prod %d cons %d)", f.reqProdPvt, f.rspCons))
	}
	s := f.sring.at(f.reqProdPvt)
	f.reqProdPvt++
	return &s.req
}

// PushRequests publishes every reserved request and reports whether
// the peer must be notified.
func (f *Front[Req, Rsp]) PushRequests() bool {
	return pushed(&f.sring.hdr.reqProd, &f.sring.hdr.reqEvent, f.reqProdPvt)
}

// UnconsumedResponses returns the number of responses ready to read.
func (f *Front[Req, Rsp]) UnconsumedResponses() uint32 {
	return f.sring.hdr.rspProd.Load() - f.rspCons
}

// Response returns the i'th unconsumed response.
func (f *Front[Req, Rsp]) Response(i uint32) *Rsp {
	return &f.sring.at(f.rspCons + i).rsp
}

// ConsumeResponses frees n response slots for new requests.
func (f *Front[Req, Rsp]) ConsumeResponses(n uint32) {
	f.rspCons += n
}

// FinalCheckForResponses asks to be notified of the next response and
// then checks for one that raced with the update.
func (f *Front[Req, Rsp]) FinalCheckForResponses() bool {
	if f.UnconsumedResponses() > 0 {
		return true
	}
	f.sring.hdr.rspEvent.Store(f.rspCons + 1)
	return f.UnconsumedResponses() > 0
}

// Back is the responding side of a Shared ring.
type Back[Req, Rsp any] struct {
	sring      *Shared[Req, Rsp]
	rspProdPvt uint32
	reqCons    uint32
}

// NewBack attaches a responding side.
func NewBack[Req, Rsp any](s *Shared[Req, Rsp]) *Back[Req, Rsp] {
	return &Back[Req, Rsp]{sring: s}
}

// UnconsumedRequests returns the number of requests ready to read,
// never more than the slots the back side has answered room for.
func (b *Back[Req, Rsp]) UnconsumedRequests() uint32 {
	avail := b.sring.hdr.reqProd.Load() - b.reqCons
	room := b.sring.size - (b.reqCons - b.rspProdPvt)
	return min(avail, room)
}

// Request returns the i'th unconsumed request.
func (b *Back[Req, Rsp]) Request(i uint32) *Req {
	return &b.sring.at(b.reqCons + i).req
}

// ConsumeRequests marks n requests as read.
func (b *Back[Req, Rsp]) ConsumeRequests(n uint32) {
	b.reqCons += n
}

// NextResponse reserves the next response slot. A response may be
// reserved for any published request, consumed or not.
func (b *Back[Req, Rsp]) NextResponse() *Rsp {
	if prod := b.sring.hdr.reqProd.Load(); b.rspProdPvt == prod {
		panic(fmt.Sprintf("ring: response reserved with no request outstanding (rsp %d req %d)", b.rspProdPvt, prod))
	}
	s := b.sring.at(b.rspProdPvt)
	b.rspProdPvt++
	return &s.rsp
}

// PushResponses publishes reserved responses and reports whether the
// peer must be notified.
func (b *Back[Req, Rsp]) PushResponses() bool {
	return pushed(&b.sring.hdr.rspProd, &b.sring.hdr.rspEvent, b.rspProdPvt)
}

// FinalCheckForRequests asks to be notified of the next request and
// then checks for one that raced with the update.
func (b *Back[Req, Rsp]) FinalCheckForRequests() bool {
	if b.UnconsumedRequests() > 0 {
		return true
	}
	b.sring.hdr.reqEvent.Store(b.reqCons + 1)
	return b.UnconsumedRequests() > 0
}

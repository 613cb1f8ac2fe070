package ring

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/frobware/go-pvio"
	"github.com/frobware/go-pvio/evtchn"
	"github.com/frobware/go-pvio/spl"
)

// StreamRingSize is the size of each direction of a StreamInterface.
const StreamRingSize = 1024

// ErrClosed is returned by a Stream after Close.
var ErrClosed = errors.New("stream closed")

// ErrWordTooLong is returned by ReadWord when the incoming ring fills
// without a terminator. The oversized word is discarded through its
// terminator and the next ReadWord returns the word after it.
var ErrWordTooLong = errors.New("word does not fit the ring")

// StreamInterface is the page layout shared by the two ends of a
// byte-stream channel: a request ring written by the frontend, a
// response ring written by the backend, and a cursor pair for each.
type StreamInterface struct {
	Req     [StreamRingSize]byte
	Rsp     [StreamRingSize]byte
	ReqCons atomic.Uint32
	ReqProd atomic.Uint32
	RspCons atomic.Uint32
	RspProd atomic.Uint32
}

// StreamInterfaceOf overlays a page with a StreamInterface.
func StreamInterfaceOf(page []byte) *StreamInterface {
	if len(page) < int(unsafe.Sizeof(StreamInterface{})) {
		panic(fmt.Sprintf("ring: stream interface page of %d bytes", len(page)))
	}
	return (*StreamInterface)(unsafe.Pointer(&page[0]))
}

// Side selects which direction of a StreamInterface an endpoint
// writes.
type Side int

const (
	// Frontend writes requests and reads responses.
	Frontend Side = iota
	// Backend writes responses and reads requests.
	Backend
)

type stream struct {
	buf  Bytes
	prod *atomic.Uint32
	cons *atomic.Uint32
}

// Stream is one end of a byte-stream channel. Writes block while the
// outgoing ring is full and reads block while the incoming ring is
// empty; both wake on the channel's event.
type Stream struct {
	name   string
	tx, rx stream
	notify func() error
	opts   options

	wmu sync.Mutex
	rmu sync.Mutex

	// skipping is set while the rest of an oversized word is
	// discarded. Guarded by rmu.
	skipping bool

	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
}

// NewStream attaches to intf as side. notify signals the peer.
func NewStream(name string, intf *StreamInterface, side Side, notify func() error, opts ...Option) *Stream {
	req := stream{buf: intf.Req[:], prod: &intf.ReqProd, cons: &intf.ReqCons}
	rsp := stream{buf: intf.Rsp[:], prod: &intf.RspProd, cons: &intf.RspCons}
	s := &Stream{name: name, notify: notify, opts: buildOptions(name, opts)}
	if side == Frontend {
		s.tx, s.rx = req, rsp
	} else {
		s.tx, s.rx = rsp, req
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// HandleEvent wakes blocked readers and writers. Bind it to the
// channel's port.
func (s *Stream) HandleEvent(any, spl.Level, *evtchn.Interrupt) {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Close wakes every blocked caller with ErrClosed.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	return nil
}

// Write copies all of p into the outgoing ring, waiting for space as
// needed, and notifies the peer after each chunk.
func (s *Stream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	size := uint32(len(s.tx.buf))
	written := 0
	for written < len(p) {
		prod, cons, err := s.wait(s.tx, func(prod, cons uint32) bool {
			return !Full(prod, cons, size)
		})
		if err != nil {
			return written, err
		}
		n := min(Free(prod, cons, size), uint32(len(p)-written))
		s.tx.buf.Store(prod, p[written:written+int(n)])
		s.tx.prod.Store(prod + n)
		written += int(n)
		s.opts.metrics.StreamMoved(s.name, "tx", int(n))
		if err := s.notify(); err != nil {
			return written, fmt.Errorf("notify %s: %w", s.name, err)
		}
	}
	return written, nil
}

// Read copies at least one byte from the incoming ring into p, waiting
// for data if there is none.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.rmu.Lock()
	defer s.rmu.Unlock()

	prod, cons, err := s.wait(s.rx, func(prod, cons uint32) bool {
		return !Empty(prod, cons)
	})
	if err != nil {
		return 0, err
	}
	n := min(Used(prod, cons), uint32(len(p)))
	s.rx.buf.Fetch(p[:n], cons)
	s.rx.cons.Store(cons + n)
	s.opts.metrics.StreamMoved(s.name, "rx", int(n))
	if err := s.notify(); err != nil {
		return int(n), fmt.Errorf("notify %s: %w", s.name, err)
	}
	return int(n), nil
}

// ReadWord waits for a complete NUL-terminated word on the incoming
// ring and returns it without the terminator.
func (s *Stream) ReadWord() ([]byte, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()

	size := uint32(len(s.rx.buf))
	for {
		var (
			n, next uint32
			found   bool
		)
		prod, cons, err := s.wait(s.rx, func(prod, cons uint32) bool {
			n, next, found = s.rx.buf.NextWordLength(cons, prod)
			return found || Full(prod, cons, size) || (s.skipping && prod != cons)
		})
		if err != nil {
			return nil, err
		}
		switch {
		case !found:
			if err := s.discard(prod, cons); err != nil {
				return nil, err
			}
			if !s.skipping {
				s.skipping = true
				return nil, ErrWordTooLong
			}
		case s.skipping:
			s.skipping = false
			if err := s.discard(next, cons); err != nil {
				return nil, err
			}
		default:
			word := make([]byte, n)
			s.rx.buf.Fetch(word, cons)
			if err := s.discard(next, cons); err != nil {
				return word, err
			}
			return word, nil
		}
	}
}

// discard advances the incoming consumer from cons to to and tells
// the peer about the freed space.
func (s *Stream) discard(to, cons uint32) error {
	s.rx.cons.Store(to)
	s.opts.metrics.StreamMoved(s.name, "rx", int(to-cons))
	if err := s.notify(); err != nil {
		return fmt.Errorf("notify %s: %w", s.name, err)
	}
	return nil
}

// wait blocks until ready holds for r's cursors. Smashed cursors are
// logged and waited out.
func (s *Stream) wait(r stream, ready func(prod, cons uint32) bool) (uint32, uint32, error) {
	size := uint32(len(r.buf))
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return 0, 0, ErrClosed
		}
		prod, cons := r.prod.Load(), r.cons.Load()
		if Smashed(prod, cons, size) {
			err := pvio.ErrRingSmash{Prod: prod, Cons: cons, Size: size}
			s.opts.logger.Warn("byte ring cursors inconsistent, waiting for peer", "error", err)
			s.opts.metrics.RingSmashed(s.name)
		} else if ready(prod, cons) {
			return prod, cons, nil
		}
		s.cond.Wait()
	}
}

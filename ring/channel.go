package ring

import (
	"fmt"
	"sync"
	"time"

	"github.com/frobware/go-pvio/evtchn"
	"github.com/frobware/go-pvio/spl"
)

// ChannelConfig wires a Channel to its request format and event
// channel.
type ChannelConfig[Rsp any] struct {
	// Name labels logs and metrics.
	Name string
	// Key extracts from a response the key its request was submitted
	// under.
	Key func(*Rsp) uint64
	// Recycle, if set, runs for each response after its caller has
	// been woken and before the slot is released.
	Recycle func(*Rsp)
	// Notify signals the backend.
	Notify func() error
}

// Channel is the blocking request path over the front side of a
// structured ring. Callers submit a request and park until the
// response carrying their key arrives.
type Channel[Req, Rsp any] struct {
	front *Front[Req, Rsp]
	cfg   ChannelConfig[Rsp]
	opts  options

	// pushMu serialises producers from the full-wait through the
	// notify so publications are never reordered.
	pushMu sync.Mutex

	// reserveMu guards the private producer cursor against the
	// response consumer moving rspCons.
	reserveMu sync.Mutex
	space     *sync.Cond

	waitMu  sync.Mutex
	waiters map[uint64]chan Rsp

	consumeMu sync.Mutex
}

// NewChannel drives the front side of sring.
func NewChannel[Req, Rsp any](sring *Shared[Req, Rsp], cfg ChannelConfig[Rsp], opts ...Option) (*Channel[Req, Rsp], error) {
	if cfg.Key == nil {
		return nil, fmt.Errorf("channel %q: no response key function", cfg.Name)
	}
	if cfg.Notify == nil {
		return nil, fmt.Errorf("channel %q: no notify function", cfg.Name)
	}
	c := &Channel[Req, Rsp]{
		front:   NewFront(sring),
		cfg:     cfg,
		opts:    buildOptions(cfg.Name, opts),
		waiters: make(map[uint64]chan Rsp),
	}
	c.space = sync.NewCond(&c.reserveMu)
	return c, nil
}

// Submit enqueues a request filled in by fill and waits for its
// response. key must be unique among outstanding requests and must be
// what Key returns for the response. There is no cancellation: Submit
// returns only once the backend answers.
func (c *Channel[Req, Rsp]) Submit(key uint64, fill func(*Req)) Rsp {
	start := time.Now()
	done := make(chan Rsp, 1)

	c.waitMu.Lock()
	if _, dup := c.waiters[key]; dup {
		c.waitMu.Unlock()
		panic(fmt.Sprintf("ring %s: request key %#x already outstanding", c.cfg.Name, key))
	}
	c.waiters[key] = done
	c.waitMu.Unlock()

	c.pushMu.Lock()
	c.reserveMu.Lock()
	if c.front.Full() {
		c.opts.metrics.RingFull(c.cfg.Name)
		c.opts.logger.Debug("ring full, waiting", "key", key)
	}
	for c.front.Full() {
		c.space.Wait()
	}
	req := c.front.NextRequest()
	c.reserveMu.Unlock()

	fill(req)

	notify := c.front.PushRequests()
	if notify {
		if err := c.cfg.Notify(); err != nil {
			c.opts.logger.Error("notify backend", "error", err)
		}
	}
	c.pushMu.Unlock()
	c.opts.metrics.RingPublished(c.cfg.Name, 1, notify)

	rsp := <-done
	c.opts.metrics.RequestObserved(c.cfg.Name, time.Since(start).Seconds())
	return rsp
}

// Outstanding returns the number of callers waiting for a response.
func (c *Channel[Req, Rsp]) Outstanding() int {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return len(c.waiters)
}

// HandleEvent drains every available response, waking the caller each
// belongs to. Bind it to the ring's port.
func (c *Channel[Req, Rsp]) HandleEvent(any, spl.Level, *evtchn.Interrupt) {
	c.consumeMu.Lock()
	defer c.consumeMu.Unlock()

	for {
		n := c.front.UnconsumedResponses()
		for i := range n {
			rsp := *c.front.Response(i)
			c.resolve(&rsp)
		}
		if n > 0 {
			c.reserveMu.Lock()
			c.front.ConsumeResponses(n)
			c.space.Broadcast()
			c.reserveMu.Unlock()
			c.opts.metrics.RingConsumed(c.cfg.Name, int(n))
		}
		if !c.front.FinalCheckForResponses() {
			return
		}
	}
}

func (c *Channel[Req, Rsp]) resolve(rsp *Rsp) {
	key := c.cfg.Key(rsp)

	c.waitMu.Lock()
	done, ok := c.waiters[key]
	delete(c.waiters, key)
	c.waitMu.Unlock()

	if !ok {
		c.opts.logger.Warn("response with no waiting request", "key", key)
		return
	}
	done <- *rsp
	if c.cfg.Recycle != nil {
		c.cfg.Recycle(rsp)
	}
}

package ring_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-pvio/ring"
)

func rspKey(r *blkRsp) uint64 { return r.ID }

// answer responds to up to max unconsumed requests with status equal
// to the sector and reports whether the frontend must be notified.
func answer(back *ring.Back[blkReq, blkRsp], max uint32) (uint32, bool) {
	n := min(back.UnconsumedRequests(), max)
	for i := range n {
		req := back.Request(i)
		rsp := back.NextResponse()
		rsp.ID = req.ID
		rsp.Status = int64(req.Sector)
	}
	back.ConsumeRequests(n)
	return n, back.PushResponses()
}

func TestNewChannel_Validates(t *testing.T) {
	s, _, _ := newRing(t, 4)
	_, err := ring.NewChannel(s, ring.ChannelConfig[blkRsp]{Name: "x", Notify: func() error { return nil }})
	assert.Error(t, err)
	_, err = ring.NewChannel(s, ring.ChannelConfig[blkRsp]{Name: "x", Key: rspKey})
	assert.Error(t, err)
}

func TestChannel_ConcurrentSubmit(t *testing.T) {
	s, err := ring.Attach[blkReq, blkRsp](page(), 8)
	require.NoError(t, err)
	s.Init()
	back := ring.NewBack(s)

	kick := make(chan struct{}, 1)
	var recycled atomic.Int32
	ch, err := ring.NewChannel(s, ring.ChannelConfig[blkRsp]{
		Name:    "blk",
		Key:     rspKey,
		Recycle: func(*blkRsp) { recycled.Add(1) },
		Notify: func() error {
			select {
			case kick <- struct{}{}:
			default:
			}
			return nil
		},
	})
	require.NoError(t, err)

	stop := make(chan struct{})
	backendDone := make(chan struct{})
	go func() {
		defer close(backendDone)
		for {
			select {
			case <-stop:
				return
			case <-kick:
			case <-time.After(time.Millisecond):
			}
			for {
				if _, notify := answer(back, 3); notify {
					ch.HandleEvent(nil, 0, nil)
				}
				if !back.FinalCheckForRequests() {
					break
				}
			}
		}
	}()

	const callers, perCaller = 16, 50
	var wg sync.WaitGroup
	for c := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perCaller {
				key := uint64(c*perCaller + i)
				rsp := ch.Submit(key, func(req *blkReq) {
					req.ID = key
					req.Sector = key * 8
				})
				assert.Equal(t, key, rsp.ID)
				assert.Equal(t, int64(key*8), rsp.Status)
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-backendDone

	assert.Equal(t, int32(callers*perCaller), recycled.Load())
	assert.Zero(t, ch.Outstanding())
}

// A ring of 32 slots holds 32 outstanding requests. The next submit
// parks until a consumer drains one response, then completes.
func TestChannel_CapacityRequestsFillRingAndNextParksUntilDrain(t *testing.T) {
	s, _, back := newRing(t, 32)
	require.Equal(t, uint32(32), s.Size())

	ch, err := ring.NewChannel(s, ring.ChannelConfig[blkRsp]{
		Name:   "blk",
		Key:    rspKey,
		Notify: func() error { return nil },
	})
	require.NoError(t, err)

	results := make(chan blkRsp, 33)
	submit := func(key uint64) {
		go func() {
			results <- ch.Submit(key, func(req *blkReq) {
				req.ID = key
				req.Sector = key
			})
		}()
	}
	published := func(n uint32) func() bool {
		return func() bool { return s.Cursors().ReqProd == n }
	}

	// A 32-slot ring holds 32 outstanding requests; the 33rd parks.
	for key := range uint64(32) {
		submit(key)
		require.Eventually(t, published(uint32(key)+1), 5*time.Second, time.Millisecond)
	}
	assert.Equal(t, uint32(32), back.UnconsumedRequests())

	submit(32)
	require.Eventually(t, func() bool { return ch.Outstanding() == 33 }, 5*time.Second, time.Millisecond)
	assert.Never(t, published(33), 50*time.Millisecond, 5*time.Millisecond, "submit on a full ring must park")

	// A concurrent consumer drains a single response.
	go func() {
		answer(back, 1)
		ch.HandleEvent(nil, 0, nil)
	}()

	select {
	case rsp := <-results:
		assert.Equal(t, uint64(0), rsp.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("first response not delivered")
	}
	require.Eventually(t, published(33), 5*time.Second, time.Millisecond, "parked submit published into the freed slot")

	n, _ := answer(back, 32)
	assert.Equal(t, uint32(32), n)
	ch.HandleEvent(nil, 0, nil)

	seen := map[uint64]bool{0: true}
	for range 32 {
		select {
		case rsp := <-results:
			assert.False(t, seen[rsp.ID])
			assert.Equal(t, int64(rsp.ID), rsp.Status)
			seen[rsp.ID] = true
		case <-time.After(5 * time.Second):
			t.Fatal("responses not delivered")
		}
	}
	assert.Len(t, seen, 33)
	assert.Zero(t, ch.Outstanding())
}

func TestChannel_DuplicateKeyIsFatal(t *testing.T) {
	s, _, back := newRing(t, 4)
	ch, err := ring.NewChannel(s, ring.ChannelConfig[blkRsp]{
		Name:   "blk",
		Key:    rspKey,
		Notify: func() error { return nil },
	})
	require.NoError(t, err)

	go ch.Submit(7, func(req *blkReq) { req.ID = 7 })
	require.Eventually(t, func() bool { return back.UnconsumedRequests() == 1 }, 5*time.Second, time.Millisecond)

	assert.Panics(t, func() { ch.Submit(7, func(*blkReq) {}) })

	answer(back, 1)
	ch.HandleEvent(nil, 0, nil)
	assert.Zero(t, ch.Outstanding())
}

func TestChannel_StrayResponseIsDropped(t *testing.T) {
	s, _, back := newRing(t, 4)
	ch, err := ring.NewChannel(s, ring.ChannelConfig[blkRsp]{
		Name:   "blk",
		Key:    rspKey,
		Notify: func() error { return nil },
	})
	require.NoError(t, err)

	front := ring.NewFront(s)
	front.NextRequest().ID = 99
	front.PushRequests()
	answer(back, 1)

	assert.NotPanics(t, func() { ch.HandleEvent(nil, 0, nil) })
}

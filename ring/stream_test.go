package ring_test

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-pvio/ring"
)

// streamPair connects both ends of one interface, delivering each
// side's notify straight to the other's event handler.
func streamPair(t *testing.T) (*ring.StreamInterface, *ring.Stream, *ring.Stream) {
	t.Helper()
	intf := ring.StreamInterfaceOf(page())
	var front, back *ring.Stream
	front = ring.NewStream("front", intf, ring.Frontend, func() error {
		back.HandleEvent(nil, 0, nil)
		return nil
	})
	back = ring.NewStream("back", intf, ring.Backend, func() error {
		front.HandleEvent(nil, 0, nil)
		return nil
	})
	t.Cleanup(func() {
		front.Close()
		back.Close()
	})
	return intf, front, back
}

func TestStreamInterface_Layout(t *testing.T) {
	intf := ring.StreamInterfaceOf(page())
	assert.Len(t, intf.Req, ring.StreamRingSize)
	assert.Len(t, intf.Rsp, ring.StreamRingSize)
	assert.Panics(t, func() { ring.StreamInterfaceOf(make([]byte, 100)) })
}

func TestStream_RequestResponse(t *testing.T) {
	intf, front, back := streamPair(t)

	n, err := front.Write([]byte("read\x00/local/domain\x00"))
	require.NoError(t, err)
	assert.Equal(t, 19, n)
	assert.Equal(t, uint32(19), intf.ReqProd.Load())

	buf := make([]byte, 64)
	n, err = back.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "read\x00/local/domain\x00", string(buf[:n]))
	assert.Equal(t, uint32(19), intf.ReqCons.Load())

	_, err = back.Write([]byte("ok"))
	require.NoError(t, err)
	n, err = front.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf[:n]))
}

func TestStream_LargeWriteBlocksUntilDrained(t *testing.T) {
	_, front, back := streamPair(t)
	src := payload(5*ring.StreamRingSize + 123)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		n, err := front.Write(src)
		assert.NoError(t, err)
		assert.Equal(t, len(src), n)
	}()

	var got bytes.Buffer
	buf := make([]byte, 300)
	for got.Len() < len(src) {
		n, err := back.Read(buf)
		require.NoError(t, err)
		got.Write(buf[:n])
	}
	wg.Wait()
	assert.Equal(t, src, got.Bytes())
}

func TestStream_ReadBlocksUntilWrite(t *testing.T) {
	_, front, back := streamPair(t)

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 8)
		n, err := back.Read(buf)
		assert.NoError(t, err)
		got <- string(buf[:n])
	}()

	select {
	case <-got:
		t.Fatal("read returned with nothing written")
	case <-time.After(20 * time.Millisecond):
	}
	_, err := front.Write([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "x", <-got)
}

func TestStream_SmashedCursorsAreWaitedOut(t *testing.T) {
	intf, front, _ := streamPair(t)
	intf.ReqProd.Store(ring.StreamRingSize + 10)

	done := make(chan error, 1)
	go func() {
		_, err := front.Write([]byte("after"))
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("write proceeded over smashed cursors: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	// The peer catches up.
	intf.ReqCons.Store(ring.StreamRingSize + 10)
	front.HandleEvent(nil, 0, nil)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("write did not resume")
	}
}

func TestStream_CloseUnblocks(t *testing.T) {
	_, _, back := streamPair(t)

	done := make(chan error, 1)
	go func() {
		_, err := back.Read(make([]byte, 1))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, back.Close())
	assert.ErrorIs(t, <-done, ring.ErrClosed)

	n, err := back.Read(nil)
	assert.Zero(t, n)
	assert.NoError(t, err)
}

func TestStream_ImplementsReaderWriter(t *testing.T) {
	var _ io.ReadWriter = (*ring.Stream)(nil)
}

func TestStream_ReadWord(t *testing.T) {
	intf, front, back := streamPair(t)

	// Move the cursors close to the physical end so the second word
	// wraps.
	pad := make([]byte, ring.StreamRingSize-6)
	_, err := front.Write(pad)
	require.NoError(t, err)
	_, err = io.ReadFull(back, make([]byte, len(pad)))
	require.NoError(t, err)

	_, err = front.Write([]byte("write\x00/device/vbd\x00"))
	require.NoError(t, err)

	w, err := back.ReadWord()
	require.NoError(t, err)
	assert.Equal(t, "write", string(w))

	w, err = back.ReadWord()
	require.NoError(t, err)
	assert.Equal(t, "/device/vbd", string(w))
	assert.Equal(t, intf.ReqProd.Load(), intf.ReqCons.Load())
}

func TestStream_ReadWordWaitsForTerminator(t *testing.T) {
	_, front, back := streamPair(t)

	_, err := front.Write([]byte("partial"))
	require.NoError(t, err)

	got := make(chan string, 1)
	go func() {
		w, err := back.ReadWord()
		if err == nil {
			got <- string(w)
		}
	}()

	assert.Never(t, func() bool { return len(got) > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	_, err = front.Write([]byte("-word\x00"))
	require.NoError(t, err)
	select {
	case w := <-got:
		assert.Equal(t, "partial-word", w)
	case <-time.After(5 * time.Second):
		t.Fatal("ReadWord did not complete")
	}
}

func TestStream_ReadWordTooLong(t *testing.T) {
	_, front, back := streamPair(t)

	_, err := front.Write(bytes.Repeat([]byte{'x'}, ring.StreamRingSize))
	require.NoError(t, err)

	_, err = back.ReadWord()
	require.ErrorIs(t, err, ring.ErrWordTooLong)

	// The rest of the oversized word is dropped and reading resumes
	// with the word after its terminator.
	_, err = front.Write([]byte("xxxx\x00next\x00"))
	require.NoError(t, err)
	w, err := back.ReadWord()
	require.NoError(t, err)
	assert.Equal(t, "next", string(w))
}

package workload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-pvio"
	"github.com/frobware/go-pvio/logging"
	"github.com/frobware/go-pvio/mem"
)

// A backend that labels a committed transfer's response as a plain
// read must not make the frontend revoke a grant it cannot take back.
func TestRecycle_TrustsSubmittedOpOverResponse(t *testing.T) {
	w, err := New(Config{
		MachinePages:  256,
		GuestPages:    64,
		GrantFrames:   1,
		GrantReserved: 8,
		Ports:         64,
		Slots:         8,
		DiskSectors:   64,
	}, WithLogger(logging.Discard()))
	require.NoError(t, err)
	defer func() { assert.NoError(t, w.Close()) }()

	f := w.block
	guest, backend := w.guest.dom, w.backend.dom
	inUse := w.table.Stats().InUse

	gfn, _, err := guest.AllocPage()
	require.NoError(t, err)
	require.NoError(t, guest.ReleaseFrame(gfn))
	ref := f.table.AcceptTransfer(backend.Self(), gfn)

	bgfn, page, err := backend.AllocPage()
	require.NoError(t, err)
	copy(page, "transferred")
	_, err = backend.TransferGrant(guest.Self(), ref, bgfn)
	require.NoError(t, err)
	_, err = backend.IncreaseReservation(bgfn)
	require.NoError(t, err)

	inf := &inflight{op: OpReadTransfer, refs: []pvio.GrantRef{ref}, recycled: make(chan struct{})}
	f.mu.Lock()
	f.inflight[42] = inf
	f.mu.Unlock()

	require.NotPanics(t, func() {
		f.recycle(&BlockResponse{ID: 42, Op: OpRead, Status: StatusOK})
	})
	<-inf.recycled

	require.Len(t, inf.frames, 1)
	require.NotEqual(t, mem.InvalidFrame, inf.frames[0])
	require.NoError(t, guest.Populate(gfn, inf.frames[0]))
	assert.Equal(t, "transferred", string(guest.Page(gfn)[:len("transferred")]))
	assert.Equal(t, inUse, w.table.Stats().InUse, "the transfer grant is released")
	guest.FreePage(gfn)
}

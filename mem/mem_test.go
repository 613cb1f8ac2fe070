package mem_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-pvio"
	"github.com/frobware/go-pvio/mem"
)

func newArena(t *testing.T, pages int) *mem.Arena {
	t.Helper()
	a, err := mem.NewArena(pages)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	return a
}

func TestArena_PagesAreDisjoint(t *testing.T) {
	a := newArena(t, 4)
	assert.Equal(t, 4, a.Pages())

	for i := range 4 {
		p := a.Page(pvio.MachineFrame(i))
		require.Len(t, p, mem.PageSize)
		p[0] = byte(i + 1)
		p[mem.PageSize-1] = byte(i + 1)
	}
	for i := range 4 {
		p := a.Page(pvio.MachineFrame(i))
		assert.Equal(t, byte(i+1), p[0])
		assert.Equal(t, byte(i+1), p[mem.PageSize-1])
	}

	a.Zero(2)
	assert.Equal(t, byte(0), a.Page(2)[0])
	assert.Equal(t, byte(2), a.Page(1)[0])
}

func TestArena_OutOfRangePanics(t *testing.T) {
	a := newArena(t, 1)
	assert.Panics(t, func() { a.Page(1) })
}

func TestNewArena_RejectsEmpty(t *testing.T) {
	_, err := mem.NewArena(0)
	assert.Error(t, err)
}

func TestPhysmap_AllocFree(t *testing.T) {
	a := newArena(t, 8)
	pm := mem.NewPhysmap(a, []pvio.MachineFrame{5, 6, 7})

	seen := map[pvio.GuestFrame]bool{}
	for range 3 {
		gfn, err := pm.Alloc()
		require.NoError(t, err)
		assert.False(t, seen[gfn], "gfn %s handed out twice", gfn)
		seen[gfn] = true
	}
	_, err := pm.Alloc()
	assert.ErrorIs(t, err, mem.ErrNoMemory)

	pm.Free(1)
	gfn, err := pm.Alloc()
	require.NoError(t, err)
	assert.Equal(t, pvio.GuestFrame(1), gfn)
	assert.Equal(t, pvio.MachineFrame(6), pm.MachineFrame(gfn))

	pm.Free(gfn)
	assert.Panics(t, func() { pm.Free(gfn) })
}

func TestPhysmap_ReleaseAndRemap(t *testing.T) {
	a := newArena(t, 4)
	pm := mem.NewPhysmap(a, []pvio.MachineFrame{0, 1})

	gfn, err := pm.Alloc()
	require.NoError(t, err)
	pm.Page(gfn)[0] = 0xAB

	mfn, err := pm.Release(gfn)
	require.NoError(t, err)
	assert.Equal(t, mem.InvalidFrame, pm.MachineFrame(gfn))
	assert.Panics(t, func() { pm.Page(gfn) })

	_, err = pm.Release(gfn)
	assert.Error(t, err)

	a.Page(3)[0] = 0xCD
	pm.Remap(gfn, 3)
	assert.Equal(t, byte(0xCD), pm.Page(gfn)[0])
	assert.Equal(t, byte(0xAB), a.Page(mfn)[0])
}

func TestPhysmap_AllocSkipsUnpopulated(t *testing.T) {
	a := newArena(t, 2)
	pm := mem.NewPhysmap(a, []pvio.MachineFrame{0, 1})

	g0, err := pm.Alloc()
	require.NoError(t, err)
	_, err = pm.Release(g0)
	require.NoError(t, err)
	pm.Free(g0)

	g1, err := pm.Alloc()
	require.NoError(t, err)
	assert.NotEqual(t, g0, g1)

	_, err = pm.Alloc()
	assert.ErrorIs(t, err, mem.ErrNoMemory)

	pm.Remap(g0, 0)
	g, err := pm.Alloc()
	require.NoError(t, err)
	assert.Equal(t, g0, g)
}

package spl_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-pvio/spl"
)

func TestLevelOrdering(t *testing.T) {
	levels := []spl.Level{spl.None, spl.SoftClock, spl.SoftNet, spl.Bio, spl.Net, spl.TTY, spl.VM, spl.High}
	require.Len(t, levels, spl.NumLevels)
	for i := 1; i < len(levels); i++ {
		assert.Less(t, levels[i-1], levels[i])
	}
}

func TestParseLevel(t *testing.T) {
	for l := spl.None; int(l) < spl.NumLevels; l++ {
		got, err := spl.ParseLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	_, err := spl.ParseLevel("splhigh")
	assert.Error(t, err)
	assert.Equal(t, "Level(9)", spl.Level(9).String())
}

func TestRaiseSplx(t *testing.T) {
	cpu := spl.NewCPU()
	assert.Equal(t, spl.None, cpu.Level())

	bio := cpu.Raise(spl.Bio)
	assert.Equal(t, spl.None, bio.Prev())
	assert.Equal(t, spl.Bio, cpu.Level())

	low := cpu.Raise(spl.SoftClock)
	assert.Equal(t, spl.Bio, low.Prev())
	assert.Equal(t, spl.Bio, cpu.Level(), "raise never lowers")

	high := cpu.Raise(spl.High)
	assert.Equal(t, spl.High, cpu.Level())

	cpu.Splx(high)
	assert.Equal(t, spl.Bio, cpu.Level())
	cpu.Splx(bio)
	assert.Equal(t, spl.SoftClock, cpu.Level())
	cpu.Splx(low)
	assert.Equal(t, spl.None, cpu.Level())
}

func TestSplxUnbalancedPanics(t *testing.T) {
	cpu := spl.NewCPU()
	ck := cpu.Raise(spl.Net)
	cpu.Splx(ck)
	assert.Panics(t, func() { cpu.Splx(ck) })
	assert.Panics(t, func() { cpu.Raise(spl.Level(spl.NumLevels)) })
}

func TestOnLowerRunsWhenLevelDrops(t *testing.T) {
	cpu := spl.NewCPU()
	var seen []spl.Level
	cpu.OnLower(func(l spl.Level) { seen = append(seen, l) })

	vm := cpu.Raise(spl.VM)
	net := cpu.Raise(spl.Net)
	cpu.Splx(net)
	assert.Empty(t, seen, "effective level unchanged")

	tty := cpu.Raise(spl.TTY)
	cpu.Splx(vm)
	assert.Equal(t, []spl.Level{spl.TTY}, seen)
	cpu.Splx(tty)
	assert.Equal(t, []spl.Level{spl.TTY, spl.None}, seen)
}

func TestRun(t *testing.T) {
	cpu := spl.NewCPU()
	cpu.Run(spl.Net, func() {
		assert.Equal(t, spl.Net, cpu.Level())
	})
	assert.Equal(t, spl.None, cpu.Level())
}

func TestMutexHoldsLevel(t *testing.T) {
	cpu := spl.NewCPU()
	mu := spl.NewMutex(cpu, spl.High)

	mu.Lock()
	assert.Equal(t, spl.High, cpu.Level())
	mu.Unlock()
	assert.Equal(t, spl.None, cpu.Level())
}

func TestMutexExcludes(t *testing.T) {
	cpu := spl.NewCPU()
	mu := spl.NewMutex(cpu, spl.Bio)

	var (
		wg      sync.WaitGroup
		counter int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 1000 {
				mu.Lock()
				counter++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8000, counter)
	assert.Equal(t, spl.None, cpu.Level())
}

// Package spl models interrupt priority levels on the guest's single
// logical processor.
//
// Raising the level suppresses delivery of every event channel bound at
// the same or a lower level. Code that must not be re-entered by a
// handler raises first, does its work, then restores the previous
// level with Splx. When the effective level drops, the hooks registered
// with OnLower run on the lowering goroutine so that events held back
// while the level was high are delivered there.
//
// The CPU tracks outstanding raises per level rather than a single
// saved value, so concurrent goroutines standing in for kernel threads
// can raise and restore independently. The effective level is the
// highest level with an outstanding raise.
package spl

import (
	"fmt"
	"sync"
)

// Level is an interrupt priority level.
type Level uint8

const (
	None Level = iota
	SoftClock
	SoftNet
	Bio
	Net
	TTY
	VM
	High
)

// NumLevels is the number of distinct levels.
const NumLevels = int(High) + 1

var levelNames = [NumLevels]string{"none", "softclock", "softnet", "bio", "net", "tty", "vm", "high"}

func (l Level) String() string {
	if int(l) < NumLevels {
		return levelNames[l]
	}
	return fmt.Sprintf("Level(%d)", uint8(l))
}

// ParseLevel parses a level name as printed by String.
func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if name == s {
			return Level(i), nil
		}
	}
	return None, fmt.Errorf("unknown priority level %q", s)
}

// Cookie records one Raise so it can be undone by Splx.
type Cookie struct {
	level Level
	prev  Level
}

// Prev returns the effective level observed before the raise.
func (c Cookie) Prev() Level { return c.prev }

// Level returns the level that was raised to.
func (c Cookie) Level() Level { return c.level }

// CPU is the priority state of one logical processor.
type CPU struct {
	mu    sync.Mutex
	holds [NumLevels]int
	hooks []func(Level)
}

// NewCPU returns a CPU running at level None.
func NewCPU() *CPU {
	return &CPU{}
}

// Level returns the current effective level.
func (c *CPU) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.levelLocked()
}

func (c *CPU) levelLocked() Level {
	for l := High; l > None; l-- {
		if c.holds[l] > 0 {
			return l
		}
	}
	return None
}

// Raise takes the CPU to at least level l. Raising to a level below
// the current one leaves the effective level unchanged.
func (c *CPU) Raise(l Level) Cookie {
	if int(l) >= NumLevels {
		panic(fmt.Sprintf("spl: raise to invalid level %d", l))
	}
	c.mu.Lock()
	prev := c.levelLocked()
	c.holds[l]++
	c.mu.Unlock()
	return Cookie{level: l, prev: prev}
}

// Splx undoes the raise recorded in ck. If the effective level drops
// as a result, the OnLower hooks run with the new level.
func (c *CPU) Splx(ck Cookie) {
	c.mu.Lock()
	if c.holds[ck.level] == 0 {
		c.mu.Unlock()
		panic(fmt.Sprintf("spl: splx(%s) without matching raise", ck.level))
	}
	before := c.levelLocked()
	c.holds[ck.level]--
	after := c.levelLocked()
	hooks := c.hooks
	c.mu.Unlock()

	if after < before {
		for _, fn := range hooks {
			fn(after)
		}
	}
}

// OnLower registers fn to run whenever the effective level drops.
func (c *CPU) OnLower(fn func(Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks[:len(c.hooks):len(c.hooks)], fn)
}

// Run raises to l for the duration of fn.
func (c *CPU) Run(l Level, fn func()) {
	ck := c.Raise(l)
	defer c.Splx(ck)
	fn()
}

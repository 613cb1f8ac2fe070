package spl

import "sync"

// Mutex is a lock taken at an elevated priority level. Lock raises the
// CPU before acquiring, Unlock releases before restoring, so no handler
// at or below the mutex's level is delivered while it is held.
type Mutex struct {
	cpu   *CPU
	level Level
	mu    sync.Mutex
	ck    Cookie
}

// NewMutex returns a mutex that raises cpu to level while held.
func NewMutex(cpu *CPU, level Level) *Mutex {
	return &Mutex{cpu: cpu, level: level}
}

func (m *Mutex) Lock() {
	ck := m.cpu.Raise(m.level)
	m.mu.Lock()
	m.ck = ck
}

func (m *Mutex) Unlock() {
	ck := m.ck
	m.mu.Unlock()
	m.cpu.Splx(ck)
}

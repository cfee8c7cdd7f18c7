// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package hwassist is the default implementation of the hardware-assisted
// watchpoint collaborator the core design treats as external: "arms up to
// K addresses and triggers a signal on access."
//
// Go has no portable way to arm real hardware debug registers without cgo
// and platform-specific ptrace plumbing, and the core design explicitly
// scopes that plumbing out (§1: "Hardware watchpoint arming ... assumed").
// SoftwareWatch is the idiomatic Go stand-in: it polls every armed address's
// current word value against its expected value on a ticker, and reports an
// address as "fired" the first time the two no longer match. This detects
// exactly the condition real watchpoint hardware would trap on — a write
// landing on a watched address — with latency bounded by the poll interval
// instead of being instantaneous.
package hwassist

import (
	"sync"
	"time"
	"unsafe"
)

// DefaultPollInterval is how often SoftwareWatch re-checks armed addresses.
const DefaultPollInterval = 500 * time.Microsecond

// entry is one armed address.
type entry struct {
	addr     uintptr
	expected uint64
	fired    bool
}

// SoftwareWatch is the default Watchpoints collaborator.
type SoftwareWatch struct {
	mu      sync.Mutex
	entries map[uintptr]*entry

	pollInterval time.Duration
	stop         chan struct{}
	stopped      chan struct{}
}

// New creates a SoftwareWatch polling at the given interval (DefaultPollInterval
// if interval <= 0).
func New(interval time.Duration) *SoftwareWatch {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &SoftwareWatch{
		entries:      make(map[uintptr]*entry),
		pollInterval: interval,
	}
}

// Arm begins watching addr for any write that changes its current word
// value away from expected.
func (w *SoftwareWatch) Arm(addr uintptr, expected uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[addr] = &entry{addr: addr, expected: expected}
}

// Disarm stops watching addr.
func (w *SoftwareWatch) Disarm(addr uintptr) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, addr)
}

// Reset clears every armed address and fired flag.
func (w *SoftwareWatch) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = make(map[uintptr]*entry)
}

// pollOnce re-reads every armed address and marks any that no longer match
// its expected value as fired. It is driven either by Start's background
// ticker or by Poll, which callers (tests, the epoch controller) use for
// deterministic, latency-free checks.
func (w *SoftwareWatch) pollOnce() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range w.entries {
		word := *(*uint64)(unsafe.Pointer(e.addr))
		if word != e.expected {
			e.fired = true
		}
	}
}

// Poll forces an immediate check of every armed address and returns those
// that are currently marked fired (from this or an earlier check).
func (w *SoftwareWatch) Poll() (fired []uintptr) {
	w.pollOnce()
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range w.entries {
		if e.fired {
			fired = append(fired, e.addr)
		}
	}
	return fired
}

// Fired returns addresses already known to have fired, without forcing a
// fresh poll — used by callers that already drive pollOnce via Start.
func (w *SoftwareWatch) Fired() (fired []uintptr) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range w.entries {
		if e.fired {
			fired = append(fired, e.addr)
		}
	}
	return fired
}

// Start launches the background polling loop. Stop must be called exactly
// once to release it.
func (w *SoftwareWatch) Start() {
	w.stop = make(chan struct{})
	w.stopped = make(chan struct{})
	go func() {
		defer close(w.stopped)
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.pollOnce()
			}
		}
	}()
}

// Stop halts the background polling loop started by Start.
func (w *SoftwareWatch) Stop() {
	if w.stop == nil {
		return
	}
	close(w.stop)
	<-w.stopped
}

// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package rendezvous implements the Thread Rendezvous Barrier: the
// condvar/mutex protocol that stops every mutator at epoch end, lets a
// single designated committer run its checks, and releases everyone into
// the next epoch (or into a rollback).
//
// # Protocol
//
// Two condition variables share one mutex:
//
//   - committerCV: the committer waits on it for every mutator to park, and
//     again after broadcasting the next phase, for every mutator to leave.
//   - waitersCV: mutators wait on it for the phase to advance past EpochEnd.
//
// The committer calls WaitForAll, then (via the caller's phase.Machine)
// decides commit or rollback, then calls Release. Every mutator that enters
// EpochEnd calls Park, which blocks until Release has advanced the phase,
// then returns.
//
// # Thread Safety
//
// Barrier owns its own mutex; callers must not acquire the quarantine
// spinlock (internal/storage/quarantine) while holding it — the core design
// fixes the lock order as (rendezvous mutex) < (quarantine spinlock).
package rendezvous

import (
	"fmt"
	"sync"

	"github.com/kianostad/epochguard/internal/concurrency/phase"
)

// Barrier is the RendezvousState: the condvar pair, mutex, and waiter
// counters that every mutator and the committer coordinate through.
type Barrier struct {
	mu           sync.Mutex
	committerCV  *sync.Cond
	waitersCV    *sync.Cond
	waiters      int
	waitersTotal int
}

// New creates a Barrier expecting exactly expected mutators to Park at each
// rendezvous. expected is fixed for the Barrier's lifetime — set once here,
// rather than re-supplied on every WaitForAll call — so a mutator that
// observes phase.EpochEnd and calls Park immediately after a committer's
// phase.RequestEnd can never race ahead of a not-yet-updated waitersTotal.
func New(expected int) *Barrier {
	if expected < 0 {
		panic("rendezvous: negative waiter count")
	}
	b := &Barrier{waitersTotal: expected}
	b.committerCV = sync.NewCond(&b.mu)
	b.waitersCV = sync.NewCond(&b.mu)
	return b
}

// Waiters reports the current number of parked mutators, for tests and
// metrics. Invariant: 0 <= Waiters() <= WaitersTotal().
func (b *Barrier) Waiters() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waiters
}

// WaitersTotal reports the expected mutator count for the in-progress
// rendezvous.
func (b *Barrier) WaitersTotal() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.waitersTotal
}

// WaitForAll is the committer's half of "wait for all mutators to park": it
// blocks until the Barrier's fixed expected mutator count have called Park.
func (b *Barrier) WaitForAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.waiters != b.waitersTotal {
		b.committerCV.Wait()
	}
}

// Park is a mutator's half of the barrier: called once a thread observes
// phase.EpochEnd, before doing anything else. It blocks until the committer
// has advanced m's phase past EpochEnd (all the way to NormalExecution,
// since the committer calls phase.Begin() itself before releasing the
// barrier) and then simply returns — Park never writes the phase; only the
// committer does, and only under this mutex.
func (b *Barrier) Park(m *phase.Machine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cur := m.Current(); cur != phase.EpochEnd {
		panic(fmt.Sprintf("rendezvous: Park called outside EpochEnd, got %s", cur))
	}

	b.waiters++
	if b.waiters > b.waitersTotal {
		panic(fmt.Sprintf("rendezvous: waiters %d exceeded waitersTotal %d", b.waiters, b.waitersTotal))
	}
	if b.waiters == b.waitersTotal {
		b.committerCV.Signal()
	}

	for m.Current() == phase.EpochEnd {
		b.waitersCV.Wait()
	}

	b.waiters--
	if b.waiters == 0 {
		b.committerCV.Signal()
	}
}

// Release is the committer's "begin next epoch" step: it must be called
// only after m has left EpochEnd, since parked mutators return only once
// they see a phase other than EpochEnd. The epoch controller
// (internal/runtime) advances m all the way to NormalExecution first
// (m.Commit() then m.Begin(), or m.EnterRollback() then m.FinishRollback()
// then m.Begin()) — every one of those calls is the committer's own, made
// before Release, so no parked mutator ever observes a phase write race on
// its way out. Release's job is purely to wake parked mutators and wait for
// them to leave, not to decide any transition itself.
func (b *Barrier) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.waitersCV.Broadcast()
	for b.waiters != 0 {
		b.committerCV.Wait()
	}
}

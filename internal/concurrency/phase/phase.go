// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package phase implements the process-wide Global Phase State Machine: the
// single word that every mutator checks to decide whether it may keep
// running or must park at the rendezvous barrier.
//
// # Key Features
//
//   - Five states, transitions restricted to the ones the core design allows
//   - A sticky has-rolled-back flag, monotone false -> true, never cleared
//   - The phase is one atomic word; readers may observe it without holding
//     any lock
//
// # Usage Examples
//
//	s := phase.New()
//	s.Begin() // Init -> NormalExecution
//	...
//	s.RequestEnd() // NormalExecution -> EpochEnd
//	if corruptionFound {
//	    s.EnterRollback()  // EpochEnd -> Rollback
//	    s.FinishRollback() // Rollback -> EpochBegin
//	} else {
//	    s.Commit() // EpochEnd -> EpochBegin
//	}
//	s.Begin() // EpochBegin -> NormalExecution
//
// # Thread Safety
//
// Machine takes no lock of its own. TryRequestEnd is a CAS and is safe for
// concurrent callers; every other transition is a check followed by an
// atomic store, so it assumes a single writer at a time. The epoch
// controller (internal/runtime) makes those calls from the committer thread
// without holding the rendezvous mutex; parked mutators see the new phase
// because Barrier.Release broadcasts under that mutex after the store.
// Current() uses an atomic load and is always safe to call from any thread.
package phase

import (
	"fmt"
	"sync/atomic"
)

// State enumerates the positions of the Global Phase State Machine.
type State int32

const (
	Init State = iota
	NormalExecution
	EpochEnd
	Rollback
	EpochBegin
)

// String renders a State for diagnostics and test failure messages.
func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case NormalExecution:
		return "NormalExecution"
	case EpochEnd:
		return "EpochEnd"
	case Rollback:
		return "Rollback"
	case EpochBegin:
		return "EpochBegin"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Machine is the process-wide phase word plus the sticky rollback flag.
type Machine struct {
	current      atomic.Int32
	hasRolledBack atomic.Bool
	numEnds      atomic.Uint64
}

// New creates a Machine in the Init state.
func New() *Machine {
	m := &Machine{}
	m.current.Store(int32(Init))
	return m
}

// Current returns the current phase. Safe to call without holding the
// rendezvous mutex; correctness depends on the barrier forcing every thread
// to re-check after being woken, not on this read being linearized with any
// particular transition.
func (m *Machine) Current() State {
	return State(m.current.Load())
}

// HasRolledBack reports the sticky, monotone rollback flag: once any epoch
// in this process has rolled back, it stays true forever.
func (m *Machine) HasRolledBack() bool {
	return m.hasRolledBack.Load()
}

// NumEnds returns how many times EpochEnd has been entered, for metrics and
// tests.
func (m *Machine) NumEnds() uint64 {
	return m.numEnds.Load()
}

// mustTransition enforces the exact edge set from the core design; any
// other requested transition is an internal invariant breach.
func (m *Machine) mustTransition(from, to State) {
	cur := m.Current()
	if cur != from {
		panic(fmt.Sprintf("phase: illegal transition %s -> %s from state %s", from, to, cur))
	}
	m.current.Store(int32(to))
}

// Begin performs Init->NormalExecution on first use, or
// EpochBegin->NormalExecution thereafter (a rollback reaches EpochBegin via
// FinishRollback first). Called by the epoch controller once the new epoch's
// backup has been taken (or memory has been restored).
func (m *Machine) Begin() {
	switch m.Current() {
	case Init:
		m.mustTransition(Init, NormalExecution)
	case EpochBegin:
		m.mustTransition(EpochBegin, NormalExecution)
	default:
		panic(fmt.Sprintf("phase: Begin called from illegal state %s", m.Current()))
	}
}

// RequestEnd performs NormalExecution->EpochEnd. Callers that already know
// the phase is NormalExecution (the committer, immediately before its own
// WaitForAll) use this; concurrent callers that only suspect the phase might
// still be NormalExecution (e.g. multiple mutators racing to fill the
// quarantine) must use TryRequestEnd instead, to avoid two callers both
// attempting the same transition.
func (m *Machine) RequestEnd() {
	m.mustTransition(NormalExecution, EpochEnd)
	m.numEnds.Add(1)
}

// TryRequestEnd attempts NormalExecution->EpochEnd via CAS and reports
// whether it won the race. Safe for concurrent callers: of any number of
// threads that call this concurrently while the phase is NormalExecution,
// exactly one observes true.
func (m *Machine) TryRequestEnd() bool {
	if m.current.CompareAndSwap(int32(NormalExecution), int32(EpochEnd)) {
		m.numEnds.Add(1)
		return true
	}
	return false
}

// Commit performs EpochEnd->EpochBegin: the committer found no corruption.
func (m *Machine) Commit() {
	m.mustTransition(EpochEnd, EpochBegin)
}

// EnterRollback performs EpochEnd->Rollback and sets the sticky
// has-rolled-back flag. Monotone: once set, later calls are no-ops on the
// flag itself, but the transition is still validated.
func (m *Machine) EnterRollback() {
	m.mustTransition(EpochEnd, Rollback)
	m.hasRolledBack.Store(true)
}

// FinishRollback performs Rollback->EpochBegin, after memory restore and
// watchpoint installation have completed.
func (m *Machine) FinishRollback() {
	m.mustTransition(Rollback, EpochBegin)
}

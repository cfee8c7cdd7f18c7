// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package epochguard provides a process-wide memory runtime that transforms
// a multithreaded program's execution into a sequence of epochs: bounded
// intervals during which a managed heap and a managed globals region are
// checkpointed, monitored for heap-safety violations (tail-buffer overflow,
// double-free, invalid-free, use-after-free) via guard-byte sentinels, and
// either committed or rolled back to the epoch's starting byte image.
//
// This is the public API. Mutator threads call Malloc/Free/Memalign instead
// of Go's own allocator for the region under management; a designated
// committer thread calls EpochEnd to run the checks and decide commit vs.
// rollback, and every other mutator calls Checkpoint cooperatively between
// units of work so it parks at the rendezvous barrier once an epoch end has
// been requested.
//
// # Quick Start
//
//	import "github.com/kianostad/epochguard"
//
//	rt, err := epochguard.New(epochguard.Config{}) // no other mutators
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close()
//
//	rt.EpochBegin()
//	ptr, err := rt.Malloc(24)
//	// ... write up to 24 bytes through ptr ...
//	rt.Free(ptr)
//	committed := rt.EpochEnd()
//
// # Key Features
//
//   - Epoch-scoped malloc/free/memalign with sentinel overflow detection
//   - Deferred reclamation via a bounded quarantine, to catch use-after-free
//   - Automatic rollback to the epoch's starting byte image on corruption
//   - Watchpoints armed on the offending address after a rollback, so the
//     replaying epoch's faulting store can be pinpointed
//   - Metrics for every allocator and epoch-controller event
//
// # Thread Safety
//
// Malloc, Free, Memalign, Realloc, Calloc, GetSize, and Checkpoint are safe
// for concurrent use by mutator threads. EpochEnd is meant to be called by
// exactly one thread per epoch — the conventional committer.
package epochguard

import (
	"unsafe"

	"github.com/kianostad/epochguard/internal/monitoring/metrics"
	"github.com/kianostad/epochguard/internal/runtime"
)

// Runtime is the process-wide epoch/commit/rollback runtime.
type Runtime interface {
	// Malloc allocates a block of at least n bytes from the managed heap.
	Malloc(n int) (unsafe.Pointer, error)
	// Memalign allocates a block whose returned pointer is aligned to
	// boundary.
	Memalign(boundary, n int) (unsafe.Pointer, error)
	// Free releases ptr. Pointers outside the managed heap are ignored.
	// Double free and invalid free abort the process.
	Free(ptr unsafe.Pointer)
	// Realloc resizes the block at ptr to n bytes, preserving existing
	// content up to min(oldSize, n).
	Realloc(ptr unsafe.Pointer, n int) (unsafe.Pointer, error)
	// Calloc allocates space for n elements of size bytes each, zeroed.
	Calloc(n, size int) (unsafe.Pointer, error)
	// GetSize returns the caller-requested size of the block at ptr.
	GetSize(ptr unsafe.Pointer) int
	// EpochBegin snapshots the managed regions and enters NormalExecution.
	EpochBegin()
	// EpochEnd runs the committer's checks and returns true iff the epoch
	// committed cleanly (false means it rolled back).
	EpochEnd() (committed bool)
	// Checkpoint is the cooperative call every mutator performs between
	// units of work, so it parks at the rendezvous barrier once an epoch
	// end has been requested.
	Checkpoint()
	// HasRolledBack reports the sticky, monotone flag: true once any epoch
	// in this process has ever rolled back.
	HasRolledBack() bool
	// Globals exposes the managed globals region.
	Globals() []byte
	// Metrics exposes the runtime's metrics collector.
	Metrics() *metrics.Metrics
	// Close releases every resource the runtime owns.
	Close() error
}

// Config carries the runtime's constructor parameters: arena and globals
// region sizes, quarantine and watchpoint capacities, the hardware-assist
// poll interval, and the expected mutator count for the rendezvous barrier.
type Config = runtime.Config

// New constructs a Runtime with fresh managed heap and globals regions.
// Callers must call EpochBegin once before the first Malloc.
func New(cfg Config) (Runtime, error) {
	return runtime.New(cfg)
}

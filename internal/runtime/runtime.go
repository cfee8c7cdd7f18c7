// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package runtime implements the Allocator Front-End and the Epoch
// Controller: the two components that sit on top of every leaf package in
// this module (sentinel, header, quarantine, phase, rendezvous, watchpoint)
// and wire them, together with the external collaborators (rawheap.Arena,
// backup.ShadowStore, hwassist.SoftwareWatch), into the epoch/commit/rollback
// runtime the rest of the module exposes as Runtime.
//
// # Key Features
//
//   - malloc/memalign/free/realloc/calloc wrappers that install sentinels on
//     allocation, verify them on free, and route freed objects through the
//     quarantine
//   - an epoch controller driving epochBegin -> normal -> epochEnd ->
//     (commit | rollback) -> epochBegin
//   - a cooperative checkpoint every mutator calls between units of work, so
//     it parks at the rendezvous barrier once the committer requests an
//     epoch end
//
// # Thread Safety
//
// Malloc/Memalign/Free/Realloc/Calloc/GetSize/Checkpoint are safe for
// concurrent use by mutator threads during NormalExecution. EpochEnd is
// intended to be called by exactly one thread at a time (the conventional
// committer — the thread whose quarantine-full check or external scheduler
// tripped the end).
package runtime

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/kianostad/epochguard/internal/backup"
	"github.com/kianostad/epochguard/internal/concurrency/phase"
	"github.com/kianostad/epochguard/internal/concurrency/rendezvous"
	"github.com/kianostad/epochguard/internal/hwassist"
	"github.com/kianostad/epochguard/internal/monitoring/metrics"
	"github.com/kianostad/epochguard/internal/rawheap"
	"github.com/kianostad/epochguard/internal/storage/header"
	"github.com/kianostad/epochguard/internal/storage/quarantine"
	"github.com/kianostad/epochguard/internal/storage/sentinel"
	"github.com/kianostad/epochguard/internal/watchpoint"

	"golang.org/x/sys/unix"
)

// Runtime is the concrete implementation of the module's exported Runtime
// interface (see epochguard.go). It owns one managed heap arena, one
// managed globals region, and every coordination primitive that mediates
// between them and the epoch protocol.
type Runtime struct {
	cfg Config

	heap    *rawheap.Arena
	globals *globalsRegion
	backup  *backup.ShadowStore

	phase   *phase.Machine
	barrier *rendezvous.Barrier
	quar    *quarantine.Quarantine
	watch   *watchpoint.Registry
	hw      *hwassist.SoftwareWatch
	m       *metrics.Metrics
}

// globalsRegion is the managed globals buffer: a second mmap-anonymous
// region, sized independently of the heap arena, that backup.Store snapshots
// and restores alongside the heap.
type globalsRegion struct {
	mu  sync.Mutex
	mem []byte
}

func newGlobalsRegion(size int) (*globalsRegion, error) {
	if size <= 0 {
		size = 1 << 16
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("runtime: mmap globals region: %w", err)
	}
	return &globalsRegion{mem: mem}, nil
}

func (g *globalsRegion) Bytes() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mem
}

func (g *globalsRegion) close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mem == nil {
		return nil
	}
	err := unix.Munmap(g.mem)
	g.mem = nil
	return err
}

// DefaultGlobalsSize is the managed globals region's size when
// Config.GlobalsRegionSize is unset.
const DefaultGlobalsSize = 1 << 16

// New constructs a Runtime with fresh heap and globals regions, ready for an
// initial EpochBegin.
func New(cfg Config) (*Runtime, error) {
	cfg = cfg.normalized()

	arena, err := rawheap.NewArena(cfg.ArenaSize)
	if err != nil {
		return nil, err
	}
	globalsSize := cfg.GlobalsSize()
	globals, err := newGlobalsRegion(globalsSize)
	if err != nil {
		return nil, err
	}
	store, err := backup.NewShadowStore(arena, globals)
	if err != nil {
		return nil, err
	}

	hw := hwassist.New(cfg.PollInterval)
	hw.Start()

	rt := &Runtime{
		cfg:     cfg,
		heap:    arena,
		globals: globals,
		backup:  store,
		phase:   phase.New(),
		barrier: rendezvous.New(cfg.NumMutators),
		quar:    quarantine.New(cfg.MaxFreeObjects),
		watch:   watchpoint.NewRegistry(cfg.MaxWatchpoints),
		hw:      hw,
		m:       metrics.NewMetrics(),
	}
	return rt, nil
}

// Close releases every resource this Runtime owns: the heap arena, the
// globals region, the shadow backup mappings, the hardware-assist poller,
// and the metrics collector.
func (rt *Runtime) Close() error {
	rt.hw.Stop()
	rt.m.Close()
	var firstErr error
	if err := rt.backup.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := rt.heap.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := rt.globals.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Globals exposes the managed globals region directly, for callers to store
// process-wide state that should commit and roll back in lockstep with the
// managed heap.
func (rt *Runtime) Globals() []byte {
	return rt.globals.Bytes()
}

// Metrics exposes the Runtime's metrics collector.
func (rt *Runtime) Metrics() *metrics.Metrics {
	return rt.m
}

// HasRolledBack reports the process-wide sticky flag: true once any epoch
// has ever rolled back.
func (rt *Runtime) HasRolledBack() bool {
	return rt.phase.HasRolledBack()
}

func (rt *Runtime) snapshotMetadata() {
	data, err := rt.heap.SnapshotMetadata()
	if err != nil {
		runtimeAbort(fmt.Sprintf("snapshot heap metadata: %v", err))
		return
	}
	rt.backup.SaveHeapMetadata(data)
}

// EpochBegin snapshots heap metadata and takes the epoch's starting backup
// of the managed heap and globals regions, then transitions the phase
// Init->NormalExecution. Subsequent epochs re-enter NormalExecution via
// EpochEnd's own commit/rollback path instead.
func (rt *Runtime) EpochBegin() {
	rt.snapshotMetadata()
	if err := rt.backup.Backup(); err != nil {
		runtimeAbort(fmt.Sprintf("epoch begin backup: %v", err))
		return
	}
	rt.phase.Begin()
}

// Checkpoint is the cooperative checkpoint call every mutator thread must
// perform between units of user work (the core design's §5 "checkpoint call
// ... on syscall boundaries"). If the phase has advanced to EpochEnd, the
// calling thread parks at the rendezvous barrier until the committer's
// decision is visible, then falls through and resumes — the phase has
// already been advanced to NormalExecution by the committer before it woke
// any parked mutator; a mutator never writes the phase itself.
func (rt *Runtime) Checkpoint() {
	if rt.phase.Current() != phase.EpochEnd {
		return
	}
	rt.barrier.Park(rt.phase)
}

// EpochEnd is the committer's entry point: it promotes the phase to
// EpochEnd (if some other trigger — e.g. a full quarantine — has not
// already done so), waits for every configured mutator to park, runs the
// overflow and use-after-free checks across every live allocation, and
// either commits (drains the quarantine, refreshes the backup) or rolls
// back (restores heap and globals from the backup, arms watchpoints on the
// offending addresses) before releasing every parked mutator into the next
// epoch. It returns true iff the epoch committed cleanly.
func (rt *Runtime) EpochEnd() (committed bool) {
	start := time.Now()

	rt.phase.TryRequestEnd()

	rt.barrier.WaitForAll()

	corrupted := rt.checkHeapOverflow()
	rt.watch.NoteFired(len(rt.hw.Poll()) > 0)
	rt.m.SetActiveWatchpoints(uint64(rt.watch.Len()))
	rt.m.SetHeapUsage(uint64(rt.heap.UsedBytes()))
	mustRollback := corrupted || rt.watch.HasToRollback()

	if mustRollback {
		rt.rollback()
		rt.m.RecordEpochEnd(time.Since(start))
		return false
	}

	rt.commit()
	rt.m.RecordEpochEnd(time.Since(start))
	return true
}

func (rt *Runtime) commit() {
	rt.drainQuarantine()
	rt.snapshotMetadata()
	if err := rt.backup.Backup(); err != nil {
		runtimeAbort(fmt.Sprintf("commit backup: %v", err))
		return
	}
	rt.phase.Commit()
	rt.watch.Clear()
	rt.hw.Reset()
	rt.m.SetActiveWatchpoints(0)
	rt.m.RecordCommit()
	rt.phase.Begin()
	rt.barrier.Release()
}

func (rt *Runtime) rollback() {
	rt.phase.EnterRollback()

	if err := rt.backup.RecoverMemory(); err != nil {
		runtimeAbort(fmt.Sprintf("rollback recover memory: %v", err))
		return
	}
	if err := rt.heap.RestoreMetadata(rt.backup.RecoverHeapMetadata()); err != nil {
		runtimeAbort(fmt.Sprintf("rollback restore heap metadata: %v", err))
		return
	}
	rt.watch.Install(rt.hw)

	rt.phase.FinishRollback()
	rt.m.RecordRollback()
	rt.phase.Begin()
	rt.barrier.Release()
}

// checkHeapOverflow runs the Sentinel Codec's tail check across every live
// allocation (per §4.7 step 2) and the quarantine's CheckUAF pass, arming a
// watchpoint at each offending address it finds. It returns true iff any
// corruption was found.
func (rt *Runtime) checkHeapOverflow() bool {
	found := false

	for _, raw := range rt.heap.LiveAddrs() {
		h := header.At(unsafe.Pointer(raw))
		if !h.IsValid() {
			continue
		}
		base := unsafe.Add(header.UserPointer(unsafe.Pointer(raw)), h.AlignGap())
		effectiveBlockSize := h.BlockSize() - h.AlignGap()
		layout := sentinel.PlanTail(h.RequestedSize(), effectiveBlockSize)
		if sentinel.CheckAndClearTail(base, layout) {
			sentinel.WriteTail(base, layout)
			continue
		}
		found = true
		rt.m.RecordOverflowDetected()
		rt.watch.Add(watchpoint.Watchpoint{
			Addr: uintptr(base) + uintptr(h.RequestedSize()),
		})
	}

	disturbed := rt.quar.CheckUAF(func(rec quarantine.Record) []byte {
		h := header.At(unsafe.Pointer(rec.Ptr))
		base := unsafe.Add(header.UserPointer(unsafe.Pointer(rec.Ptr)), h.AlignGap())
		return unsafe.Slice((*byte)(base), h.RequestedSize())
	})
	if len(disturbed) > 0 {
		found = true
		rt.m.RecordUAFDetected()
		for _, rec := range disturbed {
			rt.watch.Add(watchpoint.Watchpoint{Addr: rec.Ptr})
		}
	}

	return found
}

func (rt *Runtime) drainQuarantine() {
	rt.quar.PrepareIteration()
	for {
		rec, ok := rt.quar.Next()
		if !ok {
			break
		}
		h := header.At(unsafe.Pointer(rec.Ptr))
		h.Reset()
		rt.heap.RawFree(rec.Ptr)
	}
	rt.quar.Cleanup()
	rt.m.SetQuarantineDepth(0)
}


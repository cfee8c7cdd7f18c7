// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package rawheap is the default implementation of the "underlying
// bump/segregated small-object allocator" the core design treats as an
// external collaborator: it hands out raw, size-class-rounded blocks from a
// single mmap-anonymous arena and takes them back on RawFree.
//
// Compaction across live allocations is out of scope (see the core design's
// Non-goals); once the arena's bump region is exhausted, RawMalloc returns
// an error rather than growing the mapping.
package rawheap

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultArenaSize is the default size of the mmap-backed arena.
const DefaultArenaSize = 16 << 20 // 16 MiB

// sizeClasses mirrors, in reduced form, the jemalloc/TCMalloc-inspired
// bucket table used by the small-object allocators in the wider retrieval
// pack (e.g. other_examples' custom-malloc-go), trimmed to the handful of
// classes this module's size budget calls for.
var sizeClasses = []int{32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536}

// MinAlloc is the smallest block size RawMalloc will ever hand out.
var MinAlloc = sizeClasses[0]

// Heap is the contract the allocator front-end (internal/runtime) consumes;
// the core design assumes this collaborator, naming raw_malloc/raw_free/
// get_block_size.
type Heap interface {
	RawMalloc(size int) (uintptr, error)
	RawFree(ptr uintptr)
	GetBlockSize(ptr uintptr) int
	InRange(ptr uintptr) bool
	Base() uintptr
	Len() int
	Bytes() []byte
	LiveAddrs() []uintptr
	SnapshotMetadata() ([]byte, error)
	RestoreMetadata(data []byte) error
}

// Arena is the default Heap: one mmap-anonymous region, a bump pointer for
// fresh blocks, and a per-size-class free list for blocks RawFree has
// returned.
type Arena struct {
	mu         sync.Mutex
	mem        []byte
	base       uintptr
	bump       int
	freeLists  [][]int // per size-class offset stack
	blockSizes map[uintptr]int
	largeNext  int // bump offset for oversize blocks, counted down from end
}

// NewArena mmaps a fresh arena of the given size (rounded up internally is
// not required — callers pick a size; DefaultArenaSize is a reasonable
// default) and returns it ready for use.
func NewArena(size int) (*Arena, error) {
	if size <= 0 {
		size = DefaultArenaSize
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("rawheap: mmap %d bytes: %w", size, err)
	}
	a := &Arena{
		mem:        mem,
		base:       uintptr(unsafe.Pointer(unsafe.SliceData(mem))),
		freeLists:  make([][]int, len(sizeClasses)),
		blockSizes: make(map[uintptr]int),
		largeNext:  size,
	}
	return a, nil
}

// Close releases the arena's backing mapping. Any pointers handed out
// become invalid.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

func classIndex(size int) int {
	for i, c := range sizeClasses {
		if c >= size {
			return i
		}
	}
	return -1
}

// RawMalloc hands out a block of at least size bytes, rounded up to the
// nearest size class (or treated as a one-off large allocation if size
// exceeds every class). It returns the address of the block's first byte,
// relative to the arena's own address space.
func (a *Arena) RawMalloc(size int) (uintptr, error) {
	if size < MinAlloc {
		size = MinAlloc
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	idx := classIndex(size)
	if idx >= 0 {
		class := sizeClasses[idx]
		if n := len(a.freeLists[idx]); n > 0 {
			off := a.freeLists[idx][n-1]
			a.freeLists[idx] = a.freeLists[idx][:n-1]
			ptr := a.base + uintptr(off)
			a.blockSizes[ptr] = class
			return ptr, nil
		}
		if a.bump+class > a.largeNext {
			return 0, fmt.Errorf("rawheap: arena exhausted allocating %d bytes", class)
		}
		off := a.bump
		a.bump += class
		ptr := a.base + uintptr(off)
		a.blockSizes[ptr] = class
		return ptr, nil
	}

	// Large, one-off block: carve it from the top of the arena downward so
	// it never collides with size-classed bump growth from the bottom.
	if a.largeNext-size < a.bump {
		return 0, fmt.Errorf("rawheap: arena exhausted allocating %d bytes", size)
	}
	a.largeNext -= size
	ptr := a.base + uintptr(a.largeNext)
	a.blockSizes[ptr] = size
	return ptr, nil
}

// RawFree returns a block to its size class's free list so a later
// RawMalloc of a compatible size can reuse it. Large, one-off blocks are
// intentionally leaked within the arena: compaction is out of scope (see
// the core design's Non-goals), and this module's size budget does not
// warrant a separate large-block allocator.
func (a *Arena) RawFree(ptr uintptr) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.blockSizes[ptr]
	if !ok {
		return
	}
	delete(a.blockSizes, ptr)

	idx := classIndex(size)
	if idx < 0 || sizeClasses[idx] != size {
		return // large block: leaked, see doc comment
	}
	off := int(ptr - a.base)
	a.freeLists[idx] = append(a.freeLists[idx], off)
}

// GetBlockSize returns the allocator-rounded size of the block at ptr, or 0
// if ptr is not a block this arena currently considers live.
func (a *Arena) GetBlockSize(ptr uintptr) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blockSizes[ptr]
}

// InRange reports whether ptr falls within this arena's mapped region.
func (a *Arena) InRange(ptr uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return false
	}
	return ptr >= a.base && ptr < a.base+uintptr(len(a.mem))
}

// UsedBytes returns an estimate of the arena's current occupancy: bytes
// claimed by size-classed bump growth plus bytes claimed by large one-off
// blocks, not counting freed-and-recycled size-classed blocks as free.
func (a *Arena) UsedBytes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bump + (len(a.mem) - a.largeNext)
}

// Base returns the arena's starting address.
func (a *Arena) Base() uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.base
}

// Len returns the arena's total mapped size in bytes.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.mem)
}

// Bytes exposes the arena's backing storage directly, for the backup store
// to snapshot and restore. Callers must not retain the slice past a Close.
func (a *Arena) Bytes() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mem
}

// LiveAddrs returns every address the arena currently considers allocated
// (size-classed or large), in no particular order. The epoch controller
// walks this list at epoch end to run the Sentinel Codec's overflow check
// across every live allocation.
func (a *Arena) LiveAddrs() []uintptr {
	a.mu.Lock()
	defer a.mu.Unlock()
	addrs := make([]uintptr, 0, len(a.blockSizes))
	for ptr := range a.blockSizes {
		addrs = append(addrs, ptr)
	}
	return addrs
}

// arenaMetadata is the Go-side allocator bookkeeping that lives outside the
// mmap'd arena bytes and therefore is not captured by a byte-level backup.
// recover_heap_metadata (spec §4.7/§6) restores exactly this.
type arenaMetadata struct {
	Bump       int
	LargeNext  int
	FreeLists  [][]int
	BlockSizes map[uintptr]int
}

// SnapshotMetadata serializes the arena's free lists, bump offsets, and live
// block table, for the backup store to carry alongside its byte-level
// image.
func (a *Arena) SnapshotMetadata() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	meta := arenaMetadata{
		Bump:       a.bump,
		LargeNext:  a.largeNext,
		FreeLists:  make([][]int, len(a.freeLists)),
		BlockSizes: make(map[uintptr]int, len(a.blockSizes)),
	}
	for i, fl := range a.freeLists {
		meta.FreeLists[i] = append([]int(nil), fl...)
	}
	for ptr, size := range a.blockSizes {
		meta.BlockSizes[ptr] = size
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(meta); err != nil {
		return nil, fmt.Errorf("rawheap: snapshot metadata: %w", err)
	}
	return buf.Bytes(), nil
}

// RestoreMetadata replaces the arena's bookkeeping with a snapshot earlier
// produced by SnapshotMetadata, as part of rolling back to an epoch's
// starting state.
func (a *Arena) RestoreMetadata(data []byte) error {
	var meta arenaMetadata
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&meta); err != nil {
		return fmt.Errorf("rawheap: restore metadata: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bump = meta.Bump
	a.largeNext = meta.LargeNext
	a.freeLists = meta.FreeLists
	a.blockSizes = meta.BlockSizes
	return nil
}

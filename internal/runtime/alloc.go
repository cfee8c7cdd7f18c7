// Licensed under the MIT License. See LICENSE file in the project root for details.

package runtime

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/kianostad/epochguard/internal/storage/header"
	"github.com/kianostad/epochguard/internal/storage/quarantine"
	"github.com/kianostad/epochguard/internal/storage/sentinel"
	"github.com/kianostad/epochguard/internal/watchpoint"
)

// Malloc allocates a block of at least n bytes from the managed heap,
// initializes its ObjectHeader, writes tail sentinels per the Sentinel
// Codec, and returns the user-visible pointer. n == 0 is accepted, matching
// standard malloc(0) tolerance; the requested size stays 0, and the raw
// block may then hold nothing but the header.
func (rt *Runtime) Malloc(n int) (unsafe.Pointer, error) {
	start := time.Now()
	if n < 0 {
		return nil, fmt.Errorf("epochguard: malloc: negative size %d", n)
	}

	raw, blockSize, err := rt.rawAllocate(n)
	if err != nil {
		return nil, fmt.Errorf("epochguard: malloc: %w", err)
	}

	h := header.At(unsafe.Pointer(raw))
	h.Init(blockSize, n)
	base := header.UserPointer(unsafe.Pointer(raw))
	layout := sentinel.PlanTail(n, blockSize)
	sentinel.WriteTail(base, layout)

	rt.m.RecordMalloc(time.Since(start))
	return base, nil
}

// rawAllocate reserves a raw block of at least header.Size+want bytes from
// the managed heap and reports the block size available to the caller
// (excluding the header), i.e. the "block_size" the Sentinel Codec encodes
// its tail against.
func (rt *Runtime) rawAllocate(want int) (raw uintptr, blockSize int, err error) {
	raw, err = rt.heap.RawMalloc(header.Size + want)
	if err != nil {
		return 0, 0, err
	}
	actual := rt.heap.GetBlockSize(raw)
	return raw, actual - header.Size, nil
}

// memalignWordSize is the architecture word size used to lay out the
// pre-block gap memalign reserves ahead of the rounded, caller-visible
// pointer: one word for MEMALIGN_SENTINEL_WORD, one for the raw pointer.
var memalignWordSize = sentinel.WordSize

// Memalign allocates a block whose caller-visible pointer is aligned to
// boundary, per the core design's §4.4 contract: it reserves room for a
// pre-block gap holding a MEMALIGN_SENTINEL_WORD and the raw pointer (so
// Free can recover it), and rounds the caller-visible pointer up away from
// the raw pointer's own address if rounding would otherwise land exactly on
// it (no room for the pre-block record).
func (rt *Runtime) Memalign(boundary, n int) (unsafe.Pointer, error) {
	start := time.Now()
	if n < 0 {
		return nil, fmt.Errorf("epochguard: memalign: negative size %d", n)
	}
	if boundary <= 0 {
		boundary = memalignWordSize
	}

	gap := 2 * memalignWordSize
	want := boundary + n + gap
	raw, blockSize, err := rt.rawAllocate(want)
	if err != nil {
		return nil, fmt.Errorf("epochguard: memalign: %w", err)
	}

	base := uintptr(header.UserPointer(unsafe.Pointer(raw)))
	rounded := roundUp(base, uintptr(boundary))
	for rounded-base < uintptr(gap) {
		rounded += uintptr(boundary)
	}

	h := header.At(unsafe.Pointer(raw))
	h.Init(blockSize, n)
	h.SetAlignGap(int(rounded - base))

	sentinel.SetMemalignSentinelAt(unsafe.Pointer(rounded - uintptr(memalignWordSize)))
	*(*uintptr)(unsafe.Pointer(rounded - uintptr(2*memalignWordSize))) = raw

	effectiveBlockSize := blockSize - h.AlignGap()
	layout := sentinel.PlanTail(n, effectiveBlockSize)
	sentinel.WriteTail(unsafe.Pointer(rounded), layout)

	rt.m.RecordMemalign(time.Since(start))
	return unsafe.Pointer(rounded), nil
}

func roundUp(v, mult uintptr) uintptr {
	if mult == 0 {
		return v
	}
	return (v + mult - 1) / mult * mult
}

// resolved is everything Free/GetSize need to operate on a user pointer
// regardless of whether it came from Malloc or Memalign.
type resolved struct {
	raw               uintptr
	h                 *header.Header
	tailBase          unsafe.Pointer
	effectiveBlockSize int
	isMemalign        bool
}

// resolve recovers the raw allocation and effective tail layout for a
// user-visible pointer ptr, per the memalign pre-block-gap convention: if
// the word immediately before ptr equals MEMALIGN_SENTINEL_WORD, the raw
// pointer is recovered from two words before ptr; otherwise ptr is assumed
// to sit directly after an ObjectHeader. Returns ok == false if ptr falls
// outside the managed heap, per the core design's free(NULL)-like tolerance
// for invalid-range pointers.
func (rt *Runtime) resolve(ptr unsafe.Pointer) (resolved, bool) {
	addr := uintptr(ptr)

	if rt.heap.InRange(addr - uintptr(memalignWordSize)) {
		word := *(*uint64)(unsafe.Pointer(addr - uintptr(memalignWordSize)))
		if word == sentinel.MemalignSentinelWord {
			rawPtr := *(*uintptr)(unsafe.Pointer(addr - uintptr(2*memalignWordSize)))
			if rt.heap.InRange(rawPtr) {
				h := header.At(unsafe.Pointer(rawPtr))
				effective := h.BlockSize() - h.AlignGap()
				return resolved{
					raw:                rawPtr,
					h:                  h,
					tailBase:           ptr,
					effectiveBlockSize: effective,
					isMemalign:         true,
				}, true
			}
		}
	}

	rawAddr := addr - uintptr(header.Size)
	if !rt.heap.InRange(rawAddr) {
		return resolved{}, false
	}
	h := header.At(unsafe.Pointer(rawAddr))
	return resolved{
		raw:                rawAddr,
		h:                  h,
		tailBase:           ptr,
		effectiveBlockSize: h.BlockSize(),
		isMemalign:         false,
	}, true
}

// Free verifies the block's tail sentinel, rejects double/invalid frees, and
// on success poisons the user-visible extent and routes the block through
// the quarantine. Pointers outside the managed heap are silently ignored,
// matching standard free(NULL) tolerance.
func (rt *Runtime) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	start := time.Now()

	res, ok := rt.resolve(ptr)
	if !ok {
		return
	}
	if !res.h.IsValid() {
		rt.m.RecordInvalidFreeAbort()
		runtimeAbort(fmt.Sprintf("invalid free at %#x", uintptr(ptr)))
		return
	}
	if res.h.IsFree() {
		rt.m.RecordDoubleFreeAbort()
		runtimeAbort(fmt.Sprintf("double free at %#x", uintptr(ptr)))
		return
	}

	layout := sentinel.PlanTail(res.h.RequestedSize(), res.effectiveBlockSize)
	if !sentinel.CheckAndClearTail(res.tailBase, layout) {
		rt.m.RecordOverflowDetected()
		rt.watch.Add(watchpoint.Watchpoint{
			Addr: uintptr(res.tailBase) + uintptr(res.h.RequestedSize()),
		})
		return // block intentionally leaked; rollback will catch it on replay
	}
	sentinel.WriteTail(res.tailBase, layout)

	poison(res.tailBase, res.h.RequestedSize())

	res.h.SetFree()
	full := rt.quar.CacheFreeObject(quarantine.Record{
		Ptr:          res.raw,
		OwningThread: 0,
		SizeAtFree:   res.h.RequestedSize(),
	})
	rt.m.SetQuarantineDepth(uint64(rt.quar.Len()))
	rt.m.RecordFree(time.Since(start))

	if full && rt.phase.TryRequestEnd() {
		rt.m.RecordQuarantineForcedEnd()
	}
}

func poison(base unsafe.Pointer, n int) {
	if n <= 0 {
		return
	}
	data := unsafe.Slice((*byte)(base), n)
	for i := range data {
		data[i] = quarantine.PoisonByte
	}
}

// GetSize returns the caller-requested size of the block at ptr, or 0 if
// ptr is not a live managed allocation.
func (rt *Runtime) GetSize(ptr unsafe.Pointer) int {
	if ptr == nil {
		return 0
	}
	res, ok := rt.resolve(ptr)
	if !ok || !res.h.IsValid() || res.h.IsFree() {
		return 0
	}
	return res.h.RequestedSize()
}

// Realloc resizes the block at ptr to n bytes, preserving min(oldSize, n)
// bytes of content. A nil ptr behaves like Malloc; n == 0 behaves like
// Free, returning nil.
func (rt *Runtime) Realloc(ptr unsafe.Pointer, n int) (unsafe.Pointer, error) {
	start := time.Now()
	if ptr == nil {
		return rt.Malloc(n)
	}
	if n == 0 {
		rt.Free(ptr)
		return nil, nil
	}

	res, ok := rt.resolve(ptr)
	if !ok || !res.h.IsValid() {
		return nil, fmt.Errorf("epochguard: realloc: invalid pointer %#x", uintptr(ptr))
	}

	oldSize := res.h.RequestedSize()
	if n <= res.effectiveBlockSize {
		layout := sentinel.PlanTail(oldSize, res.effectiveBlockSize)
		sentinel.CheckAndClearTail(res.tailBase, layout)
		res.h.SetRequestedSize(n)
		newLayout := sentinel.PlanTail(n, res.effectiveBlockSize)
		sentinel.WriteTail(res.tailBase, newLayout)
		rt.m.RecordRealloc(time.Since(start))
		return res.tailBase, nil
	}

	newPtr, err := rt.Malloc(n)
	if err != nil {
		return nil, err
	}
	copySize := oldSize
	if n < copySize {
		copySize = n
	}
	src := unsafe.Slice((*byte)(res.tailBase), copySize)
	dst := unsafe.Slice((*byte)(newPtr), copySize)
	copy(dst, src)
	rt.Free(ptr)
	rt.m.RecordRealloc(time.Since(start))
	return newPtr, nil
}

// Calloc allocates space for n elements of size bytes each, zeroed, as a
// standard allocator-front-end convenience built from Malloc+memset — not
// part of the core design's distilled contract, but present in every C
// allocator shim, and therefore added here (see SPEC_FULL.md §4.4).
func (rt *Runtime) Calloc(n, size int) (unsafe.Pointer, error) {
	if n < 0 || size < 0 {
		return nil, fmt.Errorf("epochguard: calloc: negative dimension")
	}
	total := n * size
	ptr, err := rt.Malloc(total)
	if err != nil {
		return nil, err
	}
	if total > 0 {
		data := unsafe.Slice((*byte)(ptr), total)
		for i := range data {
			data[i] = 0
		}
	}
	return ptr, nil
}

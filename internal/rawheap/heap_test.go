// Licensed under the MIT License. See LICENSE file in the project root for details.

package rawheap

import "testing"

func newTestArena(t *testing.T) *Arena {
	t.Helper()
	a, err := NewArena(1 << 20)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestRawMallocReturnsInRangePointer(t *testing.T) {
	a := newTestArena(t)
	ptr, err := a.RawMalloc(40)
	if err != nil {
		t.Fatalf("RawMalloc: %v", err)
	}
	if !a.InRange(ptr) {
		t.Fatal("expected a freshly allocated pointer to be InRange")
	}
	if size := a.GetBlockSize(ptr); size < 40 {
		t.Fatalf("expected a block size class covering 40 bytes, got %d", size)
	}
}

func TestRawMallocRoundsUpToSizeClass(t *testing.T) {
	a := newTestArena(t)
	ptr, err := a.RawMalloc(40)
	if err != nil {
		t.Fatalf("RawMalloc: %v", err)
	}
	if size := a.GetBlockSize(ptr); size != 64 {
		t.Fatalf("expected 40 bytes to round up to the 64-byte size class, got %d", size)
	}
}

func TestRawMallocBelowMinAllocRoundsToMinAlloc(t *testing.T) {
	a := newTestArena(t)
	ptr, err := a.RawMalloc(1)
	if err != nil {
		t.Fatalf("RawMalloc: %v", err)
	}
	if size := a.GetBlockSize(ptr); size != MinAlloc {
		t.Fatalf("expected a 1-byte request to round up to MinAlloc (%d), got %d", MinAlloc, size)
	}
}

func TestRawFreeThenRawMallocReusesFreeList(t *testing.T) {
	a := newTestArena(t)
	ptr, err := a.RawMalloc(64)
	if err != nil {
		t.Fatalf("RawMalloc: %v", err)
	}
	a.RawFree(ptr)
	if size := a.GetBlockSize(ptr); size != 0 {
		t.Fatalf("expected GetBlockSize to report 0 for a freed block, got %d", size)
	}

	reused, err := a.RawMalloc(64)
	if err != nil {
		t.Fatalf("RawMalloc after free: %v", err)
	}
	if reused != ptr {
		t.Fatalf("expected the free list to hand the freed block back, got %#x want %#x", reused, ptr)
	}
}

func TestRawMallocLargeBlockCarvedFromTop(t *testing.T) {
	a := newTestArena(t)
	ptr, err := a.RawMalloc(1 << 17) // larger than every size class
	if err != nil {
		t.Fatalf("RawMalloc large: %v", err)
	}
	if !a.InRange(ptr) {
		t.Fatal("expected a large block's pointer to be InRange")
	}
	if ptr < a.Base()+uintptr(a.Len())/2 {
		t.Fatalf("expected a large block to be carved from the top of the arena, got %#x", ptr)
	}
}

func TestRawMallocExhaustionReturnsError(t *testing.T) {
	a := newTestArena(t)
	if _, err := a.RawMalloc(2 << 20); err == nil {
		t.Fatal("expected RawMalloc to fail when the request exceeds the entire arena")
	}
}

func TestLiveAddrsTracksAllocationsNotFrees(t *testing.T) {
	a := newTestArena(t)
	p1, _ := a.RawMalloc(32)
	p2, _ := a.RawMalloc(32)
	a.RawFree(p1)

	live := a.LiveAddrs()
	if len(live) != 1 || live[0] != p2 {
		t.Fatalf("expected LiveAddrs to report exactly %#x, got %v", p2, live)
	}
}

func TestSnapshotAndRestoreMetadataRoundTrips(t *testing.T) {
	a := newTestArena(t)
	p1, _ := a.RawMalloc(64)
	_, _ = a.RawMalloc(128)
	a.RawFree(p1)

	snap, err := a.SnapshotMetadata()
	if err != nil {
		t.Fatalf("SnapshotMetadata: %v", err)
	}

	p3, _ := a.RawMalloc(64) // mutate state after the snapshot
	if p3 != p1 {
		t.Fatalf("expected the free list to hand back p1, got %#x", p3)
	}

	if err := a.RestoreMetadata(snap); err != nil {
		t.Fatalf("RestoreMetadata: %v", err)
	}
	if size := a.GetBlockSize(p1); size != 0 {
		t.Fatalf("expected the restored metadata to show p1 as free again, got block size %d", size)
	}
}

func TestUsedBytesGrowsWithAllocation(t *testing.T) {
	a := newTestArena(t)
	before := a.UsedBytes()
	if _, err := a.RawMalloc(64); err != nil {
		t.Fatalf("RawMalloc: %v", err)
	}
	after := a.UsedBytes()
	if after <= before {
		t.Fatalf("expected UsedBytes to grow after an allocation, before=%d after=%d", before, after)
	}
}

func TestInRangeFalseOutsideArena(t *testing.T) {
	a := newTestArena(t)
	if a.InRange(a.Base() + uintptr(a.Len()) + 1) {
		t.Fatal("expected an address past the arena's end to not be InRange")
	}
	if a.InRange(0) {
		t.Fatal("expected address 0 to not be InRange")
	}
}

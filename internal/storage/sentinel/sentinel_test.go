// Licensed under the MIT License. See LICENSE file in the project root for details.

package sentinel

import (
	"testing"
	"unsafe"

	"pgregory.net/rapid"
)

func TestPlanTailNoRoom(t *testing.T) {
	layout := PlanTail(16, 16)
	if layout.SubWordLen != 0 || layout.WordOffset != -1 {
		t.Fatalf("expected empty layout when requestedSize == blockSize, got %+v", layout)
	}
}

func TestPlanTailWordAligned(t *testing.T) {
	layout := PlanTail(16, 32)
	if layout.SubWordLen != 0 {
		t.Fatalf("expected no sub-word run for a word-aligned requested size, got %+v", layout)
	}
	if layout.WordOffset != 16 {
		t.Fatalf("expected WordOffset 16, got %d", layout.WordOffset)
	}
}

func TestPlanTailSubWord(t *testing.T) {
	layout := PlanTail(17, 32)
	if layout.SubWordLen == 0 {
		t.Fatalf("expected a sub-word run for an unaligned requested size, got %+v", layout)
	}
	if layout.SubWordOffset != 17 {
		t.Fatalf("expected SubWordOffset 17, got %d", layout.SubWordOffset)
	}
}

func TestWriteThenCheckTailRoundTrips(t *testing.T) {
	for _, sizes := range [][2]int{{0, 64}, {1, 64}, {7, 64}, {8, 64}, {9, 64}, {63, 64}, {64, 64}} {
		requested, block := sizes[0], sizes[1]
		buf := make([]byte, block)
		base := unsafe.Pointer(&buf[0])
		layout := PlanTail(requested, block)
		WriteTail(base, layout)
		if !CheckAndClearTail(base, layout) {
			t.Errorf("requested=%d block=%d: freshly written tail failed to verify", requested, block)
		}
	}
}

func TestCheckTailDetectsOverrun(t *testing.T) {
	buf := make([]byte, 32)
	base := unsafe.Pointer(&buf[0])
	layout := PlanTail(9, 32)
	WriteTail(base, layout)

	buf[9] = 0xFF // disturb the sub-word run's length-prefix byte
	if CheckAndClearTail(base, layout) {
		t.Fatal("expected CheckAndClearTail to detect the overrun, got true")
	}
}

func TestCheckAndClearTailClearsEvenOnFailure(t *testing.T) {
	buf := make([]byte, 32)
	base := unsafe.Pointer(&buf[0])
	layout := PlanTail(16, 32)
	WriteTail(base, layout)

	buf[16] = 0x01
	CheckAndClearTail(base, layout)
	for i := 16; i < 24; i++ {
		if buf[i] != 0 {
			t.Fatalf("expected tail region to be cleared after a failed check, byte %d = %#x", i, buf[i])
		}
	}
}

func TestHasSentinelsFindsFullWord(t *testing.T) {
	buf := make([]byte, 16)
	SetSentinelAt(unsafe.Pointer(&buf[0]))
	if !HasSentinels(buf) {
		t.Fatal("expected HasSentinels to find the full-word sentinel")
	}
}

func TestHasSentinelsFindsSubWordRun(t *testing.T) {
	buf := make([]byte, 16)
	MarkSentinelAt(unsafe.Pointer(&buf[4]), 4)
	if !HasSentinels(buf) {
		t.Fatal("expected HasSentinels to find the sub-word run")
	}
}

func TestHasSentinelsFalseOnPlainData(t *testing.T) {
	buf := make([]byte, 32)
	for i := range buf {
		buf[i] = byte(i + 1)
	}
	if HasSentinels(buf) {
		t.Fatal("expected HasSentinels to report false on non-sentinel data")
	}
}

// TestTailRoundTripsProperty checks, for any requested/block size pair with
// 0 <= requested <= block <= 4096, that a freshly written tail always
// verifies intact and that flipping any single encoded guard byte (the
// sub-word run and, when present, the full sentinel word) always makes it
// fail.
func TestTailRoundTripsProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		block := rapid.IntRange(0, 4096).Draw(rt, "block")
		requested := rapid.IntRange(0, block).Draw(rt, "requested")

		buf := make([]byte, block)
		var base unsafe.Pointer
		if block > 0 {
			base = unsafe.Pointer(&buf[0])
		}
		layout := PlanTail(requested, block)
		WriteTail(base, layout)
		if !CheckAndClearTail(base, layout) {
			rt.Fatalf("requested=%d block=%d: freshly written tail did not verify", requested, block)
		}

		if requested >= block {
			return
		}
		WriteTail(base, layout)
		end := layout.SubWordOffset + layout.SubWordLen
		if layout.WordOffset >= 0 {
			end = layout.WordOffset + WordSize
		}
		disturbAt := rapid.IntRange(requested, end-1).Draw(rt, "disturbAt")
		buf[disturbAt] ^= 0xFF
		if CheckAndClearTail(base, layout) {
			rt.Fatalf("requested=%d block=%d disturbAt=%d: disturbed tail still verified", requested, block, disturbAt)
		}
	})
}

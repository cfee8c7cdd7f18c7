// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package header defines the per-allocation metadata record that epochguard
// places immediately before every pointer it hands back to a caller.
//
// This package implements the fixed-size ObjectHeader that every managed
// block carries: the allocator-rounded block size, the caller's requested
// size, whether the block has been freed (and is therefore parked in
// quarantine rather than released), and a sanity tag used to detect
// corruption of the metadata itself.
//
// # Key Features
//
//   - Fixed-size record placed immediately before the user pointer
//   - Sanity-magic validation to distinguish metadata corruption from a
//     legitimate invalid-free
//   - Free-flag used to detect double-free before the quarantine is touched
//
// # Usage
//
//	raw := arena.RawMalloc(size + header.Size)
//	h := header.At(raw)
//	h.Init(blockSize, requestedSize)
//	userPtr := unsafe.Add(raw, header.Size)
//	...
//	h := header.Of(userPtr)
//	if !h.IsValid() {
//	    // invalid free: metadata corrupted or pointer not ours
//	}
//
// # Thread Safety
//
// A Header is exclusively owned by the allocator metadata channel for the
// block it describes; it is never read or written concurrently by more than
// one caller at a time in this module's protocol (Malloc initializes it,
// Free mutates it once, the quarantine drain reads it once at commit).
package header

import (
	"unsafe"
)

// sanityMagic tags a live, well-formed Header. A Header whose Magic field
// does not equal sanityMagic signals corruption of the metadata itself —
// treated by the allocator front-end as an invalid-free, not an overflow.
const sanityMagic uint32 = 0x4548_4452 // "EHDR"

// Header is the fixed-size per-allocation record carried immediately before
// every pointer epochguard returns to a caller.
type Header struct {
	blockSize     uint64
	requestedSize uint64
	alignGap      uint32
	free          uint32
	magic         uint32
}

// Size is the number of bytes a Header occupies; callers reserve this many
// extra bytes before the pointer they will expose to the user.
const Size = int(unsafe.Sizeof(Header{}))

// At returns the Header that starts at raw. raw must be the base of a block
// at least Size bytes long.
func At(raw unsafe.Pointer) *Header {
	return (*Header)(raw)
}

// Of returns the Header immediately preceding the user pointer ptr.
func Of(ptr unsafe.Pointer) *Header {
	return (*Header)(unsafe.Add(ptr, -Size))
}

// UserPointer returns the caller-visible pointer for a block whose header
// starts at raw.
func UserPointer(raw unsafe.Pointer) unsafe.Pointer {
	return unsafe.Add(raw, Size)
}

// Init initializes a fresh Header for a newly allocated block. alignGap is
// zero for a plain Malloc block.
func (h *Header) Init(blockSize, requestedSize int) {
	h.blockSize = uint64(blockSize)
	h.requestedSize = uint64(requestedSize)
	h.alignGap = 0
	h.free = 0
	h.magic = sanityMagic
}

// SetAlignGap records the byte offset, from the block's base user pointer
// (UserPointer(raw)), at which Memalign rounded the caller-visible pointer
// forward to satisfy its alignment boundary. Zero for a plain Malloc block.
func (h *Header) SetAlignGap(n int) { h.alignGap = uint32(n) }

// AlignGap returns the offset set by SetAlignGap.
func (h *Header) AlignGap() int { return int(h.alignGap) }

// BlockSize returns the allocator-rounded size of the block.
func (h *Header) BlockSize() int { return int(h.blockSize) }

// RequestedSize returns the size the caller originally requested.
func (h *Header) RequestedSize() int { return int(h.requestedSize) }

// SetRequestedSize updates the requested size recorded in the header. Used
// by Realloc-style front ends that reuse a block in place.
func (h *Header) SetRequestedSize(n int) { h.requestedSize = uint64(n) }

// IsFree reports whether Free has been called on this block without a
// matching reallocation; a true value observed by a second Free call is a
// double-free.
func (h *Header) IsFree() bool { return h.free != 0 }

// SetFree marks the block as freed, pending quarantine release.
func (h *Header) SetFree() { h.free = 1 }

// clearFree is used by the quarantine drain when a block is returned to the
// raw allocator and its header slot may be reused.
func (h *Header) clearFree() { h.free = 0 }

// Reset clears a header fully, as done when a block is released back to the
// raw allocator at quarantine drain time.
func (h *Header) Reset() {
	h.clearFree()
	h.blockSize = 0
	h.requestedSize = 0
	h.alignGap = 0
	h.magic = 0
}

// IsValid reports whether the header's sanity tag is intact. false signals
// corruption of the metadata itself (or a pointer that was never a managed
// allocation) — the allocator front-end treats this as an invalid-free.
func (h *Header) IsValid() bool { return h.magic == sanityMagic }

// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

// Package btmalloc implements classical boundary-tag heap allocators on
// top of an sbrk-style backing region (see the mem sub-package).
//
// Two layout strategies are provided. Implicit walks the implicit list
// of all blocks with a linear first-fit scan. Segregated threads
// circular doubly-linked free lists through 16 size classes and
// searches them with first-fit over escalating classes.
//
// Both strategies share the block encoding: a block starts with a
// 4 byte header word and ends with a 4 byte footer word, each packing
// the block size (a multiple of 8) with the alloc bit, so the size can
// be read from either end and coalescing neighbors is O(1). Payload
// offsets handed out by either allocator are 16 byte aligned.
//
// The allocators address memory with byte offsets (type Off) into the
// backing region instead of raw pointers; offset 0 is never a valid
// payload and doubles as the null value.
package btmalloc

import (
	"encoding/binary"
	"errors"

	"golang.org/x/exp/constraints"

	"github.com/intuitivelabs/mallocs/btmalloc/mem"
)

const NAME = "btmalloc"

// Off is a byte offset into the backing region. Payload offsets
// returned by Malloc and friends are Offs; block offsets used
// internally are Offs as well.
type Off uint64

// NilOff is the null payload offset. Offset 0 falls into the initial
// alignment pad of both heap layouts and is never handed out.
const NilOff Off = 0

const (
	// WordSize is the size of a header/footer tag word.
	WordSize = 4
	// DWordSize is the double word unit of the block encoding.
	DWordSize = 2 * WordSize
	// Align is the payload alignment. Adjusted block sizes are rounded
	// to Align multiples so that every payload keeps the alignment.
	Align = 16
	// ChunkSize is the default heap extension unit.
	ChunkSize = 1 << 12

	allocMask = uint32(0x1)
	sizeMask  = ^uint32(0x7)
)

// maxRequest caps a single request so the adjusted block size always
// fits the 32 bit tag word.
const maxRequest = 1<<32 - 4*Align

// ErrOutOfMemory is returned when the backing region cannot supply the
// requested bytes.
var ErrOutOfMemory = errors.New(NAME + ": out of memory")

// ErrSizeOverflow is returned by Calloc when nmemb*size overflows.
var ErrSizeOverflow = errors.New(NAME + ": size overflow")

// errUnaligned is returned on init when the region break is not
// payload-aligned (the layout pads assume an aligned heap base).
var errUnaligned = errors.New(NAME + ": backing region break not aligned")

// heap is the state shared by both allocator variants: the backing
// region, the live buffer, the prologue anchor and the usage stats.
type heap struct {
	r   *mem.Region
	buf []byte // live region bytes, refreshed after every Sbrk

	start     Off // prologue block, anchor for heap walks
	dataStart Off // first payload offset ever handed out
	opts      Options
	used      MUsed
}

// roundUp rounds s up to the next multiple of n. n must be a power of
// two.
func roundUp[T constraints.Unsigned](s, n T) T {
	return (s + n - 1) &^ (n - 1)
}

// pack encodes a block size and its alloc status into a tag word.
// size must be a multiple of 8 and fit 32 bits.
func pack(size uint64, alloc bool) uint32 {
	w := uint32(size)
	if alloc {
		w |= allocMask
	}
	return w
}

func wordSizeOf(w uint32) uint64 { return uint64(w & sizeMask) }
func wordAlloc(w uint32) bool    { return w&allocMask != 0 }

func (h *heap) u32(off Off) uint32 {
	return binary.LittleEndian.Uint32(h.buf[off:])
}

func (h *heap) putU32(off Off, v uint32) {
	binary.LittleEndian.PutUint32(h.buf[off:], v)
}

func (h *heap) u64(off Off) uint64 {
	return binary.LittleEndian.Uint64(h.buf[off:])
}

func (h *heap) putU64(off Off, v uint64) {
	binary.LittleEndian.PutUint64(h.buf[off:], v)
}

// header returns the raw header word of the block at b.
func (h *heap) header(b Off) uint32 { return h.u32(b) }

// footer returns the raw footer word of the block at b, located in the
// last word of the block.
func (h *heap) footer(b Off) uint32 {
	return h.u32(b + Off(h.sizeOf(b)) - WordSize)
}

// sizeOf returns the total size of the block at b. Size 0 marks the
// epilogue sentinel.
func (h *heap) sizeOf(b Off) uint64 { return wordSizeOf(h.u32(b)) }

// isAlloc returns the alloc bit of the block at b.
func (h *heap) isAlloc(b Off) bool { return wordAlloc(h.u32(b)) }

// writeHeader stores the tag word at the start of the block.
func (h *heap) writeHeader(b Off, size uint64, alloc bool) {
	h.putU32(b, pack(size, alloc))
}

// writeFooter stores the tag word in the last word of the block. The
// size is passed explicitly so header and footer can be rewritten to a
// new size in either order.
func (h *heap) writeFooter(b Off, size uint64, alloc bool) {
	h.putU32(b+Off(size)-WordSize, pack(size, alloc))
}

// next returns the block immediately after b.
func (h *heap) next(b Off) Off { return b + Off(h.sizeOf(b)) }

// prevFooter returns the footer word of the block immediately before b.
func (h *heap) prevFooter(b Off) uint32 { return h.u32(b - WordSize) }

// prev returns the block immediately before b, derived from its
// boundary tag. Valid for any block after the prologue.
func (h *heap) prev(b Off) Off {
	return b - Off(wordSizeOf(h.prevFooter(b)))
}

// Owns reports whether p lies inside the allocator's payload range.
// Behaviour is undefined if p was already freed.
func (h *heap) Owns(p Off) bool {
	return p >= h.dataStart && p < Off(len(h.buf))
}

// HeapSize returns the current size of the backing heap in bytes.
func (h *heap) HeapSize() uint64 { return h.r.Size() }

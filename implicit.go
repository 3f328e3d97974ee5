// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

// Implicit free list allocator: every block, allocated or free, sits on
// the implicit list walked by stepping over block sizes. Allocation is
// a linear first-fit scan from the heap start to the epilogue.

import (
	"github.com/intuitivelabs/mallocs/btmalloc/mem"
)

const (
	// implPad aligns the first payload: with a 4 byte pad the payload
	// of the first real block lands on offset 16.
	implPad = WordSize
	// implPayloadOff is the payload offset inside a block (right after
	// the header).
	implPayloadOff = WordSize
	// implOverhead is header + footer.
	implOverhead = 2 * WordSize
	// implMinBlock is the minimum block size.
	implMinBlock = 2 * DWordSize
	// implInitSize is the bootstrap request: pad, prologue header,
	// prologue footer, epilogue header.
	implInitSize = 4 * WordSize
)

// Implicit is an implicit free list allocator over a backing region.
// It is not safe for concurrent use.
type Implicit struct {
	heap
}

// NewImplicit lays down the heap sentinels on r and extends the heap by
// the first chunk. The region break must be payload-aligned (a fresh
// region always is).
func NewImplicit(r *mem.Region, opts Options) (*Implicit, error) {
	a := &Implicit{heap: heap{r: r, opts: opts}}
	if err := a.init(); err != nil {
		return nil, err
	}
	return a, nil
}

// init lays down the initial heap:
//
//	base      base+4            base+8            base+12
//	| pad | prologue header | prologue footer | epilogue header |
//
// and extends it by ChunkSize.
func (a *Implicit) init() error {
	base, err := a.r.Sbrk(implInitSize)
	if err != nil {
		return err
	}
	a.buf = a.r.Bytes()
	if base%Align != 0 {
		return errUnaligned
	}
	pro := Off(base) + implPad
	a.writeHeader(pro, DWordSize, true)
	a.writeFooter(pro, DWordSize, true)
	a.writeHeader(pro+DWordSize, 0, true) // epilogue
	a.start = pro
	a.dataStart = pro + DWordSize + implPayloadOff
	a.addOverhead(implInitSize)
	if _, err = a.extendHeap(ChunkSize); err != nil {
		return err
	}
	return nil
}

// adjusted returns the block size for a request: payload plus boundary
// tags, rounded to the payload alignment. Always >= implMinBlock.
func (a *Implicit) adjusted(size uint64) uint64 {
	return roundUp(size+implOverhead, uint64(Align))
}

// extendHeap grows the heap by at least n bytes, reinterprets the old
// epilogue as the header of the new free block, rebuilds the epilogue
// and coalesces with the previous block.
func (a *Implicit) extendHeap(n uint64) (Off, error) {
	n = roundUp(n, uint64(Align))
	old, err := a.r.Sbrk(n)
	if err != nil {
		return NilOff, err
	}
	a.buf = a.r.Bytes()
	b := Off(old) - WordSize // the old epilogue header
	a.writeHeader(b, n, false)
	a.writeFooter(b, n, false)
	a.writeHeader(a.next(b), 0, true) // fresh epilogue
	return a.coalesce(b), nil
}

// coalesce fuses the free block at b with free neighbors on either
// side. The prologue and epilogue sentinels guarantee both neighbors
// exist and read as allocated at the heap edges.
func (a *Implicit) coalesce(b Off) Off {
	prev := a.prev(b)
	next := a.next(b)
	prevAlloc := a.isAlloc(prev)
	nextAlloc := a.isAlloc(next)
	size := a.sizeOf(b)

	switch {
	case prevAlloc && nextAlloc:
	case prevAlloc && !nextAlloc:
		size += a.sizeOf(next)
		a.writeHeader(b, size, false)
		a.writeFooter(b, size, false)
	case !prevAlloc && nextAlloc:
		size += a.sizeOf(prev)
		a.writeHeader(prev, size, false)
		a.writeFooter(prev, size, false)
		b = prev
	default:
		size += a.sizeOf(prev) + a.sizeOf(next)
		a.writeHeader(prev, size, false)
		a.writeFooter(prev, size, false)
		b = prev
	}
	return b
}

// findFit scans the implicit list from the heap start and returns the
// first free block of at least asize bytes, or NilOff.
func (a *Implicit) findFit(asize uint64) Off {
	for b := a.start; a.sizeOf(b) > 0; b = a.next(b) {
		if !a.isAlloc(b) && a.sizeOf(b) >= asize {
			return b
		}
	}
	return NilOff
}

// place marks the free block at b allocated with asize bytes, splitting
// off a trailing free remainder when it can hold a minimum block.
func (a *Implicit) place(b Off, asize uint64) {
	csize := a.sizeOf(b)
	if csize-asize >= implMinBlock {
		a.writeHeader(b, asize, true)
		a.writeFooter(b, asize, true)
		rem := b + Off(asize)
		a.writeHeader(rem, csize-asize, false)
		a.writeFooter(rem, csize-asize, false)
		a.addUsed(asize)
	} else {
		a.writeHeader(b, csize, true)
		a.writeFooter(b, csize, true)
		a.addUsed(csize)
	}
}

// Malloc allocates size bytes and returns the payload offset.
// A zero size returns NilOff with no error. On exhaustion of the
// backing region it returns ErrOutOfMemory.
func (a *Implicit) Malloc(size uint64) (Off, error) {
	if size == 0 {
		return NilOff, nil
	}
	if size > maxRequest {
		return NilOff, ErrOutOfMemory
	}
	asize := a.adjusted(size)
	b := a.findFit(asize)
	if b == NilOff {
		var err error
		b, err = a.extendHeap(max(asize, ChunkSize))
		if err != nil {
			return NilOff, ErrOutOfMemory
		}
	}
	a.place(b, asize)
	p := b + implPayloadOff
	if a.opts.Debug() {
		DBG("malloc(%d) -> %d (block %d, asize %d)\n", size, p, b, asize)
	}
	a.postCheck("malloc")
	return p, nil
}

// Free releases the payload at p. Freeing NilOff is a no-op; freeing an
// offset outside the heap or an already free block is a caller bug and
// panics.
func (a *Implicit) Free(p Off) {
	if p == NilOff {
		WARN("free(0) called\n")
		return
	}
	if !a.Owns(p) {
		PANIC("BUG: Free called with offset %d out of the heap range %d-%d\n",
			p, a.dataStart, a.r.HeapHi())
	}
	b := p - implPayloadOff
	if !a.isAlloc(b) {
		PANIC("BUG: attempt to free already freed offset %d\n", p)
	}
	size := a.sizeOf(b)
	a.writeHeader(b, size, false)
	a.writeFooter(b, size, false)
	a.coalesce(b)
	a.subUsed(size)
	if a.opts.Debug() {
		DBG("free(%d) released %d bytes\n", p, size)
	}
	a.postCheck("free")
}

// Realloc resizes the allocation at p to size bytes: it allocates a new
// block, copies the smaller of the old and new payload sizes and frees
// the old block. A nil p behaves like Malloc, a zero size like Free.
// On failure the original block is left untouched.
func (a *Implicit) Realloc(p Off, size uint64) (Off, error) {
	if p == NilOff {
		return a.Malloc(size)
	}
	if size == 0 {
		a.Free(p)
		return NilOff, nil
	}
	if !a.Owns(p) {
		PANIC("BUG: Realloc called with offset %d out of the heap range %d-%d\n",
			p, a.dataStart, a.r.HeapHi())
	}
	b := p - implPayloadOff
	if !a.isAlloc(b) {
		PANIC("BUG: attempt to realloc already freed offset %d\n", p)
	}
	np, err := a.Malloc(size)
	if err != nil {
		return NilOff, err
	}
	n := min(a.sizeOf(b)-implOverhead, size)
	copy(a.buf[np:np+Off(n)], a.buf[p:p+Off(n)])
	a.Free(p)
	return np, nil
}

// Calloc allocates nmemb*size bytes and zeroes the payload. It returns
// ErrSizeOverflow when the product overflows.
func (a *Implicit) Calloc(nmemb, size uint64) (Off, error) {
	total := nmemb * size
	if nmemb != 0 && total/nmemb != size {
		return NilOff, ErrSizeOverflow
	}
	p, err := a.Malloc(total)
	if err != nil || p == NilOff {
		return p, err
	}
	clear(a.Payload(p))
	return p, nil
}

// Payload returns the payload bytes backing the allocation at p, or nil
// for NilOff / foreign offsets. The slice covers the full block payload
// area, which may exceed the requested size.
func (a *Implicit) Payload(p Off) []byte {
	if p == NilOff || !a.Owns(p) {
		return nil
	}
	b := p - implPayloadOff
	return a.buf[p : b+Off(a.sizeOf(b))-WordSize]
}

func (a *Implicit) postCheck(op string) {
	if a.opts.Checks() && !a.CheckHeap() {
		a.dumpStatus()
		BUG("heap check failed after %s\n", op)
	}
}

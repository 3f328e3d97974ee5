// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

// Segregated fits allocator: the boundary-tag discipline of the
// implicit variant plus per-size-class circular free lists with LIFO
// insertion. Free blocks reuse their payload area for the two list
// offsets.

import (
	"github.com/intuitivelabs/mallocs/btmalloc/mem"
)

const (
	// segPad keeps block starts at 8 mod 16 so payloads land on 16
	// byte boundaries.
	segPad = 8
	// segPayloadOff is the payload offset inside a block: header plus
	// one pad word.
	segPayloadOff = 2 * WordSize
	// segOverhead is header + pad word + footer.
	segOverhead = 3 * WordSize
	// segPtrSize is the size of a stored list offset.
	segPtrSize = 8
	// segMinBlock must hold header, pad, both list offsets and the
	// footer of a free block.
	segMinBlock = 2*WordSize + 2*segPtrSize + 2*WordSize
	// segHeadSize is the size of one class head record (block-shaped).
	segHeadSize = segMinBlock
	// segPrologue is the prologue block size.
	segPrologue = segMinBlock
	// segEpilogue is the epilogue area: header word plus one slack
	// word, so block starts keep their alignment residue.
	segEpilogue = 2 * WordSize
	// segInitSize is the bootstrap request: pad, class heads,
	// prologue, epilogue.
	segInitSize = segPad + SizeClasses*segHeadSize + segPrologue + segEpilogue
)

// Segregated is a segregated fits allocator over a backing region.
// It is not safe for concurrent use.
type Segregated struct {
	heap
	heads  Off // first class head record
	counts [SizeClasses]uint64
}

// NewSegregated lays down the class heads and heap sentinels on r and
// extends the heap by the first chunk. The region break must be
// payload-aligned (a fresh region always is).
func NewSegregated(r *mem.Region, opts Options) (*Segregated, error) {
	s := &Segregated{heap: heap{r: r, opts: opts}}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

// init lays down the initial heap:
//
//	base   +8           +8+16*32      ...+32       ...+4
//	| pad | class heads | prologue | epilogue hdr | slack |
//
// Every class head is a block-shaped record, marked allocated and
// linked to itself, so list splicing needs no empty-list special case.
func (s *Segregated) init() error {
	base, err := s.r.Sbrk(segInitSize)
	if err != nil {
		return err
	}
	s.buf = s.r.Bytes()
	if base%Align != 0 {
		return errUnaligned
	}
	s.heads = Off(base) + segPad
	for i := 0; i < SizeClasses; i++ {
		h := s.head(i)
		s.writeHeader(h, segHeadSize, true)
		s.writeFooter(h, segHeadSize, true)
		s.setPred(h, h)
		s.setSucc(h, h)
	}
	pro := s.heads + SizeClasses*segHeadSize
	s.writeHeader(pro, segPrologue, true)
	s.writeFooter(pro, segPrologue, true)
	s.writeHeader(pro+segPrologue, 0, true) // epilogue
	s.start = pro
	s.dataStart = pro + segPrologue + segPayloadOff
	s.addOverhead(segInitSize)
	if _, err = s.extendHeap(ChunkSize); err != nil {
		return err
	}
	return nil
}

// adjusted returns the block size for a request: payload plus header,
// pad and footer, rounded to the payload alignment, never below the
// minimum block size.
func (s *Segregated) adjusted(size uint64) uint64 {
	return max(roundUp(size+segOverhead, uint64(Align)), segMinBlock)
}

// extendHeap grows the heap by at least n bytes, reinterprets the old
// epilogue as the header of the new free block, rebuilds the epilogue
// and coalesces with the previous block. The coalesced block ends up
// in its class list.
func (s *Segregated) extendHeap(n uint64) (Off, error) {
	n = roundUp(n, uint64(Align))
	old, err := s.r.Sbrk(n)
	if err != nil {
		return NilOff, err
	}
	s.buf = s.r.Bytes()
	b := Off(old) - segEpilogue // the old epilogue header
	s.writeHeader(b, n, false)
	s.writeFooter(b, n, false)
	s.writeHeader(s.next(b), 0, true) // fresh epilogue
	return s.coalesce(b), nil
}

// coalesce fuses the free block at b with free neighbors on either
// side, unsplicing absorbed neighbors from their class lists first
// (while their headers still carry the old sizes), and inserts the
// result into the class list of its new size.
func (s *Segregated) coalesce(b Off) Off {
	prev := s.prev(b)
	next := s.next(b)
	prevAlloc := s.isAlloc(prev)
	nextAlloc := s.isAlloc(next)
	size := s.sizeOf(b)

	switch {
	case prevAlloc && nextAlloc:
	case prevAlloc && !nextAlloc:
		size += s.sizeOf(next)
		s.removeFree(next)
		s.writeHeader(b, size, false)
		s.writeFooter(b, size, false)
	case !prevAlloc && nextAlloc:
		size += s.sizeOf(prev)
		s.removeFree(prev)
		s.writeHeader(prev, size, false)
		s.writeFooter(prev, size, false)
		b = prev
	default:
		size += s.sizeOf(prev) + s.sizeOf(next)
		s.removeFree(prev)
		s.removeFree(next)
		s.writeHeader(prev, size, false)
		s.writeFooter(prev, size, false)
		b = prev
	}
	s.insertFree(b)
	return b
}

// place unsplices the free block at b and marks asize bytes of it
// allocated, splitting off a trailing free remainder when it can hold
// a minimum block. The remainder joins the list of its own class.
func (s *Segregated) place(b Off, asize uint64) {
	csize := s.sizeOf(b)
	s.removeFree(b)
	if csize-asize >= segMinBlock {
		s.writeHeader(b, asize, true)
		s.writeFooter(b, asize, true)
		rem := b + Off(asize)
		s.writeHeader(rem, csize-asize, false)
		s.writeFooter(rem, csize-asize, false)
		s.insertFree(rem)
		s.addUsed(asize)
	} else {
		s.writeHeader(b, csize, true)
		s.writeFooter(b, csize, true)
		s.addUsed(csize)
	}
}

// Malloc allocates size bytes and returns the payload offset.
// A zero size returns NilOff with no error. On exhaustion of the
// backing region it returns ErrOutOfMemory.
func (s *Segregated) Malloc(size uint64) (Off, error) {
	if size == 0 {
		return NilOff, nil
	}
	if size > maxRequest {
		return NilOff, ErrOutOfMemory
	}
	asize := s.adjusted(size)
	b := s.findFit(asize)
	if b == NilOff {
		var err error
		b, err = s.extendHeap(max(asize, ChunkSize))
		if err != nil {
			return NilOff, ErrOutOfMemory
		}
	}
	s.place(b, asize)
	p := b + segPayloadOff
	if s.opts.Debug() {
		DBG("malloc(%d) -> %d (block %d, asize %d, class %d)\n",
			size, p, b, asize, classIdx(asize))
	}
	s.postCheck("malloc")
	return p, nil
}

// Free releases the payload at p: the block is marked free, coalesced
// with free neighbors and inserted into the class list of the result.
// Freeing NilOff is a no-op; freeing an offset outside the heap or an
// already free block is a caller bug and panics.
func (s *Segregated) Free(p Off) {
	if p == NilOff {
		WARN("free(0) called\n")
		return
	}
	if !s.Owns(p) {
		PANIC("BUG: Free called with offset %d out of the heap range %d-%d\n",
			p, s.dataStart, s.r.HeapHi())
	}
	b := p - segPayloadOff
	if !s.isAlloc(b) {
		PANIC("BUG: attempt to free already freed offset %d\n", p)
	}
	size := s.sizeOf(b)
	s.writeHeader(b, size, false)
	s.writeFooter(b, size, false)
	s.coalesce(b)
	s.subUsed(size)
	if s.opts.Debug() {
		DBG("free(%d) released %d bytes\n", p, size)
	}
	s.postCheck("free")
}

// Realloc resizes the allocation at p to size bytes. When the current
// block already satisfies the adjusted size the same offset is
// returned, with the unused tail split off, coalesced and returned to
// its free list. Otherwise a new block is allocated, the payload
// copied and the old block freed; on failure the original block is
// left untouched. A nil p behaves like Malloc, a zero size like Free.
func (s *Segregated) Realloc(p Off, size uint64) (Off, error) {
	if p == NilOff {
		return s.Malloc(size)
	}
	if size == 0 {
		s.Free(p)
		return NilOff, nil
	}
	if !s.Owns(p) {
		PANIC("BUG: Realloc called with offset %d out of the heap range %d-%d\n",
			p, s.dataStart, s.r.HeapHi())
	}
	b := p - segPayloadOff
	if !s.isAlloc(b) {
		PANIC("BUG: attempt to realloc already freed offset %d\n", p)
	}
	if size > maxRequest {
		return NilOff, ErrOutOfMemory
	}
	oldSize := s.sizeOf(b)
	asize := s.adjusted(size)
	if oldSize >= asize {
		// in-place shrink: split off the tail when it can hold a
		// minimum block and hand it to the coalescer
		if oldSize-asize >= segMinBlock {
			s.writeHeader(b, asize, true)
			s.writeFooter(b, asize, true)
			rem := b + Off(asize)
			s.writeHeader(rem, oldSize-asize, false)
			s.writeFooter(rem, oldSize-asize, false)
			s.coalesce(rem)
			s.subUsed(oldSize - asize)
		}
		if s.opts.Debug() {
			DBG("realloc(%d, %d) in place (block %d)\n", p, size, b)
		}
		s.postCheck("realloc")
		return p, nil
	}
	np, err := s.Malloc(size)
	if err != nil {
		return NilOff, err
	}
	n := min(oldSize-segOverhead, size)
	copy(s.buf[np:np+Off(n)], s.buf[p:p+Off(n)])
	s.Free(p)
	return np, nil
}

// Calloc allocates nmemb*size bytes and zeroes the payload. It returns
// ErrSizeOverflow when the product overflows.
func (s *Segregated) Calloc(nmemb, size uint64) (Off, error) {
	total := nmemb * size
	if nmemb != 0 && total/nmemb != size {
		return NilOff, ErrSizeOverflow
	}
	p, err := s.Malloc(total)
	if err != nil || p == NilOff {
		return p, err
	}
	clear(s.Payload(p))
	return p, nil
}

// Payload returns the payload bytes backing the allocation at p, or nil
// for NilOff / foreign offsets. The slice covers the full block payload
// area, which may exceed the requested size.
func (s *Segregated) Payload(p Off) []byte {
	if p == NilOff || !s.Owns(p) {
		return nil
	}
	b := p - segPayloadOff
	return s.buf[p : b+Off(s.sizeOf(b))-WordSize]
}

func (s *Segregated) postCheck(op string) {
	if s.opts.Checks() && !s.CheckHeap() {
		s.dumpStatus()
		BUG("heap check failed after %s\n", op)
	}
}

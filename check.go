// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

// Heap checkers and log-based status dumps. The checkers verify the
// boundary-tag invariants (header == footer, payload alignment, no
// adjacent free blocks, block byte accounting) and, for the segregated
// variant, the free list discipline: every free block on exactly one
// well-formed circular list, in the class matching its size.

import (
	"github.com/intuitivelabs/slog"
)

// CheckHeap walks the heap and verifies every block invariant.
// On the first violation it logs a BUG and returns false.
func (a *Implicit) CheckHeap() bool {
	if a.buf == nil {
		ERR("check: uninitialized heap\n")
		return false
	}
	hsize := a.r.Size()
	var sum uint64
	b := a.start
	for {
		size := a.sizeOf(b)
		if size == 0 {
			break
		}
		if !a.checkBlock(b) {
			return false
		}
		if b != a.start && uint64(b+implPayloadOff)%Align != 0 {
			BUG("check: misaligned payload %d for block %d\n",
				b+implPayloadOff, b)
			return false
		}
		if !a.isAlloc(b) && !a.isAlloc(a.next(b)) {
			BUG("check: adjacent free blocks at %d and %d\n", b, a.next(b))
			return false
		}
		sum += size
		b = a.next(b)
		if uint64(b) >= hsize {
			BUG("check: block walk ran past the heap end at %d\n", b)
			return false
		}
	}
	if uint64(b) != hsize-WordSize || !a.isAlloc(b) {
		BUG("check: bad epilogue at %d (heap size %d)\n", b, hsize)
		return false
	}
	if sum != hsize-implPad-WordSize {
		BUG("check: block bytes %d != heap size %d - overhead %d\n",
			sum, hsize, implPad+WordSize)
		return false
	}
	return true
}

// checkBlock verifies the boundary tag of one block: the size must be
// a double word multiple and header and footer must match bit for bit.
func (h *heap) checkBlock(b Off) bool {
	hdr := h.header(b)
	size := wordSizeOf(hdr)
	if size%DWordSize != 0 {
		BUG("check: block %d size %d not a double word multiple\n", b, size)
		return false
	}
	if ftr := h.footer(b); hdr != ftr {
		BUG("check: block %d header (0x%08x) != footer (0x%08x)\n",
			b, hdr, ftr)
		return false
	}
	return true
}

// CheckHeap walks the heap and the class lists and verifies every
// block and free list invariant. On the first violation it logs a BUG
// and returns false.
func (s *Segregated) CheckHeap() bool {
	if s.buf == nil {
		ERR("check: uninitialized heap\n")
		return false
	}
	hsize := s.r.Size()
	for i := 0; i < SizeClasses; i++ {
		h := s.head(i)
		if s.sizeOf(h) != segHeadSize || !s.isAlloc(h) {
			BUG("check: corrupted class head %d (class %d)\n", h, i)
			return false
		}
	}
	var sum uint64
	var freeBlocks uint64
	b := s.start
	for {
		size := s.sizeOf(b)
		if size == 0 {
			break
		}
		if !s.checkBlock(b) {
			return false
		}
		if uint64(b+segPayloadOff)%Align != 0 {
			BUG("check: misaligned payload %d for block %d\n",
				b+segPayloadOff, b)
			return false
		}
		if !s.isAlloc(b) {
			freeBlocks++
			if !s.isAlloc(s.next(b)) {
				BUG("check: adjacent free blocks at %d and %d\n",
					b, s.next(b))
				return false
			}
		}
		sum += size
		b = s.next(b)
		if uint64(b) >= hsize {
			BUG("check: block walk ran past the heap end at %d\n", b)
			return false
		}
	}
	if uint64(b) != hsize-segEpilogue || !s.isAlloc(b) {
		BUG("check: bad epilogue at %d (heap size %d)\n", b, hsize)
		return false
	}
	if sum != hsize-segInitSize+segPrologue {
		BUG("check: block bytes %d != heap size %d - overhead %d\n",
			sum, hsize, segInitSize-segPrologue)
		return false
	}
	// free list discipline
	var listed uint64
	for i := 0; i < SizeClasses; i++ {
		h := s.head(i)
		var cnt uint64
		for f := s.succOf(h); f != h; f = s.succOf(f) {
			if f <= s.start || uint64(f) >= hsize {
				BUG("check: class %d links out of range block %d\n", i, f)
				return false
			}
			if s.isAlloc(f) {
				BUG("check: allocated block %d on class %d list\n", f, i)
				return false
			}
			if classIdx(s.sizeOf(f)) != i {
				BUG("check: block %d (size %d) on class %d, wants %d\n",
					f, s.sizeOf(f), i, classIdx(s.sizeOf(f)))
				return false
			}
			if s.succOf(s.predOf(f)) != f || s.predOf(s.succOf(f)) != f {
				BUG("check: broken list splice around block %d\n", f)
				return false
			}
			cnt++
			if cnt > freeBlocks {
				BUG("check: class %d list does not terminate\n", i)
				return false
			}
		}
		if cnt != s.counts[i] {
			BUG("check: class %d holds %d blocks, counter says %d\n",
				i, cnt, s.counts[i])
			return false
		}
		listed += cnt
	}
	if listed != freeBlocks {
		BUG("check: %d free blocks on the heap, %d on the lists\n",
			freeBlocks, listed)
		return false
	}
	return true
}

// dumpStatus writes the current heap status to the log: usage summary,
// all allocated blocks and the per-class fragment counts.
func (s *Segregated) dumpStatus() {
	const lev = slog.LDBG
	const prefix = "seg_status "

	if !Log.L(lev) {
		return
	}
	Log.LLog(lev, 0, prefix, "heap size= %d\n", s.r.Size())
	Log.LLog(lev, 0, prefix, "used= %d, used+overhead=%d, free=%d\n",
		s.used.Used, s.used.RealUsed, s.Available())
	Log.LLog(lev, 0, prefix, "max used (+overhead)= %d\n",
		s.used.MaxRealUsed)
	if s.opts.DumpShort() {
		return
	}
	Log.LLog(lev, 0, prefix, "dumping all alloc'ed blocks:\n")
	i := 0
	for b := s.start; s.sizeOf(b) > 0; b = s.next(b) {
		if s.isAlloc(b) {
			Log.LLog(lev, 0, prefix,
				"   %3d.    payload=%d block=%d size=%d\n",
				i, b+segPayloadOff, b, s.sizeOf(b))
		}
		i++
	}
	Log.LLog(lev, 0, prefix, "dumping free list stats:\n")
	for c := 0; c < SizeClasses; c++ {
		h := s.head(c)
		var n uint64
		for f := s.succOf(h); f != h; f = s.succOf(f) {
			n++
		}
		if n != 0 {
			Log.LLog(lev, 0, prefix,
				"class= %3d. blocks no.: %5d (first size %d)\n",
				c, n, s.sizeOf(s.succOf(h)))
		}
		if n != s.counts[c] {
			BUG("seg_status: different free block count: %d != %d"+
				" for class %3d\n", n, s.counts[c], c)
		}
	}
	Log.LLog(lev, 0, prefix, "-----------------------------\n")
}

// dumpStatus writes the current heap status to the log: usage summary
// and every block on the implicit list.
func (a *Implicit) dumpStatus() {
	const lev = slog.LDBG
	const prefix = "impl_status "

	if !Log.L(lev) {
		return
	}
	Log.LLog(lev, 0, prefix, "heap size= %d\n", a.r.Size())
	Log.LLog(lev, 0, prefix, "used= %d, used+overhead=%d, free=%d\n",
		a.used.Used, a.used.RealUsed, a.Available())
	if a.opts.DumpShort() {
		return
	}
	i := 0
	for b := a.start; a.sizeOf(b) > 0; b = a.next(b) {
		st := "free"
		if a.isAlloc(b) {
			st = "alloc"
		}
		Log.LLog(lev, 0, prefix, "   %3d.    block=%d size=%d %s\n",
			i, b, a.sizeOf(b), st)
		i++
	}
	Log.LLog(lev, 0, prefix, "-----------------------------\n")
}

// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

// Size class free lists: one circular doubly-linked list per class,
// threaded through the payload area of free blocks. The class heads
// are block-shaped records at the very start of the heap; a head whose
// class is empty links to itself.

import (
	"math/bits"
)

// SizeClasses is the number of segregated size classes.
const SizeClasses = 16

// classIdx maps a block size to its class: class i holds sizes in
// (2^(i+4), 2^(i+5)] for i in 0..14, class 15 is the open tail. An
// exact power of two belongs to the lower class.
func classIdx(size uint64) int {
	n := bits.Len64(size)
	if size == 1<<uint(n-1) {
		n--
	}
	switch {
	case n <= 5:
		return 0
	case n >= 20:
		return SizeClasses - 1
	}
	return n - 5
}

// head returns the class head record for class i.
func (s *Segregated) head(i int) Off {
	return s.heads + Off(i*segHeadSize)
}

// predOf returns the list predecessor of the free block at b.
func (s *Segregated) predOf(b Off) Off {
	return Off(s.u64(b + segPayloadOff))
}

// succOf returns the list successor of the free block at b.
func (s *Segregated) succOf(b Off) Off {
	return Off(s.u64(b + segPayloadOff + segPtrSize))
}

func (s *Segregated) setPred(b, p Off) {
	s.putU64(b+segPayloadOff, uint64(p))
}

func (s *Segregated) setSucc(b, n Off) {
	s.putU64(b+segPayloadOff+segPtrSize, uint64(n))
}

// insertFree splices the free block at b at the front of its class
// list (LIFO: the most recently freed block is served first).
func (s *Segregated) insertFree(b Off) {
	i := classIdx(s.sizeOf(b))
	h := s.head(i)
	nxt := s.succOf(h)
	s.setPred(b, h)
	s.setSucc(b, nxt)
	s.setSucc(h, b)
	s.setPred(nxt, b)
	s.counts[i]++
}

// removeFree unsplices the free block at b from its class list. The
// block's header must still carry the size it was inserted with.
func (s *Segregated) removeFree(b Off) {
	i := classIdx(s.sizeOf(b))
	prev := s.predOf(b)
	next := s.succOf(b)
	s.setSucc(prev, next)
	s.setPred(next, prev)
	s.counts[i]--
}

// findFit returns the first free block of at least asize bytes,
// searching the class of asize first and escalating through the larger
// classes. Returns NilOff when no class yields a fit.
func (s *Segregated) findFit(asize uint64) Off {
	for i := classIdx(asize); i < SizeClasses; i++ {
		h := s.head(i)
		for b := s.succOf(h); b != h; b = s.succOf(b) {
			if s.sizeOf(b) >= asize {
				return b
			}
		}
	}
	return NilOff
}

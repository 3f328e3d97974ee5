// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

// MUsed contains the memory usage statistics of an allocator.
type MUsed struct {
	Used        uint64 // bytes held by allocated blocks, boundary tags included
	RealUsed    uint64 // Used + heap structure overhead (pads, sentinels, class heads)
	MaxRealUsed uint64
}

// addUsed increases the "used" stats with the size of a placed block.
func (h *heap) addUsed(size uint64) {
	h.used.Used += size
	h.used.RealUsed += size
	if h.used.MaxRealUsed < h.used.RealUsed {
		h.used.MaxRealUsed = h.used.RealUsed
	}
}

// subUsed subtracts the size of a freed (or trimmed) block.
func (h *heap) subUsed(size uint64) {
	h.used.Used -= size
	h.used.RealUsed -= size
}

// addOverhead adds fixed heap structure overhead to the bookkeeping.
func (h *heap) addOverhead(n uint64) {
	h.used.RealUsed += n
	if h.used.MaxRealUsed < h.used.RealUsed {
		h.used.MaxRealUsed = h.used.RealUsed
	}
}

// MUsage returns the current memory usage values.
func (h *heap) MUsage() MUsed {
	return h.used
}

// Available returns an upper bound on the bytes still available for
// allocation: the region reservation minus everything in use.
func (h *heap) Available() uint64 {
	return h.r.Cap() - h.used.RealUsed
}

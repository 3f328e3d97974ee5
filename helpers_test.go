// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

import (
	"testing"

	"github.com/intuitivelabs/mallocs/btmalloc/mem"
)

type blockInfo struct {
	off   Off
	size  uint64
	alloc bool
}

// blocksOf walks the implicit block list between the prologue and the
// epilogue (prologue excluded) and returns what it finds.
func blocksOf(h *heap) []blockInfo {
	var out []blockInfo
	b := h.next(h.start)
	for h.sizeOf(b) > 0 {
		out = append(out, blockInfo{b, h.sizeOf(b), h.isAlloc(b)})
		b = h.next(b)
	}
	return out
}

func freeBlocksOf(h *heap) []blockInfo {
	var out []blockInfo
	for _, bi := range blocksOf(h) {
		if !bi.alloc {
			out = append(out, bi)
		}
	}
	return out
}

func newSegregated(t *testing.T, regionSize uint64) *Segregated {
	t.Helper()
	r, err := mem.New(regionSize)
	if err != nil {
		t.Fatalf("region: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	s, err := NewSegregated(r, ODefaultOptions)
	if err != nil {
		t.Fatalf("NewSegregated: %v", err)
	}
	return s
}

func newImplicit(t *testing.T, regionSize uint64) *Implicit {
	t.Helper()
	r, err := mem.New(regionSize)
	if err != nil {
		t.Fatalf("region: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	a, err := NewImplicit(r, ODefaultOptions)
	if err != nil {
		t.Fatalf("NewImplicit: %v", err)
	}
	return a
}

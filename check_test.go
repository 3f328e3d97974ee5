// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckHeapDetectsTagMismatch(t *testing.T) {
	assert := assert.New(t)

	s := newSegregated(t, 1<<20)
	p, _ := s.Malloc(64)
	assert.True(s.CheckHeap())

	// clobber the header of the allocated block
	b := p - segPayloadOff
	s.putU32(b, pack(s.sizeOf(b)+8, true))
	assert.False(s.CheckHeap())
}

func TestCheckHeapDetectsOverflow(t *testing.T) {
	assert := assert.New(t)

	s := newSegregated(t, 1<<20)
	p, _ := s.Malloc(64)

	// a write past the payload end tramples the footer
	b := p - segPayloadOff
	s.putU32(b+Off(s.sizeOf(b))-WordSize, 0xdeadbeef)
	assert.False(s.CheckHeap())
}

func TestCheckHeapDetectsListCorruption(t *testing.T) {
	assert := assert.New(t)

	s := newSegregated(t, 1<<20)
	a, _ := s.Malloc(100)
	pin, _ := s.Malloc(100)
	_ = pin
	s.Free(a)
	assert.True(s.CheckHeap())

	// break the circle: the free block's succ no longer points back
	b := a - segPayloadOff
	s.setSucc(b, b+1)
	assert.False(s.CheckHeap())
}

func TestCheckHeapDetectsCounterDrift(t *testing.T) {
	assert := assert.New(t)

	s := newSegregated(t, 1<<20)
	a, _ := s.Malloc(100)
	pin, _ := s.Malloc(100)
	_ = pin
	s.Free(a)
	assert.True(s.CheckHeap())

	s.counts[classIdx(s.sizeOf(a-segPayloadOff))]++
	assert.False(s.CheckHeap())
}

func TestCheckHeapImplicitDetectsTagMismatch(t *testing.T) {
	assert := assert.New(t)

	a := newImplicit(t, 1<<20)
	p, _ := a.Malloc(64)
	assert.True(a.CheckHeap())

	b := p - implPayloadOff
	a.putU32(b+Off(a.sizeOf(b))-WordSize, pack(a.sizeOf(b), false))
	assert.False(a.CheckHeap())
}

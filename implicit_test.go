// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestImplicitInit(t *testing.T) {
	assert := assert.New(t)

	a := newImplicit(t, 1<<20)
	assert.True(a.CheckHeap())
	assert.Equal(uint64(implInitSize+ChunkSize), a.HeapSize())

	free := freeBlocksOf(&a.heap)
	if assert.Len(free, 1) {
		assert.Equal(uint64(ChunkSize), free[0].size)
	}
}

func TestImplicitMallocAligned(t *testing.T) {
	assert := assert.New(t)

	a := newImplicit(t, 1<<20)
	p, err := a.Malloc(24)
	assert.NoError(err)
	assert.NotEqual(NilOff, p)
	assert.Zero(uint64(p) % Align)
	assert.GreaterOrEqual(uint64(len(a.Payload(p))), uint64(24))

	a.Free(p)
	assert.True(a.CheckHeap())
	assert.Zero(a.MUsage().Used)
	assert.Len(freeBlocksOf(&a.heap), 1)
}

func TestImplicitFirstFit(t *testing.T) {
	assert := assert.New(t)

	a := newImplicit(t, 1<<20)
	p1, _ := a.Malloc(100)
	p2, _ := a.Malloc(100)
	pin, _ := a.Malloc(100)
	defer a.Free(pin)
	a.Free(p1)
	a.Free(p2) // fuses with p1's block

	// first-fit serves the lowest free block
	q, err := a.Malloc(100)
	assert.NoError(err)
	assert.Equal(p1, q)
	a.Free(q)
}

func TestImplicitCoalesceAllCases(t *testing.T) {
	assert := assert.New(t)

	a := newImplicit(t, 1<<20)
	x, _ := a.Malloc(100)
	y, _ := a.Malloc(100)
	z, _ := a.Malloc(100)

	a.Free(y) // case 1
	assert.True(a.CheckHeap())
	a.Free(x) // case 2: next free
	assert.True(a.CheckHeap())
	a.Free(z) // case 4: both free
	assert.True(a.CheckHeap())

	free := freeBlocksOf(&a.heap)
	if assert.Len(free, 1) {
		assert.Equal(uint64(ChunkSize), free[0].size)
	}
}

func TestImplicitCoalescePrevOnly(t *testing.T) {
	assert := assert.New(t)

	a := newImplicit(t, 1<<20)
	x, _ := a.Malloc(100)
	y, _ := a.Malloc(100)
	pin, _ := a.Malloc(100)
	defer a.Free(pin)

	a.Free(x)
	a.Free(y) // case 3: prev free, next allocated
	assert.True(a.CheckHeap())
	free := freeBlocksOf(&a.heap)
	if assert.Len(free, 2) {
		assert.Equal(x-implPayloadOff, free[0].off)
	}
}

func TestImplicitRealloc(t *testing.T) {
	assert := assert.New(t)

	a := newImplicit(t, 1<<20)
	p, err := a.Malloc(64)
	assert.NoError(err)
	pay := a.Payload(p)
	for i := 0; i < 64; i++ {
		pay[i] = byte(i)
	}

	q, err := a.Realloc(p, 256)
	assert.NoError(err)
	assert.NotEqual(NilOff, q)
	for i := 0; i < 64; i++ {
		assert.Equal(byte(i), a.Payload(q)[i])
	}
	assert.True(a.CheckHeap())

	// nil offset behaves like malloc, zero size like free
	r, err := a.Realloc(NilOff, 32)
	assert.NoError(err)
	assert.NotEqual(NilOff, r)
	r2, err := a.Realloc(r, 0)
	assert.NoError(err)
	assert.Equal(NilOff, r2)

	a.Free(q)
	assert.Zero(a.MUsage().Used)
}

func TestImplicitCalloc(t *testing.T) {
	assert := assert.New(t)

	a := newImplicit(t, 1<<20)
	p, _ := a.Malloc(1024)
	pay := a.Payload(p)
	for i := range pay {
		pay[i] = 0xaa
	}
	a.Free(p)

	q, err := a.Calloc(8, 128)
	assert.NoError(err)
	for _, v := range a.Payload(q)[:1024] {
		if v != 0 {
			t.Fatal("calloc'ed payload not zeroed")
		}
	}
	a.Free(q)

	_, err = a.Calloc(math.MaxUint64, 2)
	assert.ErrorIs(err, ErrSizeOverflow)
}

func TestImplicitBoundarySizes(t *testing.T) {
	assert := assert.New(t)

	a := newImplicit(t, 1<<20)
	sizes := []uint64{1, 7, 8, 9, 15, 16, 17,
		ChunkSize - 1, ChunkSize, ChunkSize + 1}
	offs := make([]Off, 0, len(sizes))
	for _, size := range sizes {
		p, err := a.Malloc(size)
		assert.NoError(err)
		assert.Zero(uint64(p)%Align, "size %d", size)
		assert.True(a.CheckHeap(), "after malloc(%d)", size)
		offs = append(offs, p)
	}
	order := []int{4, 8, 0, 6, 2, 9, 1, 5, 7, 3}
	for _, i := range order {
		a.Free(offs[i])
		assert.True(a.CheckHeap())
	}
	assert.Zero(a.MUsage().Used)
	assert.Len(freeBlocksOf(&a.heap), 1)
}

func TestImplicitExhaustion(t *testing.T) {
	assert := assert.New(t)

	a := newImplicit(t, 16<<10)
	var live []Off
	for i := 0; i < 1000; i++ {
		p, err := a.Malloc(1024)
		if err != nil {
			assert.ErrorIs(err, ErrOutOfMemory)
			break
		}
		live = append(live, p)
	}
	assert.NotEmpty(live)
	for _, p := range live {
		a.Free(p)
	}
	assert.True(a.CheckHeap())
	assert.Len(freeBlocksOf(&a.heap), 1)
}

func TestImplicitZeroAndNil(t *testing.T) {
	assert := assert.New(t)

	a := newImplicit(t, 1<<20)
	p, err := a.Malloc(0)
	assert.NoError(err)
	assert.Equal(NilOff, p)
	a.Free(NilOff)
	assert.True(a.CheckHeap())

	q, _ := a.Malloc(64)
	a.Free(q)
	assert.Panics(func() { a.Free(q) })
}

func TestImplicitRandomWorkload(t *testing.T) {
	assert := assert.New(t)

	a := newImplicit(t, 1<<20)
	rnd := rand.New(rand.NewSource(7))
	var live []Off

	for i := 0; i < 5000; i++ {
		switch {
		case i%2 == 0:
			p, err := a.Malloc(uint64(rnd.Intn(2048) + 1))
			if err != nil {
				for j := 0; j < 16 && len(live) > 0; j++ {
					k := rnd.Intn(len(live))
					a.Free(live[k])
					live = append(live[:k], live[k+1:]...)
				}
				continue
			}
			live = append(live, p)
		case len(live) > 0 && i%5 == 0:
			k := rnd.Intn(len(live))
			a.Free(live[k])
			live = append(live[:k], live[k+1:]...)
		}
		if i%250 == 0 {
			assert.True(a.CheckHeap(), "op %d", i)
		}
	}
	for _, p := range live {
		a.Free(p)
	}
	assert.True(a.CheckHeap())
	assert.Zero(a.MUsage().Used)
	assert.Len(freeBlocksOf(&a.heap), 1)
}

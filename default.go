// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

// Package-level allocation API over a lazily initialized Segregated
// allocator, for callers that want classical malloc/free semantics
// without managing an allocator value.

import (
	"sync"

	"github.com/intuitivelabs/mallocs/btmalloc/mem"
)

// DefaultRegionSize is the reservation backing the package-level
// allocator.
const DefaultRegionSize = 64 << 20

var (
	std     *Segregated
	stdErr  error
	stdOnce sync.Once
)

// Init initializes the package-level allocator. Calling it is
// optional: the allocation functions initialize on first use. The
// first error, if any, is sticky.
func Init() error {
	stdOnce.Do(func() {
		var r *mem.Region
		r, stdErr = mem.New(DefaultRegionSize)
		if stdErr != nil {
			return
		}
		std, stdErr = NewSegregated(r, ODefaultOptions)
	})
	return stdErr
}

// Default returns the package-level allocator, initializing it on
// first use.
func Default() (*Segregated, error) {
	if err := Init(); err != nil {
		return nil, err
	}
	return std, nil
}

// Malloc allocates size bytes from the package-level allocator.
func Malloc(size uint64) (Off, error) {
	if err := Init(); err != nil {
		return NilOff, err
	}
	return std.Malloc(size)
}

// Free releases an offset obtained from the package-level allocator.
func Free(p Off) {
	if Init() != nil {
		return
	}
	std.Free(p)
}

// Realloc resizes an allocation of the package-level allocator.
func Realloc(p Off, size uint64) (Off, error) {
	if err := Init(); err != nil {
		return NilOff, err
	}
	return std.Realloc(p, size)
}

// Calloc allocates zeroed memory from the package-level allocator.
func Calloc(nmemb, size uint64) (Off, error) {
	if err := Init(); err != nil {
		return NilOff, err
	}
	return std.Calloc(nmemb, size)
}

// Payload returns the payload bytes of a package-level allocation.
func Payload(p Off) []byte {
	if Init() != nil {
		return nil
	}
	return std.Payload(p)
}

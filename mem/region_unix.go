// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

//go:build unix

package mem

import (
	"golang.org/x/sys/unix"
)

// reserve maps an anonymous private region, keeping large reservations
// off the Go heap.
func reserve(max uint64) ([]byte, func([]byte) error, error) {
	buf, err := unix.Mmap(-1, 0, int(max),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return buf, unix.Munmap, nil
}

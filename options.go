// Copyright 2021 Intuitive Labs GmbH. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE.txt file in the root of the source
// tree.

package btmalloc

// Options encodes various configuration flags for an allocator.
type Options uint32

const (
	// ODebug logs every public operation.
	ODebug Options = 1 << iota
	// OChecks runs the full heap checker after each public operation
	// and logs a BUG on failure (expensive).
	OChecks
	// ODumpStatsShort makes dumpStatus log only the summary header.
	ODumpStatsShort

	// ODefaultOptions is the production default.
	ODefaultOptions Options = 0
)

// Debug returns true if per-operation logging is turned on.
func (o Options) Debug() bool { return o&ODebug != 0 }

// Checks returns true if post-operation heap checking is turned on.
func (o Options) Checks() bool { return o&OChecks != 0 }

// DumpShort returns true if status dumps are shortened.
func (o Options) DumpShort() bool { return o&ODumpStatsShort != 0 }

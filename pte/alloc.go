// MMIO-trapping stage-2 translation core
// https://github.com/usbarmory/tamago-hv
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package pte

import (
	"fmt"
	"sync"
)

// Allocator hands out and reclaims the backing storage for L3/L4 child
// tables. A handle is an opaque, engine-chosen identifier that the
// allocator can resolve back to a live table; it is stored verbatim in the
// parent descriptor's target field so that later lookups never need to
// reconstruct a pointer from an integer.
type Allocator interface {
	// AllocTable returns a zeroed table of the given entry count and a
	// handle identifying it.
	AllocTable(entries int) (handle uint64, table []uint64, err error)

	// Table resolves a previously allocated handle back to its live
	// backing slice. The returned slice aliases the allocator's storage:
	// writes through it are visible to later Table calls with the same
	// handle.
	Table(handle uint64) ([]uint64, error)

	// FreeTable releases the table identified by handle. Freeing an
	// already-freed or unknown handle returns an error.
	FreeTable(handle uint64) error
}

// ArenaAllocator is a hosted, map-backed Allocator used by tests and by any
// embedder without a DMA-carved region to hand out. It tracks outstanding
// allocations so tests can assert that the engine never leaks a child table
// on overwrite.
type ArenaAllocator struct {
	mu     sync.Mutex
	next   uint64
	tables map[uint64][]uint64
}

// NewArenaAllocator returns an Allocator backed by ordinary Go slices. It is
// suitable for hosted tests and for any deployment that does not need the
// child tables to live in a specific physical memory region.
func NewArenaAllocator() *ArenaAllocator {
	return &ArenaAllocator{
		next:   1, // reserve 0 as "no handle"
		tables: make(map[uint64][]uint64),
	}
}

func (a *ArenaAllocator) AllocTable(entries int) (uint64, []uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	h := a.next
	a.next++

	t := make([]uint64, entries)
	a.tables[h] = t

	return h, t, nil
}

func (a *ArenaAllocator) Table(handle uint64) ([]uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	t, ok := a.tables[handle]
	if !ok {
		return nil, fmt.Errorf("pte: unknown table handle %#x", handle)
	}
	return t, nil
}

func (a *ArenaAllocator) FreeTable(handle uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.tables[handle]; !ok {
		return fmt.Errorf("pte: double free of table handle %#x", handle)
	}
	delete(a.tables, handle)
	return nil
}

// Outstanding returns the number of currently allocated tables. Tests use
// this to detect leaks: every coarsening Map call that overwrites a
// populated subtree must free it first.
func (a *ArenaAllocator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tables)
}

// Package core provides the reference-counted, slab-pooled buffer type
// that every owned message flows through: IT-Link windows, Priority-Flood
// bellies, and Reliable-Flood flow buffers all store a *Scatter rather than
// a raw byte slice.
//
// This replaces the C daemon's raw pointer graphs across window rings,
// intrusive lists, and per-neighbor queues (spec.md §9, "Pointer graphs")
// with reference-counted *Scatter values: a Scatter is allocated once from a Pool,
// every holder (window cell, belly entry, per-neighbor dissemination
// queue) calls Ref when it starts holding a reference and Release when it
// stops; the pool only returns the backing buffers to its free list once
// the last reference is released. No component ever frees a buffer
// directly.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package core

import (
	"sync"
	"sync/atomic"

	"github.com/spines-itcore/spines/cmn/debug"
)

// Scatter is a scatter-gather list: a message's bytes, possibly split
// across multiple elements (spec.md's sys_scatter, hence the name), backed
// by buffers drawn from a Pool and reference-counted.
type Scatter struct {
	pool     *Pool
	elements [][]byte
	refs     int32
}

// Elements returns the scatter's byte slices. Callers must not retain
// slices beyond the lifetime of their own reference.
func (s *Scatter) Elements() [][]byte { return s.elements }

// Len returns the total byte length across all elements.
func (s *Scatter) Len() int {
	n := 0
	for _, e := range s.elements {
		n += len(e)
	}
	return n
}

// Ref increments the reference count. Every component that stores a
// *Scatter beyond the call that handed it to them must Ref it first.
func (s *Scatter) Ref() {
	atomic.AddInt32(&s.refs, 1)
}

// Release decrements the reference count, returning the backing buffers
// to the pool's free list once it reaches zero. Calling Release without a
// matching prior Ref (or the initial allocation reference) is a
// programmer error caught by debug.Assert in debug builds.
func (s *Scatter) Release() {
	n := atomic.AddInt32(&s.refs, -1)
	debug.Assert(n >= 0, "core: scatter released more times than referenced")
	if n == 0 {
		s.pool.free(s)
	}
}

// Pool is a slab allocator for fixed-size buffers: Get hands out a
// *Scatter built from one or more pooled buffers sized to fit len bytes;
// Release (called by Scatter.Release, not directly) returns the buffers to
// their size-class free list for reuse.
//
// This is the Go-idiomatic analogue of the daemon's sys_scatter arena
// (spec.md §9). Holders keep *Scatter pointers, not indices; buffers are
// allocated on demand and kept on per-size-class free lists once released,
// with nothing preallocated.
type Pool struct {
	mu      sync.Mutex
	classes map[int][][]byte // size class -> free buffers of that size
}

// Default buffer size classes, chosen to cover one IT-Link packet
// (MAX_PACKET_SIZE-scale) without over-allocating for small control
// messages (ACKs, pings, E2E/Status-Change bodies).
var defaultClasses = []int{64, 256, 1024, 1500, 9000}

func NewPool() *Pool {
	return &Pool{classes: make(map[int][][]byte, len(defaultClasses))}
}

// Get allocates a single-element Scatter with capacity for n bytes, drawn
// from the smallest size class that fits, and sets its length to n.
func (p *Pool) Get(n int) *Scatter {
	class := classFor(n)
	buf := p.take(class)
	return &Scatter{pool: p, elements: [][]byte{buf[:n]}, refs: 1}
}

// GetElements builds a multi-element Scatter from existing byte slices
// without copying — used when a message is already split into
// session-supplied elements (spec.md §3, "owned message scatter").
func (p *Pool) GetElements(elements [][]byte) *Scatter {
	return &Scatter{pool: p, elements: elements, refs: 1}
}

func (p *Pool) take(class int) []byte {
	p.mu.Lock()
	free := p.classes[class]
	if n := len(free); n > 0 {
		buf := free[n-1]
		p.classes[class] = free[:n-1]
		p.mu.Unlock()
		return buf[:cap(buf)]
	}
	p.mu.Unlock()
	return make([]byte, class)
}

func (p *Pool) free(s *Scatter) {
	p.mu.Lock()
	for _, e := range s.elements {
		class := cap(e)
		p.classes[class] = append(p.classes[class], e[:0:class])
	}
	p.mu.Unlock()
	s.elements = nil
}

func classFor(n int) int {
	for _, c := range defaultClasses {
		if n <= c {
			return c
		}
	}
	return n
}

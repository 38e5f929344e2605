// Package prp implements the fixed-size PRP-list page pool: a bitmap
// allocator over at most 32 pages carved out of the arena, aliased with
// the identify/utility buffer until initialization completes.
package prp

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/nvme2k/go-nvme2k/internal/arena"
)

// NoPage is the sentinel returned by Allocate on exhaustion and stored
// in a request shadow that owns no PRP page.
const NoPage = 0xFF

// Pool is a bitmap allocator over a fixed count (≤32) of 4 KiB pages.
// A single uint32 bitmap is sufficient because the pool never exceeds
// constants.MaxPRPPoolPages (32) — one bit per page, scanned a word at
// a time the way a general-purpose bitmap allocator would scan each
// of its backing words, but without the multi-word bookkeeping such an
// allocator needs for larger or variable-size pools.
type Pool struct {
	mu     sync.Mutex
	bitmap uint32
	count  int
	pages  [][]byte
	phys   []uint64
}

// New carves count pages off block and returns a Pool managing them.
// count must not exceed constants.MaxPRPPoolPages (32), the width of
// the bitmap; New itself does not check it.
func New(block *arena.Block, count int) (*Pool, error) {
	p := &Pool{count: count, pages: make([][]byte, count), phys: make([]uint64, count)}
	for i := 0; i < count; i++ {
		virt, phys, ok := block.AllocPage()
		if !ok {
			return nil, fmt.Errorf("prp: arena exhausted after carving %d/%d pool pages", i, count)
		}
		p.pages[i] = virt
		p.phys[i] = phys
	}
	return p, nil
}

// Allocate finds the first free page, marks it used, and returns its
// index, or NoPage if the pool is exhausted.
func (p *Pool) Allocate() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()

	free := ^p.bitmap
	if p.count < 32 {
		free &= (1 << uint(p.count)) - 1
	}
	if free == 0 {
		return NoPage
	}
	idx := bits.TrailingZeros32(free)
	p.bitmap |= 1 << uint(idx)
	return uint8(idx)
}

// Free clears the given page's bit. Freeing an already-free page, or
// an out-of-range index, is a no-op: callers may free defensively on
// error paths without first checking ownership.
func (p *Pool) Free(index uint8) {
	if int(index) >= p.count {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bitmap &^= 1 << uint(index)
}

// VirtOf returns the virtual page for index.
func (p *Pool) VirtOf(index uint8) []byte {
	if int(index) >= p.count {
		return nil
	}
	return p.pages[index]
}

// PhysOf returns the physical address of index.
func (p *Pool) PhysOf(index uint8) uint64 {
	if int(index) >= p.count {
		return 0
	}
	return p.phys[index]
}

// InUse reports whether any page is currently allocated. Used by
// tests asserting the bitmap returns to all-zero once no requests are
// in flight.
func (p *Pool) InUse() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bitmap != 0
}

// Count returns the pool's page capacity.
func (p *Pool) Count() int { return p.count }

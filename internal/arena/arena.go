// Package arena implements the DMA-coherent bump allocator backing
// the admin/I/O queue pairs and the PRP-list page pool.
package arena

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Block is a single contiguous, page-aligned, anonymously-mapped
// region standing in for a DMA-coherent allocation. It never frees
// individual sub-allocations; Close releases the whole block at once,
// mirroring the single allocate-once-free-on-device-teardown lifecycle
// described for the uncached arena.
type Block struct {
	mem      []byte
	physBase uint64
	used     uintptr
	pageSize int
}

// New mmaps an anonymous, page-aligned region of totalPages pages.
// mmap (rather than a plain make([]byte, ...)) is what guarantees the
// page alignment every sub-allocation below depends on.
func New(totalPages, pageSize int) (*Block, error) {
	size := totalPages * pageSize
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("arena: mmap %d bytes: %w", size, err)
	}
	return &Block{
		mem:      mem,
		physBase: uint64(uintptr(unsafe.Pointer(&mem[0]))),
		pageSize: pageSize,
	}, nil
}

// NewWithFallback tries to allocate (prpPages+4) pages of slack for
// the admin/I/O queues plus the PRP pool; on failure it retries with
// progressively smaller PRP pool counts (as low as minPRPPages) before
// giving up, matching the enable path's documented fallback behavior.
func NewWithFallback(prpPages, minPRPPages, pageSize int) (*Block, int, error) {
	for n := prpPages; ; n /= 2 {
		if n < minPRPPages {
			n = minPRPPages
		}
		totalPages := n + 4 + 1 // queues + slack page
		b, err := New(totalPages, pageSize)
		if err == nil {
			return b, n, nil
		}
		if n == minPRPPages {
			return nil, 0, fmt.Errorf("arena: could not allocate even the minimum PRP pool size: %w", err)
		}
	}
}

// Close releases the entire block.
func (b *Block) Close() error {
	return unix.Munmap(b.mem)
}

// AllocPages carves n contiguous pages off the front of the block and
// returns the virtual slice and the "physical" base address. Physical
// addresses here are identity-mapped to the block's mmap address: this
// driver never runs against a real IOMMU, so virtual and physical
// addresses coincide, exactly as they would on a platform where DMA is
// coherent and unmapped.
func (b *Block) AllocPages(n int) (virt []byte, phys uint64, ok bool) {
	size := uintptr(n * b.pageSize)
	if b.used+size > uintptr(len(b.mem)) {
		return nil, 0, false
	}
	off := b.used
	b.used += size
	return b.mem[off : off+size], b.physBase + uint64(off), true
}

// AllocPage carves a single page.
func (b *Block) AllocPage() (virt []byte, phys uint64, ok bool) {
	return b.AllocPages(1)
}

// PageSize returns the page size this block was constructed with.
func (b *Block) PageSize() int { return b.pageSize }

// PhysOf returns the physical address corresponding to an offset into
// a virtual slice previously returned by this block, or false if the
// slice does not belong to this block.
func (b *Block) PhysOf(virt []byte) (uint64, bool) {
	if len(virt) == 0 {
		return 0, false
	}
	addr := uint64(uintptr(unsafe.Pointer(&virt[0])))
	base := uint64(uintptr(unsafe.Pointer(&b.mem[0])))
	if addr < base || addr >= base+uint64(len(b.mem)) {
		return 0, false
	}
	return addr, true
}

// VirtOf returns the n-byte block-owned slice starting at physical
// address phys, the inverse of PhysOf. A simulated controller uses
// this to resolve the PRP pointers a request placed in a submission
// entry back into the shared DMA-coherent region it was carved from.
func (b *Block) VirtOf(phys uint64, n int) ([]byte, bool) {
	base := uint64(uintptr(unsafe.Pointer(&b.mem[0])))
	if phys < base || phys+uint64(n) > base+uint64(len(b.mem)) || n < 0 {
		return nil, false
	}
	off := phys - base
	return b.mem[off : off+uint64(n)], true
}

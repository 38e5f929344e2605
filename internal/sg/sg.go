// Package sg builds PRP1/PRP2 (or PRP1 + PRP-list) scatter/gather
// descriptors from a host-provided buffer.
package sg

import (
	"encoding/binary"
	"errors"

	"github.com/nvme2k/go-nvme2k/internal/constants"
	"github.com/nvme2k/go-nvme2k/internal/interfaces"
	"github.com/nvme2k/go-nvme2k/internal/prp"
)

// ErrNoResources is returned when the transfer needs a PRP-list page
// and the pool is exhausted; the caller signals busy-back-off.
var ErrNoResources = errors.New("sg: prp pool exhausted")

// ErrTooLarge is returned when a transfer would need more PRP-list
// entries than one page holds; this indicates the caller failed to
// enforce MaxTransferSizeBytes upstream.
var ErrTooLarge = errors.New("sg: transfer exceeds one PRP-list page")

// Descriptor is the result of building a scatter/gather list: PRP1,
// PRP2, and — if a PRP-list page was needed — its pool index so the
// caller can record it in the request's shadow for release on
// completion.
type Descriptor struct {
	PRP1     uint64
	PRP2     uint64
	ListPage uint8 // prp.NoPage if no list page was allocated
}

// Build converts buf into a Descriptor, allocating a PRP-list page
// from pool if the transfer spans three or more pages.
func Build(buf interfaces.HostBuffer, pageSize int, pool *prp.Pool) (Descriptor, error) {
	length := buf.Len()
	phys1 := buf.PhysAddr(0)
	off := int(phys1) % pageSize
	first := pageSize - off
	if first > length {
		first = length
	}

	d := Descriptor{PRP1: phys1, ListPage: prp.NoPage}

	if length <= first {
		return d, nil
	}
	if length <= first+pageSize {
		d.PRP2 = buf.PhysAddr(first)
		return d, nil
	}

	remaining := length - first
	entries := (remaining + pageSize - 1) / pageSize
	if entries > constants.MaxPRPListEntries {
		return Descriptor{}, ErrTooLarge
	}

	listIdx := pool.Allocate()
	if listIdx == prp.NoPage {
		return Descriptor{}, ErrNoResources
	}
	listVirt := pool.VirtOf(listIdx)

	cursor := first
	for i := 0; i < entries; i++ {
		pa := buf.PhysAddr(cursor)
		binary.LittleEndian.PutUint64(listVirt[i*8:], pa)
		cursor += pageSize
	}

	d.PRP2 = pool.PhysOf(listIdx)
	d.ListPage = listIdx
	return d, nil
}

package sim

import (
	"fmt"

	"github.com/nvme2k/go-nvme2k/internal/arena"
)

// HostBuffer is a host-memory buffer carved from the same arena the
// simulated controller resolves PRP pointers against, standing in for
// an IOMMU-coherent DMA mapping. It implements interfaces.HostBuffer.
type HostBuffer struct {
	virt []byte
	phys uint64
}

// NewHostBuffer allocates a page-aligned, contiguous buffer of
// pages*PageSize bytes from block.
func NewHostBuffer(block *arena.Block, pages int) (*HostBuffer, error) {
	virt, phys, ok := block.AllocPages(pages)
	if !ok {
		return nil, fmt.Errorf("sim: arena exhausted allocating host buffer")
	}
	return &HostBuffer{virt: virt, phys: phys}, nil
}

func (h *HostBuffer) Len() int                   { return len(h.virt) }
func (h *HostBuffer) PhysAddr(offset int) uint64 { return h.phys + uint64(offset) }
func (h *HostBuffer) Bytes() []byte              { return h.virt }

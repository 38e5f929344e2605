package prp

import (
	"testing"

	"github.com/nvme2k/go-nvme2k/internal/arena"
	"github.com/stretchr/testify/assert"
)

func newTestPool(t *testing.T, count int) (*Pool, *arena.Block) {
	b, err := arena.New(count+1, 4096)
	assert.NoError(t, err)
	p, err := New(b, count)
	assert.NoError(t, err)
	return p, b
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	p, b := newTestPool(t, 16)
	defer b.Close()

	idx := p.Allocate()
	assert.NotEqual(t, uint8(NoPage), idx)
	assert.True(t, p.InUse())

	p.Free(idx)
	assert.False(t, p.InUse())
}

func TestExhaustion(t *testing.T) {
	p, b := newTestPool(t, 2)
	defer b.Close()

	a := p.Allocate()
	assert.NotEqual(t, uint8(NoPage), a)
	c := p.Allocate()
	assert.NotEqual(t, uint8(NoPage), c)
	assert.Equal(t, uint8(NoPage), p.Allocate())

	p.Free(a)
	assert.NotEqual(t, uint8(NoPage), p.Allocate())
}

func TestVirtAndPhysOf(t *testing.T) {
	p, b := newTestPool(t, 4)
	defer b.Close()

	idx := p.Allocate()
	virt := p.VirtOf(idx)
	phys := p.PhysOf(idx)
	assert.Len(t, virt, 4096)
	assert.NotZero(t, phys)

	got, ok := b.PhysOf(virt)
	assert.True(t, ok)
	assert.Equal(t, phys, got)
}

func TestFreeOutOfRangeIsNoOp(t *testing.T) {
	p, b := newTestPool(t, 4)
	defer b.Close()
	p.Free(200) // must not panic
	assert.False(t, p.InUse())
}

package sg

import (
	"testing"

	"github.com/nvme2k/go-nvme2k/internal/arena"
	"github.com/nvme2k/go-nvme2k/internal/prp"
	"github.com/stretchr/testify/assert"
)

const pageSize = 4096

// fakeBuffer is a simple paged host buffer: page i (each pageSize
// bytes, except possibly the first, which may be a partial page
// offset into page 0) maps to physical address base+i*pageSize.
type fakeBuffer struct {
	base   uint64
	length int
}

func (f *fakeBuffer) Len() int { return f.length }
func (f *fakeBuffer) PhysAddr(offset int) uint64 {
	return f.base + uint64(offset)
}
func (f *fakeBuffer) Bytes() []byte { return nil }

func newPool(t *testing.T, count int) (*prp.Pool, *arena.Block) {
	b, err := arena.New(count+1, pageSize)
	assert.NoError(t, err)
	p, err := prp.New(b, count)
	assert.NoError(t, err)
	return p, b
}

func TestOnePageTransferNoPRP2(t *testing.T) {
	pool, b := newPool(t, 16)
	defer b.Close()

	buf := &fakeBuffer{base: 0x100000, length: 4096} // page-aligned
	d, err := Build(buf, pageSize, pool)
	assert.NoError(t, err)
	assert.Equal(t, uint64(0x100000), d.PRP1)
	assert.Zero(t, d.PRP2)
	assert.Equal(t, uint8(prp.NoPage), d.ListPage)
}

func TestTwoPageTransferUsesPRP2(t *testing.T) {
	pool, b := newPool(t, 16)
	defer b.Close()

	buf := &fakeBuffer{base: 0x100000, length: 8192}
	d, err := Build(buf, pageSize, pool)
	assert.NoError(t, err)
	assert.Equal(t, uint64(0x100000), d.PRP1)
	assert.Equal(t, uint64(0x101000), d.PRP2)
	assert.Equal(t, uint8(prp.NoPage), d.ListPage)
}

func TestMidPageOffsetBoundary(t *testing.T) {
	pool, b := newPool(t, 16)
	defer b.Close()

	// starts 512 bytes into a page, first chunk is 3584 bytes; a
	// 3584-byte transfer should fit in the first page alone.
	buf := &fakeBuffer{base: 0x100200, length: 3584}
	d, err := Build(buf, pageSize, pool)
	assert.NoError(t, err)
	assert.Zero(t, d.PRP2)
}

func TestThreePageTransferUsesList(t *testing.T) {
	pool, b := newPool(t, 16)
	defer b.Close()

	buf := &fakeBuffer{base: 0x200000, length: 3 * pageSize}
	d, err := Build(buf, pageSize, pool)
	assert.NoError(t, err)
	assert.NotEqual(t, uint8(prp.NoPage), d.ListPage)
	assert.Equal(t, pool.PhysOf(d.ListPage), d.PRP2)

	listVirt := pool.VirtOf(d.ListPage)
	e0 := le64(listVirt[0:8])
	e1 := le64(listVirt[8:16])
	assert.Equal(t, uint64(0x201000), e0)
	assert.Equal(t, uint64(0x202000), e1)
}

func TestPoolExhaustionReturnsNoResources(t *testing.T) {
	pool, b := newPool(t, 1)
	defer b.Close()
	pool.Allocate() // exhaust the single page

	buf := &fakeBuffer{base: 0x300000, length: 3 * pageSize}
	_, err := Build(buf, pageSize, pool)
	assert.ErrorIs(t, err, ErrNoResources)
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

package arena

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllocPagesContiguousAndAligned(t *testing.T) {
	b, err := New(8, 4096)
	assert.NoError(t, err)
	defer b.Close()

	v1, p1, ok := b.AllocPages(2)
	assert.True(t, ok)
	assert.Len(t, v1, 8192)
	assert.Zero(t, p1%4096)

	v2, p2, ok := b.AllocPage()
	assert.True(t, ok)
	assert.Len(t, v2, 4096)
	assert.Equal(t, p1+8192, p2)
}

func TestAllocPagesExhaustion(t *testing.T) {
	b, err := New(2, 4096)
	assert.NoError(t, err)
	defer b.Close()

	_, _, ok := b.AllocPages(2)
	assert.True(t, ok)
	_, _, ok = b.AllocPage()
	assert.False(t, ok)
}

func TestPhysOfIdentityMapped(t *testing.T) {
	b, err := New(4, 4096)
	assert.NoError(t, err)
	defer b.Close()

	virt, phys, ok := b.AllocPage()
	assert.True(t, ok)
	got, ok := b.PhysOf(virt)
	assert.True(t, ok)
	assert.Equal(t, phys, got)
}

func TestVirtOfInvertsPhysOf(t *testing.T) {
	b, err := New(4, 4096)
	assert.NoError(t, err)
	defer b.Close()

	virt, phys, ok := b.AllocPages(2)
	assert.True(t, ok)
	copy(virt, []byte("hello"))

	got, ok := b.VirtOf(phys, len(virt))
	assert.True(t, ok)
	assert.Equal(t, "hello", string(got[:5]))
}

func TestVirtOfRejectsOutOfRange(t *testing.T) {
	b, err := New(2, 4096)
	assert.NoError(t, err)
	defer b.Close()

	_, ok := b.VirtOf(0xDEADBEEF, 16)
	assert.False(t, ok)
}

func TestNewWithFallback(t *testing.T) {
	b, pages, err := NewWithFallback(16, 4, 4096)
	assert.NoError(t, err)
	defer b.Close()
	assert.Equal(t, 16, pages)
}

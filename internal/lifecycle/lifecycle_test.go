package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClampQueueSizeRoundsDownToPowerOfTwo(t *testing.T) {
	assert.Equal(t, uint32(64), clampQueueSize(64, 4096)) // one page of 64-byte entries
	assert.Equal(t, uint32(32), clampQueueSize(50, 4096))
	assert.Equal(t, uint32(1), clampQueueSize(0, 4096))
}

func TestClampQueueSizeCapsToPageCapacity(t *testing.T) {
	// a page holds 4096/64 = 64 entries regardless of how large MQES+1 is
	assert.Equal(t, uint32(64), clampQueueSize(1<<20, 4096))
}

func TestMaxTransferSizeBytesUnlimitedWhenMDTSZero(t *testing.T) {
	assert.Equal(t, uint32(512*4096), maxTransferSizeBytes(0, 4096))
}

func TestMaxTransferSizeBytesFromMDTS(t *testing.T) {
	assert.Equal(t, uint32(32*4096), maxTransferSizeBytes(5, 4096))
}

func TestMaxTransferSizeBytesClampedToPRPListCap(t *testing.T) {
	// 2^10 pages would exceed the 512-entry PRP-list cap
	assert.Equal(t, uint32(512*4096), maxTransferSizeBytes(10, 4096))
}

func TestLog2(t *testing.T) {
	assert.Equal(t, uint32(12), log2(4096))
	assert.Equal(t, uint32(0), log2(1))
}

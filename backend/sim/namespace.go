// Package sim provides a simulated NVMe controller and namespace
// backing store for tests and the example tool: a software stand-in
// for the register window and media a real PCIe device would provide.
package sim

import "sync"

// ShardSize is the size of each namespace shard. 64KB gives good
// parallelism for 4K random I/O while keeping lock overhead
// reasonable; a 256MB namespace has 4096 shards.
const ShardSize = 64 * 1024

// Namespace is a flat, sharded-lock RAM-backed namespace. It is the
// simulated controller's only storage medium: ReadAt/WriteAt service
// Read/Write commands, Discard services Dataset Management TRIM.
type Namespace struct {
	data   []byte
	size   int64
	shards []sync.RWMutex
}

// NewNamespace creates a namespace backing store of the given size.
func NewNamespace(size int64) *Namespace {
	numShards := (size + ShardSize - 1) / ShardSize
	return &Namespace{
		data:   make([]byte, size),
		size:   size,
		shards: make([]sync.RWMutex, numShards),
	}
}

func (n *Namespace) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(n.shards) {
		end = len(n.shards) - 1
	}
	return start, end
}

// ReadAt copies len(p) bytes starting at byte offset off, short-reading
// at the end of the namespace rather than erroring.
func (n *Namespace) ReadAt(p []byte, off int64) (int, error) {
	if off >= n.size {
		return 0, nil
	}
	available := n.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	startShard, endShard := n.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		n.shards[i].RLock()
	}
	c := copy(p, n.data[off:off+int64(len(p))])
	for i := startShard; i <= endShard; i++ {
		n.shards[i].RUnlock()
	}
	return c, nil
}

// WriteAt copies p into the namespace starting at byte offset off.
func (n *Namespace) WriteAt(p []byte, off int64) (int, error) {
	if off >= n.size {
		return 0, nil
	}
	available := n.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}

	startShard, endShard := n.shardRange(off, int64(len(p)))
	for i := startShard; i <= endShard; i++ {
		n.shards[i].Lock()
	}
	c := copy(n.data[off:off+int64(len(p))], p)
	for i := startShard; i <= endShard; i++ {
		n.shards[i].Unlock()
	}
	return c, nil
}

// Discard zeroes [offset, offset+length), the Dataset Management
// deallocate behavior backing TRIM.
func (n *Namespace) Discard(offset, length int64) error {
	if offset >= n.size {
		return nil
	}
	end := offset + length
	if end > n.size {
		end = n.size
	}

	startShard, endShard := n.shardRange(offset, end-offset)
	for i := startShard; i <= endShard; i++ {
		n.shards[i].Lock()
	}
	for i := offset; i < end; i++ {
		n.data[i] = 0
	}
	for i := startShard; i <= endShard; i++ {
		n.shards[i].Unlock()
	}
	return nil
}

// Size returns the namespace's byte capacity.
func (n *Namespace) Size() int64 { return n.size }

// Stats reports namespace geometry for diagnostics.
func (n *Namespace) Stats() map[string]any {
	return map[string]any{
		"size":       n.size,
		"num_shards": len(n.shards),
		"shard_size": ShardSize,
	}
}

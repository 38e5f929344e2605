// Package queue implements the four-ring submission/completion queue
// pair abstraction (admin and I/O), phase-bit completion polling, and
// the 16-bit Command Identifier encoding used to demultiplex
// completions back to the request that issued them.
package queue

import (
	"errors"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/nvme2k/go-nvme2k/internal/arena"
	"github.com/nvme2k/go-nvme2k/internal/regs"
	"github.com/nvme2k/go-nvme2k/internal/uapi"
)

// ErrQueueFull is returned by Submit when the submission ring has no
// free slot; callers surface this as busy-back-off.
var ErrQueueFull = errors.New("queue: submission ring full")

const (
	sqEntrySize = 64
	cqEntrySize = 16
)

// Pair is one admin or I/O queue pair.
type Pair struct {
	id       uint16
	size     uint32
	log2Size uint
	mask     uint32

	win *regs.Window

	sqVirt []byte
	sqPhys uint64
	cqVirt []byte
	cqPhys uint64

	sqMu   sync.Mutex
	sqTail uint32
	sqHead uint32 // mirrored from CQE.SQHead, advanced under sqMu

	cqHead uint64 // monotonic, never wraps

	postMu   sync.Mutex
	postHead uint64 // monotonic, producer-side counterpart to cqHead

	inFlight  int64
	highWater int64
}

func log2u32(n uint32) uint {
	return uint(bits.Len32(n) - 1)
}

// NewPair carves a submission ring and completion ring for queue id
// out of block. size must be a power of two.
func NewPair(win *regs.Window, block *arena.Block, id uint16, size uint32) (*Pair, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, errors.New("queue: size must be a power of two")
	}
	pageSize := block.PageSize()
	sqPages := (int(size)*sqEntrySize + pageSize - 1) / pageSize
	cqPages := (int(size)*cqEntrySize + pageSize - 1) / pageSize
	if sqPages < 1 {
		sqPages = 1
	}
	if cqPages < 1 {
		cqPages = 1
	}

	sqVirt, sqPhys, ok := block.AllocPages(sqPages)
	if !ok {
		return nil, errors.New("queue: arena exhausted allocating submission ring")
	}
	cqVirt, cqPhys, ok := block.AllocPages(cqPages)
	if !ok {
		return nil, errors.New("queue: arena exhausted allocating completion ring")
	}

	p := &Pair{
		id:       id,
		size:     size,
		log2Size: log2u32(size),
		mask:     size - 1,
		win:      win,
		sqVirt:   sqVirt,
		sqPhys:   sqPhys,
		cqVirt:   cqVirt,
		cqPhys:   cqPhys,
	}
	p.Reset()
	return p, nil
}

// Reset restores the queue pair to its just-enabled state: all
// cursors zero except the completion head, which is set to size so
// that the first expected phase bit is 1.
func (p *Pair) Reset() {
	p.sqMu.Lock()
	p.sqTail = 0
	p.sqHead = 0
	p.sqMu.Unlock()
	atomic.StoreUint64(&p.cqHead, uint64(p.size))
	p.postMu.Lock()
	p.postHead = uint64(p.size)
	p.postMu.Unlock()
	atomic.StoreInt64(&p.inFlight, 0)
}

// PostCompletion writes one completion entry at the next producer slot
// with the phase bit that slot's generation expects, mirroring what a
// real controller does when it finishes a command. It is the
// counterpart to Drain's consumer-side cursor; a simulated backend is
// the normal caller, but tests use it directly to stand in for one.
func (p *Pair) PostCompletion(cid uint16, sqHead uint16, status uint16) {
	p.postMu.Lock()
	head := p.postHead
	p.postHead++
	p.postMu.Unlock()

	idx := uint32(head) & p.mask
	phase := uint16((head >> p.log2Size) & 1)
	cqe := uapi.CQEntry{SQHead: sqHead, CID: cid, Status: (status << 1) | phase}
	encoded := uapi.EncodeCQEntry(&cqe)
	copy(p.cqVirt[int(idx)*cqEntrySize:], encoded)
}

// ID, Size, SQPhys, CQPhys expose queue geometry needed by the
// lifecycle's Create I/O CQ/SQ admin commands.
func (p *Pair) ID() uint16      { return p.id }
func (p *Pair) Size() uint32    { return p.size }
func (p *Pair) SQPhys() uint64  { return p.sqPhys }
func (p *Pair) CQPhys() uint64  { return p.cqPhys }
func (p *Pair) InFlight() int64 { return atomic.LoadInt64(&p.inFlight) }
func (p *Pair) HighWater() int64 { return atomic.LoadInt64(&p.highWater) }

// ExpectedPhase returns the phase bit the drain loop currently expects
// to see, derived purely from the monotonic completion head.
func (p *Pair) ExpectedPhase() uint16 {
	return uint16((atomic.LoadUint64(&p.cqHead) >> p.log2Size) & 1)
}

// CQHead returns the monotonic completion head counter (exported for
// tests asserting the invariant head == size + N after N completions).
func (p *Pair) CQHead() uint64 { return atomic.LoadUint64(&p.cqHead) }

// Submit copies cmd into the next submission slot and rings the
// submission doorbell. It returns ErrQueueFull if the ring has no free
// slot. trackInFlight should be true for the I/O queue, which tracks a
// depth counter and high-water mark for back-pressure diagnostics.
func (p *Pair) Submit(cmd *uapi.SQEntry, trackInFlight bool) error {
	p.sqMu.Lock()
	nextTail := (p.sqTail + 1) & p.mask
	if nextTail == (p.sqHead & p.mask) {
		p.sqMu.Unlock()
		return ErrQueueFull
	}
	encoded := uapi.EncodeSQEntry(cmd)
	copy(p.sqVirt[int(p.sqTail)*sqEntrySize:], encoded)
	p.sqTail = nextTail
	tail := p.sqTail
	p.sqMu.Unlock()

	if trackInFlight {
		n := atomic.AddInt64(&p.inFlight, 1)
		for {
			hw := atomic.LoadInt64(&p.highWater)
			if n <= hw || atomic.CompareAndSwapInt64(&p.highWater, hw, n) {
				break
			}
		}
	}

	p.win.RingDoorbell(p.id, true, tail)
	return nil
}

// SubmissionAt decodes the submission entry at ring slot idx. A
// simulated controller uses this to read what the host placed in the
// ring at the tail position its doorbell write announced; real
// hardware would read its own DMA'd copy of the same bytes.
func (p *Pair) SubmissionAt(idx uint32) uapi.SQEntry {
	idx &= p.mask
	raw := p.sqVirt[int(idx)*sqEntrySize : int(idx)*sqEntrySize+sqEntrySize]
	return uapi.DecodeSQEntry(raw)
}

// CompletionDone should be called once a completion for a request
// submitted with trackInFlight=true has been fully processed.
func (p *Pair) CompletionDone() {
	atomic.AddInt64(&p.inFlight, -1)
}

// Drain reads completion entries starting at the current head until
// the phase bit no longer matches, invoking handle for each one. It
// rings the completion doorbell at most once, after all visible
// completions have been dispatched, and reports whether any progress
// was made.
func (p *Pair) Drain(handle func(uapi.CQEntry)) bool {
	progressed := false
	for {
		head := atomic.LoadUint64(&p.cqHead)
		idx := uint32(head) & p.mask
		expectedPhase := uint16((head >> p.log2Size) & 1)

		raw := p.cqVirt[int(idx)*cqEntrySize : int(idx)*cqEntrySize+cqEntrySize]
		cqe := uapi.DecodeCQEntry(raw)
		if cqe.Phase() != expectedPhase {
			break
		}

		p.sqMu.Lock()
		p.sqHead = uint32(cqe.SQHead)
		p.sqMu.Unlock()

		atomic.StoreUint64(&p.cqHead, head+1)
		progressed = true
		handle(cqe)
	}
	if progressed {
		newHead := atomic.LoadUint64(&p.cqHead)
		p.win.RingDoorbell(p.id, false, uint32(newHead)&p.mask)
	}
	return progressed
}

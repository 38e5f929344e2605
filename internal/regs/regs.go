// Package regs provides 32/64-bit MMIO accessors over a controller's
// BAR0 register window and doorbell array.
package regs

import (
	"sync/atomic"
	"unsafe"

	"github.com/nvme2k/go-nvme2k/internal/uapi"
)

// Window is a handle to a controller's BAR0 region. Once CacheDSTRD
// has stored the doorbell stride it is not modified again, and it is
// safe for concurrent use: reads/writes are
// single-word atomic operations and registers are addressed by
// byte offset, matching the controller's own memory layout.
type Window struct {
	bar   []byte
	dstrd uint32 // doorbell stride in bytes, derived from CAP once known
}

// NewWindow wraps a byte slice standing in for the controller's BAR0
// mapping. In production this slice is backed by an mmap of the PCI
// resource file; in tests and the simulated backend it is a plain
// heap allocation accessed the same way.
func NewWindow(bar []byte) *Window {
	return &Window{bar: bar}
}

func (w *Window) word32(offset uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(&w.bar[offset]))
}

// Read32 performs an atomic 32-bit load at the given byte offset.
func (w *Window) Read32(offset uintptr) uint32 {
	return atomic.LoadUint32(w.word32(offset))
}

// Write32 performs an atomic 32-bit store at the given byte offset.
func (w *Window) Write32(offset uintptr, v uint32) {
	atomic.StoreUint32(w.word32(offset), v)
}

// Read64 performs two sequential 32-bit loads (low dword, then high
// dword), matching how the original hardware driver reads 64-bit
// registers on a 32-bit-wide MMIO bus.
func (w *Window) Read64(offset uintptr) uint64 {
	lo := uint64(w.Read32(offset))
	hi := uint64(w.Read32(offset + 4))
	return lo | hi<<32
}

// Write64 performs two sequential 32-bit stores (low dword, then high
// dword).
func (w *Window) Write64(offset uintptr, v uint64) {
	w.Write32(offset, uint32(v))
	w.Write32(offset+4, uint32(v>>32))
}

// DSTRD derives the doorbell stride (in bytes) from CAP bits 32:35:
// stride = 4 << CAP.DSTRD.
func (w *Window) DSTRD() uint32 {
	cap64 := w.Read64(uapi.RegCAP)
	shift := (cap64 >> 32) & 0xF
	return 4 << shift
}

// CacheDSTRD reads and stores DSTRD so RingDoorbell doesn't re-read
// CAP on every call; Enable calls this once CAP has been parsed.
func (w *Window) CacheDSTRD() {
	w.dstrd = w.DSTRD()
}

// RingDoorbell writes value to the submission or completion doorbell
// for the given queue, per the NVMe 1.0e doorbell layout:
//
//	offset = DB_BASE + 2*queueID*DSTRD + (isSubmission ? 0 : DSTRD)
func (w *Window) RingDoorbell(queueID uint16, isSubmission bool, value uint32) {
	offset := uintptr(uapi.RegDoorbellBase) + uintptr(2*uint32(queueID)*w.dstrd)
	if !isSubmission {
		offset += uintptr(w.dstrd)
	}
	w.Write32(offset, value)
}

// ReadDoorbell reads back the value last written to a submission or
// completion doorbell. Real hardware has no such readback path; a
// simulated controller uses this to learn the host's tail/head without
// sharing driver-internal ring-cursor state.
func (w *Window) ReadDoorbell(queueID uint16, isSubmission bool) uint32 {
	offset := uintptr(uapi.RegDoorbellBase) + uintptr(2*uint32(queueID)*w.dstrd)
	if !isSubmission {
		offset += uintptr(w.dstrd)
	}
	return w.Read32(offset)
}

// MQES returns CAP.MQES (maximum queue entries supported, minus one)
// as reported by the controller.
func (w *Window) MQES() uint16 {
	return uint16(w.Read64(uapi.RegCAP) & 0xFFFF)
}

// Package cpl demultiplexes NVMe completions by Command Identifier
// once the controller has finished its lifecycle's identify chain.
// Completions observed while that chain is still running are drained
// directly by the lifecycle package's own polling loop, never by this
// dispatcher — see Drain's doc on why the two never touch the admin
// queue concurrently.
package cpl

import (
	"bytes"
	"encoding/binary"
	"sync"

	"github.com/nvme2k/go-nvme2k/internal/interfaces"
	"github.com/nvme2k/go-nvme2k/internal/prp"
	"github.com/nvme2k/go-nvme2k/internal/queue"
	"github.com/nvme2k/go-nvme2k/internal/rw"
	"github.com/nvme2k/go-nvme2k/internal/uapi"
)

// PendingAdmin is a Get-Log-Page or pass-through admin command whose
// completion still needs to run a conversion against the PRP page it
// was told to write into before the waiting host request can finish.
type PendingAdmin struct {
	Req      interfaces.Request
	PRPIndex uint8
	Convert  func(*uapi.SmartLogPage) []byte

	// Passthrough marks a raw SAT/SMART pass-through envelope, as
	// opposed to a SCSI LOG SENSE translation: its response carries a
	// trailing 4-byte mirror of the completion's DW0 so a pass-through
	// caller can see the controller's raw completion word.
	Passthrough bool
}

// Dispatcher owns completion demultiplexing for both queues post-init.
type Dispatcher struct {
	admin *queue.Pair
	io    *queue.Pair
	pool  *prp.Pool
	rw    *rw.Engine
	host  interfaces.HostPort
	log   interfaces.Logger
	obs   interfaces.Observer

	initComplete func() bool
	lookup       func(cid uint16) (interfaces.Request, bool)

	mu      sync.Mutex
	pending map[uint16]PendingAdmin
}

// New constructs a Dispatcher. initComplete reports whether the
// lifecycle's identify chain has finished (gating admin-queue access);
// lookup resolves a tagged/non-tagged CID back to the host request
// that issued it, per the no-back-pointers design.
func New(admin, io *queue.Pair, pool *prp.Pool, engine *rw.Engine, host interfaces.HostPort,
	initComplete func() bool, lookup func(cid uint16) (interfaces.Request, bool),
	log interfaces.Logger, obs interfaces.Observer) *Dispatcher {
	if obs == nil {
		obs = interfaces.NoOpObserver{}
	}
	return &Dispatcher{
		admin: admin, io: io, pool: pool, rw: engine, host: host,
		initComplete: initComplete, lookup: lookup, log: log, obs: obs,
		pending: make(map[uint16]PendingAdmin),
	}
}

// RegisterPending records an outstanding Get-Log-Page/pass-through
// admin command so its completion can be converted and delivered.
func (d *Dispatcher) RegisterPending(cid uint16, p PendingAdmin) {
	d.mu.Lock()
	d.pending[cid] = p
	d.mu.Unlock()
}

// Drain drains both queues. It is a no-op on the admin queue until
// initComplete reports true, since the lifecycle's own polling loop
// owns that queue until then.
func (d *Dispatcher) Drain() bool {
	progressed := false
	if d.initComplete() {
		if d.admin.Drain(d.handleAdmin) {
			progressed = true
		}
	}
	if d.io.Drain(d.handleIO) {
		progressed = true
	}
	return progressed
}

func (d *Dispatcher) handleAdmin(cqe uapi.CQEntry) {
	d.mu.Lock()
	p, ok := d.pending[cqe.CID]
	if ok {
		delete(d.pending, cqe.CID)
	}
	d.mu.Unlock()
	if !ok {
		if d.log != nil {
			d.log.Warn("orphaned admin completion", "cid", cqe.CID)
		}
		d.obs.ObserveOrphanedCompletion()
		return
	}

	if cqe.StatusCode() != uapi.StatusSuccess {
		d.pool.Free(p.PRPIndex)
		p.Req.Complete(interfaces.StatusCheckCondition, deviceProtocolSense())
		return
	}

	raw := d.pool.VirtOf(p.PRPIndex)
	var smart uapi.SmartLogPage
	binary.Read(bytes.NewReader(raw), binary.LittleEndian, &smart)
	d.pool.Free(p.PRPIndex)

	payload := p.Convert(&smart)
	if p.Passthrough {
		mirror := make([]byte, 4)
		binary.LittleEndian.PutUint32(mirror, cqe.Result)
		payload = append(payload, mirror...)
	}
	p.Req.Complete(interfaces.StatusSuccess, payload)
}

func (d *Dispatcher) handleIO(cqe uapi.CQEntry) {
	defer d.io.CompletionDone()

	if queue.IsOrderedFlush(cqe.CID) {
		return
	}

	// lookup both resolves and removes the request tracked under this
	// CID, so a completion for a CID already completed once — the
	// request no longer pending, or never belonging to this SCSI
	// execution — finds ok false here rather than completing twice.
	req, ok := d.lookup(cqe.CID)
	if !ok {
		if d.log != nil {
			d.log.Warn("orphaned io completion", "cid", cqe.CID)
		}
		d.obs.ObserveOrphanedCompletion()
		return
	}

	if shadow := req.PRPShadow(); shadow != nil && *shadow != prp.NoPage {
		d.pool.Free(*shadow)
		*shadow = prp.NoPage
	}

	if d.rw != nil && d.rw.MatchesPatternTail(req.Buffer()) {
		d.rw.RestorePatternPrefix(req.Buffer())
	}

	success := cqe.StatusCode() == uapi.StatusSuccess
	if d.rw != nil {
		d.rw.Complete(cqe.CID, success)
	}

	if !success {
		req.Complete(interfaces.StatusCheckCondition, deviceProtocolSense())
	} else {
		req.Complete(interfaces.StatusSuccess, nil)
	}

	if d.host != nil {
		d.host.NotifyNextRequest()
	}
}

func deviceProtocolSense() []byte {
	return uapi.NewSense(uapi.SenseKeyHardwareError, uapi.ASCInternalTargetFailure, 0x00)
}

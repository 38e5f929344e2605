// Package rw implements CDB decode, the TRIM pattern-match fast path,
// the ordered-tag flush prologue, and standard NVMe Read/Write command
// construction and submission.
package rw

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nvme2k/go-nvme2k/internal/constants"
	"github.com/nvme2k/go-nvme2k/internal/interfaces"
	"github.com/nvme2k/go-nvme2k/internal/prp"
	"github.com/nvme2k/go-nvme2k/internal/queue"
	"github.com/nvme2k/go-nvme2k/internal/sg"
	"github.com/nvme2k/go-nvme2k/internal/uapi"
)

// ErrInvalidRequest is returned for a transfer that exceeds the
// device's advertised limits or buffer length.
var ErrInvalidRequest = errors.New("rw: invalid request")

// ErrUnsupportedCDB is returned by DecodeCDB for an opcode this
// package does not handle.
var ErrUnsupportedCDB = errors.New("rw: unsupported CDB opcode")

// Command is a decoded READ/WRITE CDB.
type Command struct {
	LBA    uint64
	Blocks uint32
	Write  bool
}

// DecodeCDB decodes a 6- or 10-byte READ/WRITE CDB. A 6-byte CDB's
// zero block count means 256 blocks, per the SCSI standard.
func DecodeCDB(cdb []byte) (Command, error) {
	if len(cdb) < 6 {
		return Command{}, fmt.Errorf("%w: cdb too short", ErrUnsupportedCDB)
	}
	switch cdb[0] {
	case uapi.ScsiOpRead6, uapi.ScsiOpWrite6:
		lba := uint64(cdb[1]&0x1F)<<16 | uint64(cdb[2])<<8 | uint64(cdb[3])
		count := uint32(cdb[4])
		if count == 0 {
			count = 256
		}
		return Command{LBA: lba, Blocks: count, Write: cdb[0] == uapi.ScsiOpWrite6}, nil
	case uapi.ScsiOpRead10, uapi.ScsiOpWrite10:
		if len(cdb) < 10 {
			return Command{}, fmt.Errorf("%w: 10-byte cdb too short", ErrUnsupportedCDB)
		}
		lba := uint64(binary.BigEndian.Uint32(cdb[2:6]))
		count := uint32(binary.BigEndian.Uint16(cdb[7:9]))
		return Command{LBA: lba, Blocks: count, Write: cdb[0] == uapi.ScsiOpWrite10}, nil
	default:
		return Command{}, fmt.Errorf("%w: opcode 0x%02x", ErrUnsupportedCDB, cdb[0])
	}
}

// opKind distinguishes the I/O commands Engine tracks for metrics
// purposes between submit and completion.
type opKind uint8

const (
	opRead opKind = iota
	opWrite
	opTrim
	opFlush
)

// inflightOp records what to report to the Observer once cid's
// completion arrives, since the NVMe completion queue entry itself
// carries no information about the request that produced it.
type inflightOp struct {
	kind  opKind
	bytes uint64
	start time.Time
}

// Engine owns the I/O queue pair and PRP pool and turns decoded
// commands into submitted NVMe I/O.
type Engine struct {
	io               *queue.Pair
	pool             *prp.Pool
	pageSize         int
	blockSize        uint32
	maxTransferBytes uint32
	seq              queue.SeqCounter

	trimEnabled bool
	trimPattern [constants.TrimPatternSize]byte

	log interfaces.Logger
	obs interfaces.Observer

	mu       sync.Mutex
	inflight map[uint16]inflightOp
}

// NewEngine constructs an Engine. blockSize and maxTransferBytes
// normally come from the lifecycle identify chain.
func NewEngine(io *queue.Pair, pool *prp.Pool, pageSize int, blockSize, maxTransferBytes uint32, log interfaces.Logger, obs interfaces.Observer) *Engine {
	if obs == nil {
		obs = interfaces.NoOpObserver{}
	}
	return &Engine{
		io: io, pool: pool, pageSize: pageSize, blockSize: blockSize, maxTransferBytes: maxTransferBytes,
		log: log, obs: obs, inflight: make(map[uint16]inflightOp),
	}
}

func (e *Engine) track(cid uint16, op inflightOp) {
	e.mu.Lock()
	e.inflight[cid] = op
	e.mu.Unlock()
}

// Complete reports cid's outcome to the configured Observer and drops
// the engine's bookkeeping for it. The completion dispatcher calls
// this once per I/O-queue completion, after decoding success/failure
// from the NVMe status code, for every CID this Engine submitted.
func (e *Engine) Complete(cid uint16, success bool) {
	e.mu.Lock()
	op, ok := e.inflight[cid]
	if ok {
		delete(e.inflight, cid)
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	latencyNs := uint64(time.Since(op.start))
	switch op.kind {
	case opRead:
		e.obs.ObserveRead(op.bytes, latencyNs, success)
	case opWrite:
		e.obs.ObserveWrite(op.bytes, latencyNs, success)
	case opTrim:
		e.obs.ObserveTrim(op.bytes, latencyNs, success)
	case opFlush:
		e.obs.ObserveFlush(latencyNs, success)
	}
}

// SetTrimMode enables or disables the TRIM pattern-match shortcut.
// Enabling requires an exact TrimPatternSize-byte pattern.
func (e *Engine) SetTrimMode(enabled bool, pattern []byte) error {
	if !enabled {
		e.trimEnabled = false
		return nil
	}
	if len(pattern) != constants.TrimPatternSize {
		return fmt.Errorf("%w: trim pattern must be %d bytes, got %d", ErrInvalidRequest, constants.TrimPatternSize, len(pattern))
	}
	copy(e.trimPattern[:], pattern)
	e.trimEnabled = true
	return nil
}

func (e *Engine) cidFor(tag uint8) uint16 {
	if tag == uapi.SPUntagged {
		return queue.EncodeNonTagged(e.seq.Next())
	}
	return queue.EncodeTagged(tag)
}

// Submit decodes nothing further (the caller already ran DecodeCDB)
// and emits the appropriate NVMe command(s) for req, returning the CID
// the host-visible completion will carry. Busy-back-off (queue full,
// PRP exhaustion) and invalid-request are distinguished by error type
// so the translation layer can map them to the right SCSI status.
func (e *Engine) Submit(req interfaces.Request, cmd Command) (uint16, error) {
	buf := req.Buffer()
	transferBytes := uint64(cmd.Blocks) * uint64(e.blockSize)
	if transferBytes > uint64(buf.Len()) || transferBytes > uint64(e.maxTransferBytes) {
		return 0, ErrInvalidRequest
	}

	if cmd.Write && e.trimEnabled && e.matchesPatternPrefix(buf) {
		return e.submitTrim(req, cmd)
	}

	if req.Ordered() {
		flushCID := queue.EncodeOrderedFlush(req.Tag())
		flush := &uapi.SQEntry{Opcode: uapi.IOOpFlush, CommandID: flushCID, NSID: 1}
		// best-effort: a full queue here just means the ordering barrier
		// is skipped for this one request, not that it should fail.
		_ = e.io.Submit(flush, true)
	}

	cid := e.cidFor(req.Tag())
	opcode := uint8(uapi.IOOpRead)
	if cmd.Write {
		opcode = uapi.IOOpWrite
	}

	desc, err := sg.Build(buf, e.pageSize, e.pool)
	if err != nil {
		e.observeResource(err)
		return 0, err
	}
	if shadow := req.PRPShadow(); shadow != nil {
		*shadow = desc.ListPage
	}

	nsqe := &uapi.SQEntry{
		Opcode:    opcode,
		CommandID: cid,
		NSID:      1,
		PRP1:      desc.PRP1,
		PRP2:      desc.PRP2,
		CDW10:     uint32(cmd.LBA),
		CDW11:     uint32(cmd.LBA >> 32),
		CDW12:     cmd.Blocks - 1,
	}
	if err := e.io.Submit(nsqe, true); err != nil {
		if desc.ListPage != prp.NoPage {
			e.pool.Free(desc.ListPage)
		}
		e.obs.ObserveQueueFull()
		return 0, queue.ErrQueueFull
	}
	kind := opRead
	if cmd.Write {
		kind = opWrite
	}
	e.track(cid, inflightOp{kind: kind, bytes: transferBytes, start: time.Now()})
	return cid, nil
}

// SubmitFlush emits the NVMe Flush command SYNCHRONIZE CACHE(10)
// translates to, tracked the same way Submit tracks Read/Write so its
// completion reaches the Observer.
func (e *Engine) SubmitFlush(req interfaces.Request) (uint16, error) {
	cid := e.cidFor(req.Tag())
	flush := &uapi.SQEntry{Opcode: uapi.IOOpFlush, CommandID: cid, NSID: 1}
	if err := e.io.Submit(flush, true); err != nil {
		e.obs.ObserveQueueFull()
		return 0, queue.ErrQueueFull
	}
	e.track(cid, inflightOp{kind: opFlush, start: time.Now()})
	return cid, nil
}

func (e *Engine) submitTrim(req interfaces.Request, cmd Command) (uint16, error) {
	buf := req.Buffer()
	rng := uapi.DSMRange{ContextAttributes: 0, LengthInBlocks: cmd.Blocks, StartingLBA: cmd.LBA}
	encoded := make([]byte, 16)
	w := bytes.NewBuffer(encoded[:0])
	binary.Write(w, binary.LittleEndian, &rng)
	copy(buf.Bytes()[:16], w.Bytes())

	cid := e.cidFor(req.Tag())
	dsm := &uapi.SQEntry{
		Opcode:    uapi.IOOpDSM,
		CommandID: cid,
		NSID:      1,
		PRP1:      buf.PhysAddr(0),
		CDW10:     0, // one range, NR is zero-based
		CDW11:     uapi.DSMAttrDeallocate,
	}
	if shadow := req.PRPShadow(); shadow != nil {
		*shadow = prp.NoPage
	}
	if err := e.io.Submit(dsm, true); err != nil {
		e.obs.ObserveQueueFull()
		return 0, queue.ErrQueueFull
	}
	e.track(cid, inflightOp{kind: opTrim, bytes: uint64(cmd.Blocks), start: time.Now()})
	return cid, nil
}

// matchesPatternPrefix reports whether the first TrimPatternSize bytes
// of buf's data bitwise equal the stored pattern.
func (e *Engine) matchesPatternPrefix(buf interfaces.HostBuffer) bool {
	if buf.Len() < constants.TrimPatternSize {
		return false
	}
	return bytes.Equal(buf.Bytes()[:constants.TrimPatternSize], e.trimPattern[:])
}

// MatchesPatternTail reports whether TRIM mode is on and bytes
// 16..TrimPatternSize-1 of buf still match the stored pattern — the
// completion-side signal for the TRIM fast path. It returns false for
// a nil buf or while TRIM mode is off. It does not know which command
// the buffer belonged to: while TRIM mode is on, any completed
// request whose buffer tail matches the pattern qualifies.
func (e *Engine) MatchesPatternTail(buf interfaces.HostBuffer) bool {
	if !e.trimEnabled || buf == nil || buf.Len() < constants.TrimPatternSize {
		return false
	}
	return bytes.Equal(buf.Bytes()[16:constants.TrimPatternSize], e.trimPattern[16:])
}

// RestorePatternPrefix overwrites buf's first 16 bytes with the
// stored pattern's first 16 bytes, undoing the DSM range descriptor
// that submitTrim wrote in place. See PatternRestoreContract in the
// package doc of the translation layer for the convention this
// assumes about the pattern-generating tool.
func (e *Engine) RestorePatternPrefix(buf interfaces.HostBuffer) {
	copy(buf.Bytes()[:16], e.trimPattern[:16])
}

func (e *Engine) observeResource(err error) {
	if errors.Is(err, sg.ErrNoResources) {
		e.obs.ObservePRPExhausted()
	}
}

// UpdateGeometry is called once the lifecycle's identify chain
// completes, replacing the provisional geometry Engine was built with.
func (e *Engine) UpdateGeometry(blockSize, maxTransferBytes uint32) {
	e.blockSize = blockSize
	e.maxTransferBytes = maxTransferBytes
}

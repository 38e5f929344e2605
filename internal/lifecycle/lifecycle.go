// Package lifecycle implements the controller reset/enable/identify and
// shutdown sequences: the only place in the driver that talks to the
// register window directly rather than through a queue pair.
package lifecycle

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nvme2k/go-nvme2k/internal/arena"
	"github.com/nvme2k/go-nvme2k/internal/constants"
	"github.com/nvme2k/go-nvme2k/internal/interfaces"
	"github.com/nvme2k/go-nvme2k/internal/prp"
	"github.com/nvme2k/go-nvme2k/internal/queue"
	"github.com/nvme2k/go-nvme2k/internal/regs"
	"github.com/nvme2k/go-nvme2k/internal/uapi"
)

// Identity holds the controller/namespace facts extracted during the
// identify chain, consumed by the translation layer for INQUIRY, READ
// CAPACITY, and MODE SENSE geometry.
type Identity struct {
	Serial               string
	Model                string
	Firmware             string
	ModelRaw             [40]byte
	FirmwareRaw          [8]byte
	NamespaceBlocks      uint64
	BlockSize            uint32
	MaxTransferSizeBytes uint32
}

// Controller owns the register window, the arena, the two queue pairs,
// and the PRP pool, and drives them through Sanitize/Enable/Shutdown.
type Controller struct {
	win   *regs.Window
	block *arena.Block
	pool  *prp.Pool

	Admin *queue.Pair
	IO    *queue.Pair

	pageSize  int
	log       interfaces.Logger
	InitComplete bool
	Identity  Identity
}

// New wraps an already-mapped register window; Enable does the rest.
func New(win *regs.Window, log interfaces.Logger) *Controller {
	return &Controller{win: win, log: log}
}

// Sanitize masks interrupts, clears the admin queue registers, and
// drives CC.EN/CC.SHN to the disabled state, tolerating a controller
// that never reports RDY=0 by forcing CC=0 on the final attempt.
func (c *Controller) Sanitize() error {
	c.win.Write32(uapi.RegINTMS, 0xFFFFFFFF)
	c.win.Write32(uapi.RegAQA, 0)
	c.win.Write64(uapi.RegASQ, 0)
	c.win.Write64(uapi.RegACQ, 0)
	c.win.Write32(uapi.RegCC, 0)

	for i := 0; i < 5; i++ {
		csts := c.win.Read32(uapi.RegCSTS)
		if csts&uapi.CSTSRDY == 0 {
			break
		}
		if i == 4 {
			c.win.Write32(uapi.RegCC, 0)
			break
		}
		time.Sleep(constants.PollInterval)
	}

	// some controller emulators clear INTMS on reset; reassert it.
	c.win.Write32(uapi.RegINTMS, 0xFFFFFFFF)
	return nil
}

// Enable allocates the arena and queue pairs, programs AQA/ASQ/ACQ and
// CC, and waits for CSTS.RDY=1. Interrupts stay masked: the identify
// chain that follows uses polling.
func (c *Controller) Enable(prpPages int) error {
	c.pageSize = constants.PageSize
	c.win.CacheDSTRD()

	mqes := c.win.MQES()
	adminSize := clampQueueSize(uint32(mqes)+1, c.pageSize)
	ioSize := clampQueueSize(uint32(mqes)+1, c.pageSize)

	block, actualPRPPages, err := arena.NewWithFallback(prpPages, constants.MinPRPPoolPages, c.pageSize)
	if err != nil {
		return fmt.Errorf("lifecycle: enable: %w", err)
	}
	c.block = block

	// Allocation order here is admin SQ+CQ, I/O SQ+CQ, then the PRP
	// pool, each pair carved out together rather than interleaved with
	// the other pair's queue as laid out conceptually. The arena hands
	// out identity-mapped physical addresses regardless of carve order,
	// so this only matters if a future backing store stops being
	// identity-mapped.
	admin, err := queue.NewPair(c.win, c.block, uapi.QueueIDAdmin, adminSize)
	if err != nil {
		return fmt.Errorf("lifecycle: enable: admin queue: %w", err)
	}
	c.Admin = admin

	io, err := queue.NewPair(c.win, c.block, uapi.QueueIDIO, ioSize)
	if err != nil {
		return fmt.Errorf("lifecycle: enable: io queue: %w", err)
	}
	c.IO = io

	pool, err := prp.New(c.block, actualPRPPages)
	if err != nil {
		return fmt.Errorf("lifecycle: enable: prp pool: %w", err)
	}
	c.pool = pool

	aqa := uint32((adminSize-1)<<16) | (adminSize - 1)
	c.win.Write32(uapi.RegAQA, aqa)
	c.win.Write64(uapi.RegASQ, c.Admin.SQPhys())
	c.win.Write64(uapi.RegACQ, c.Admin.CQPhys())

	mps := log2(uint32(c.pageSize)) - 12
	cc := uint32(1) << uapi.CCEnShift
	cc |= uapi.CCCSSNvm << uapi.CCCSSShift
	cc |= mps << uapi.CCMPSShift
	cc |= uapi.CCAMSRR << uapi.CCAMSShift
	cc |= uint32(6) << uapi.CCIOSQESShift
	cc |= uint32(4) << uapi.CCIOCQESShift
	c.win.Write32(uapi.RegCC, cc)

	deadline := time.Now().Add(constants.EnableReadyTimeout)
	for {
		if c.win.Read32(uapi.RegCSTS)&uapi.CSTSRDY != 0 {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("lifecycle: enable: timed out waiting for CSTS.RDY")
		}
		time.Sleep(constants.PollInterval)
	}

	if c.log != nil {
		c.log.Info("controller enabled", "admin_size", adminSize, "io_size", ioSize, "prp_pages", actualPRPPages)
	}
	return nil
}

// Block exposes the arena backing the queues and PRP pool. A real
// device never needs this; a simulated one resolves PRP pointers
// against it directly rather than through a separate DMA mapping.
func (c *Controller) Block() *arena.Block { return c.block }

// Pool exposes the PRP pool for the scatter/gather builder and the
// utility-buffer identify transfers below.
func (c *Controller) Pool() *prp.Pool { return c.pool }

// RunIdentifyChain submits Create I/O CQ, Create I/O SQ, Identify
// Controller, and Identify Namespace in sequence, each gated on the
// previous one's completion, using a dedicated utility page borrowed
// from the PRP pool for the Identify transfers. poll is called between
// submission and completion checks; in production this is the admin
// queue's own Drain, in tests it can step a simulated controller.
func (c *Controller) RunIdentifyChain(poll func(timeout time.Duration, cid uint16) (uapi.CQEntry, error)) error {
	utilIdx := c.pool.Allocate()
	if utilIdx == prp.NoPage {
		return fmt.Errorf("lifecycle: identify: no utility page available")
	}
	defer c.pool.Free(utilIdx)
	utilPhys := c.pool.PhysOf(utilIdx)
	utilVirt := c.pool.VirtOf(utilIdx)

	createCQ := &uapi.SQEntry{
		Opcode:    uapi.AdminOpCreateIOCQ,
		CommandID: uapi.AdminCIDCreateIOCQ,
		PRP1:      c.IO.CQPhys(),
		CDW10:     uint32(c.IO.ID())<<16 | (c.IO.Size() - 1),
		CDW11:     uapi.QueuePhysContig | uapi.QueueIRQEnabled,
	}
	if err := c.submitAdminStep(createCQ, poll); err != nil {
		return fmt.Errorf("lifecycle: create io cq: %w", err)
	}

	createSQ := &uapi.SQEntry{
		Opcode:    uapi.AdminOpCreateIOSQ,
		CommandID: uapi.AdminCIDCreateIOSQ,
		PRP1:      c.IO.SQPhys(),
		CDW10:     uint32(c.IO.ID())<<16 | (c.IO.Size() - 1),
		CDW11:     uint32(c.IO.ID())<<16 | uapi.QueuePhysContig,
	}
	if err := c.submitAdminStep(createSQ, poll); err != nil {
		return fmt.Errorf("lifecycle: create io sq: %w", err)
	}

	identifyCtrl := &uapi.SQEntry{
		Opcode:    uapi.AdminOpIdentify,
		CommandID: uapi.AdminCIDIdentifyController,
		PRP1:      utilPhys,
		CDW10:     uapi.IdentifyCNSController,
	}
	if err := c.submitAdminStep(identifyCtrl, poll); err != nil {
		return fmt.Errorf("lifecycle: identify controller: %w", err)
	}
	var ic uapi.IdentifyController
	binary.Read(bytes.NewReader(utilVirt), binary.LittleEndian, &ic)
	c.Identity.Serial = uapi.TrimASCII(ic.SerialNumber[:])
	c.Identity.Model = uapi.TrimASCII(ic.ModelNumber[:])
	c.Identity.Firmware = uapi.TrimASCII(ic.Firmware[:])
	c.Identity.ModelRaw = ic.ModelNumber
	c.Identity.FirmwareRaw = ic.Firmware
	c.Identity.MaxTransferSizeBytes = maxTransferSizeBytes(ic.MDTS, c.pageSize)

	identifyNS := &uapi.SQEntry{
		Opcode:    uapi.AdminOpIdentify,
		CommandID: uapi.AdminCIDIdentifyNamespace,
		NSID:      1,
		PRP1:      utilPhys,
		CDW10:     uapi.IdentifyCNSNamespace,
	}
	if err := c.submitAdminStep(identifyNS, poll); err != nil {
		return fmt.Errorf("lifecycle: identify namespace: %w", err)
	}
	var ins uapi.IdentifyNamespace
	binary.Read(bytes.NewReader(utilVirt), binary.LittleEndian, &ins)
	c.Identity.NamespaceBlocks = ins.NSZE
	lbaIdx := ins.FLBAS & 0x0F
	blockSize := uint32(512)
	if int(lbaIdx) < len(ins.LBAF) && ins.LBAF[lbaIdx].LBADS != 0 {
		blockSize = 1 << ins.LBAF[lbaIdx].LBADS
	}
	c.Identity.BlockSize = blockSize

	c.InitComplete = true
	if c.log != nil {
		c.log.Info("identify complete",
			"model", c.Identity.Model, "serial", c.Identity.Serial,
			"blocks", c.Identity.NamespaceBlocks, "block_size", c.Identity.BlockSize,
			"max_transfer", c.Identity.MaxTransferSizeBytes)
	}
	return nil
}

func (c *Controller) submitAdminStep(cmd *uapi.SQEntry, poll func(time.Duration, uint16) (uapi.CQEntry, error)) error {
	if err := c.Admin.Submit(cmd, false); err != nil {
		return err
	}
	cqe, err := poll(constants.EnableReadyTimeout, cmd.CommandID)
	if err != nil {
		return err
	}
	if cqe.StatusCode() != uapi.StatusSuccess {
		return fmt.Errorf("admin command cid=%d failed: status=0x%02x", cmd.CommandID, cqe.StatusCode())
	}
	return nil
}

// EnableInterrupts unmasks vector 0 by setting bit 0 of INTMC. The PCI
// configuration-space interrupt-disable bit is left alone, since
// configuration-space access is out of scope.
func (c *Controller) EnableInterrupts() {
	c.win.Write32(uapi.RegINTMC, 0x1)
}

// Shutdown masks interrupts, tears down the I/O queue pair, requests a
// normal controller shutdown, waits for it to complete, disables the
// controller, and resets software queue state so a subsequent Enable
// starts from the documented fresh-queue invariants.
func (c *Controller) Shutdown(poll func(timeout time.Duration, cid uint16) (uapi.CQEntry, error)) error {
	c.win.Write32(uapi.RegINTMS, 0xFFFFFFFF)

	if c.win.Read32(uapi.RegCSTS)&uapi.CSTSRDY != 0 {
		deleteSQ := &uapi.SQEntry{Opcode: uapi.AdminOpDeleteIOSQ, CommandID: uapi.AdminCIDShutdownDeleteSQ, CDW10: uint32(c.IO.ID())}
		if err := c.Admin.Submit(deleteSQ, false); err == nil {
			poll(constants.QueueDeleteTimeout, deleteSQ.CommandID)
		}
		deleteCQ := &uapi.SQEntry{Opcode: uapi.AdminOpDeleteIOCQ, CommandID: uapi.AdminCIDShutdownDeleteCQ, CDW10: uint32(c.IO.ID())}
		if err := c.Admin.Submit(deleteCQ, false); err == nil {
			poll(constants.QueueDeleteTimeout, deleteCQ.CommandID)
		}

		cc := c.win.Read32(uapi.RegCC)
		cc = (cc &^ (uint32(0x3) << uapi.CCSHNShift)) | (uint32(uapi.CCSHNNormal) << uapi.CCSHNShift)
		c.win.Write32(uapi.RegCC, cc)

		deadline := time.Now().Add(constants.ShutdownCompleteTimeout)
		for {
			shst := (c.win.Read32(uapi.RegCSTS) >> uapi.CSTSSHSTShift) & uapi.CSTSSHSTMask
			if shst == uapi.CSTSSHSTComplete {
				break
			}
			if time.Now().After(deadline) {
				if c.log != nil {
					c.log.Error("shutdown: timed out waiting for CSTS.SHST complete")
				}
				break
			}
			time.Sleep(constants.PollInterval)
		}
	}

	c.win.Write32(uapi.RegCC, 0)
	deadline := time.Now().Add(constants.ShutdownCompleteTimeout)
	for c.win.Read32(uapi.RegCSTS)&uapi.CSTSRDY != 0 && time.Now().Before(deadline) {
		time.Sleep(constants.PollInterval)
	}

	c.win.Write32(uapi.RegAQA, 0)
	c.win.Write64(uapi.RegASQ, 0)
	c.win.Write64(uapi.RegACQ, 0)

	if c.Admin != nil {
		c.Admin.Reset()
	}
	if c.IO != nil {
		c.IO.Reset()
	}
	c.InitComplete = false
	if c.log != nil {
		c.log.Info("controller shut down")
	}
	return nil
}

// Close releases the arena backing every queue and pool allocation.
func (c *Controller) Close() error {
	if c.block != nil {
		return c.block.Close()
	}
	return nil
}

func clampQueueSize(mqesPlus1 uint32, pageSize int) uint32 {
	maxEntries := uint32(pageSize / 64)
	size := mqesPlus1
	if size > maxEntries {
		size = maxEntries
	}
	// round down to a power of two
	p := uint32(1)
	for p*2 <= size {
		p *= 2
	}
	if p == 0 {
		p = 1
	}
	return p
}

func maxTransferSizeBytes(mdts uint8, pageSize int) uint32 {
	maxPages := uint32(constants.MaxPRPListEntries)
	if mdts == 0 {
		return maxPages * uint32(pageSize)
	}
	pages := uint32(1) << mdts
	if pages > maxPages {
		pages = maxPages
	}
	return pages * uint32(pageSize)
}

func log2(n uint32) uint32 {
	var l uint32
	for n > 1 {
		n >>= 1
		l++
	}
	return l
}

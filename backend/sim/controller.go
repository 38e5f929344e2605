package sim

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nvme2k/go-nvme2k/internal/arena"
	"github.com/nvme2k/go-nvme2k/internal/queue"
	"github.com/nvme2k/go-nvme2k/internal/regs"
	"github.com/nvme2k/go-nvme2k/internal/uapi"
)

// Identity seeds the Identify Controller / Identify Namespace data the
// simulated controller reports back to the driver's identify chain.
type Identity struct {
	Serial    string
	Model     string
	Firmware  string
	MDTS      uint8 // 0 = unlimited
	BlockSize uint32
}

// Controller simulates enough of an NVMe 1.0e controller's register
// and queue behavior to drive the real driver end to end: the
// CC/CSTS enable and shutdown handshake, admin command execution
// against Identity, and I/O against a Namespace. All state-changing
// work happens inside Step; callers decide whether that means polling
// from the same goroutine or ticking it from a dedicated one standing
// in for the card's own firmware loop.
type Controller struct {
	win      *regs.Window
	block    *arena.Block
	ns       *Namespace
	identity Identity

	admin *queue.Pair
	io    *queue.Pair

	adminSeen uint32
	ioSeen    uint32
}

// NewController builds a simulated controller over a fresh BAR0
// region, seeded with a 64-deep-queue, DSTRD=0 capability profile.
// Pass the returned Window to lifecycle.New.
func NewController(ns *Namespace, identity Identity) *Controller {
	win := regs.NewWindow(make([]byte, 0x3000))
	win.Write64(uapi.RegCAP, uint64(63)) // MQES=63 (64 entries), DSTRD=0
	win.Write32(uapi.RegVS, 0x00010000)  // NVMe 1.0
	return &Controller{win: win, ns: ns, identity: identity}
}

// Window exposes the simulated BAR0.
func (c *Controller) Window() *regs.Window { return c.win }

// Bind records the queue pairs and arena the driver's lifecycle.Enable
// created. A real device would learn queue base addresses by parsing
// AQA/ASQ/ACQ and the Create I/O SQ/CQ commands it executes; since
// this simulation's "device" and "driver" share one process and one
// arena, it is simplest — and no less faithful to the wire protocol
// both sides observe — to hand the controller the same objects.
func (c *Controller) Bind(admin, io *queue.Pair, block *arena.Block) {
	c.admin = admin
	c.io = io
	c.block = block
}

// Step advances the CC/CSTS handshake and executes any newly
// submitted commands, posting a completion for each. It returns the
// number of commands executed.
func (c *Controller) Step() int {
	c.stepConfig()
	n := 0
	if c.admin != nil {
		n += c.drainSubmissions(c.admin, &c.adminSeen, c.executeAdmin)
	}
	if c.io != nil {
		n += c.drainSubmissions(c.io, &c.ioSeen, c.executeIO)
	}
	return n
}

// Poll matches the poll signature lifecycle.RunIdentifyChain and
// Shutdown expect: it steps the simulated controller once so it can
// act on whatever the caller just submitted or wrote to CC, then waits
// for a matching admin completion to appear, driving further Step
// calls until the deadline.
func (c *Controller) Poll(timeout time.Duration, cid uint16) (uapi.CQEntry, error) {
	deadline := time.Now().Add(timeout)
	for {
		c.Step()
		var found *uapi.CQEntry
		c.admin.Drain(func(cqe uapi.CQEntry) {
			if cqe.CID == cid {
				found = &cqe
			}
		})
		if found != nil {
			return *found, nil
		}
		if time.Now().After(deadline) {
			return uapi.CQEntry{}, fmt.Errorf("sim: timed out waiting for cid=%d", cid)
		}
		time.Sleep(time.Millisecond)
	}
}

// stepConfig reacts to edges in CC: EN 0->1 boots the controller,
// SHN None->Normal while enabled completes a graceful shutdown
// request, and EN 1->0 fully disables it. Each branch is idempotent
// against the CSTS state it would have already produced.
func (c *Controller) stepConfig() {
	cc := c.win.Read32(uapi.RegCC)
	csts := c.win.Read32(uapi.RegCSTS)
	en := cc&(1<<uapi.CCEnShift) != 0
	shn := (cc >> uapi.CCSHNShift) & uapi.CSTSSHSTMask
	rdy := csts&uapi.CSTSRDY != 0
	shst := (csts >> uapi.CSTSSHSTShift) & uapi.CSTSSHSTMask

	switch {
	case en && !rdy:
		c.win.Write32(uapi.RegCSTS, uapi.CSTSRDY)
	case en && shn == uapi.CCSHNNormal && shst != uapi.CSTSSHSTComplete:
		c.win.Write32(uapi.RegCSTS, csts|(uapi.CSTSSHSTComplete<<uapi.CSTSSHSTShift))
	case !en && rdy:
		c.win.Write32(uapi.RegCSTS, 0)
	}
}

// drainSubmissions reads the host-written submission-queue doorbell
// and executes every slot between the controller's last-seen cursor
// and that tail. Because the doorbell carries only a masked index,
// not a wrap count, a caller that lets more than queue-size-1
// submissions accumulate between Step calls will lose the ones beyond
// one full lap — fine for this synchronous simulation's use, where
// Step normally runs after each submission.
func (c *Controller) drainSubmissions(p *queue.Pair, seen *uint32, exec func(uapi.SQEntry) uint16) int {
	tail := c.win.ReadDoorbell(p.ID(), true)
	size := p.Size()
	count := 0
	for *seen != tail {
		sqe := p.SubmissionAt(*seen)
		status := exec(sqe)
		*seen = (*seen + 1) % size
		p.PostCompletion(sqe.CommandID, uint16(*seen), status)
		count++
	}
	return count
}

func (c *Controller) executeAdmin(sqe uapi.SQEntry) uint16 {
	switch sqe.Opcode {
	case uapi.AdminOpCreateIOCQ, uapi.AdminOpCreateIOSQ, uapi.AdminOpDeleteIOCQ, uapi.AdminOpDeleteIOSQ:
		return uapi.StatusSuccess
	case uapi.AdminOpIdentify:
		return c.executeIdentify(sqe)
	case uapi.AdminOpGetLogPage:
		return c.executeGetLogPage(sqe)
	default:
		return uapi.StatusInvalidField
	}
}

func (c *Controller) executeIdentify(sqe uapi.SQEntry) uint16 {
	page, ok := c.block.VirtOf(sqe.PRP1, 4096)
	if !ok {
		return uapi.StatusInvalidField
	}
	for i := range page {
		page[i] = 0
	}

	switch sqe.CDW10 & 0xFF {
	case uapi.IdentifyCNSController:
		ic := uapi.IdentifyController{
			MDTS: c.identity.MDTS,
			NN:   1,
		}
		copy(ic.SerialNumber[:], uapi.PadASCII(c.identity.Serial, 20))
		copy(ic.ModelNumber[:], uapi.PadASCII(c.identity.Model, 40))
		copy(ic.Firmware[:], uapi.PadASCII(c.identity.Firmware, 8))
		encodeStruct(page, &ic)
	case uapi.IdentifyCNSNamespace:
		blockSize := c.identity.BlockSize
		if blockSize == 0 {
			blockSize = 512
		}
		blocks := uint64(c.ns.Size()) / uint64(blockSize)
		lbads := uint8(0)
		for sz := blockSize; sz > 1; sz >>= 1 {
			lbads++
		}
		ins := uapi.IdentifyNamespace{NSZE: blocks, NCAP: blocks, NUSE: blocks, NLBAF: 1, FLBAS: 0}
		ins.LBAF[0] = uapi.LBAFormat{LBADS: lbads}
		encodeStruct(page, &ins)
	default:
		return uapi.StatusInvalidField
	}
	return uapi.StatusSuccess
}

func (c *Controller) executeGetLogPage(sqe uapi.SQEntry) uint16 {
	if sqe.CDW10&0xFF != uapi.LogPageSmartHealth {
		return uapi.StatusInvalidField
	}
	page, ok := c.block.VirtOf(sqe.PRP1, 512)
	if !ok {
		return uapi.StatusInvalidField
	}
	for i := range page {
		page[i] = 0
	}
	smart := uapi.SmartLogPage{CriticalWarning: 0, CompositeTemperature: 310, PercentageUsed: 1}
	encodeStruct(page, &smart)
	return uapi.StatusSuccess
}

func (c *Controller) executeIO(sqe uapi.SQEntry) uint16 {
	blockSize := c.identity.BlockSize
	if blockSize == 0 {
		blockSize = 512
	}
	lba := uint64(sqe.CDW10) | uint64(sqe.CDW11)<<32

	switch sqe.Opcode {
	case uapi.IOOpRead:
		blocks := uint64(sqe.CDW12) + 1
		length := int(blocks * uint64(blockSize))
		buf, ok := c.block.VirtOf(sqe.PRP1, length)
		if !ok {
			return uapi.StatusInvalidField
		}
		c.ns.ReadAt(buf, int64(lba*uint64(blockSize)))
		return uapi.StatusSuccess
	case uapi.IOOpWrite:
		blocks := uint64(sqe.CDW12) + 1
		length := int(blocks * uint64(blockSize))
		buf, ok := c.block.VirtOf(sqe.PRP1, length)
		if !ok {
			return uapi.StatusInvalidField
		}
		c.ns.WriteAt(buf, int64(lba*uint64(blockSize)))
		return uapi.StatusSuccess
	case uapi.IOOpFlush:
		return uapi.StatusSuccess
	case uapi.IOOpDSM:
		return c.executeDSM(sqe)
	default:
		return uapi.StatusInvalidField
	}
}

func (c *Controller) executeDSM(sqe uapi.SQEntry) uint16 {
	blockSize := c.identity.BlockSize
	if blockSize == 0 {
		blockSize = 512
	}
	numRanges := int(sqe.CDW10&0xFF) + 1
	desc, ok := c.block.VirtOf(sqe.PRP1, numRanges*16)
	if !ok {
		return uapi.StatusInvalidField
	}
	for i := 0; i < numRanges; i++ {
		rng := desc[i*16 : i*16+16]
		length := binary.LittleEndian.Uint32(rng[4:8])
		lba := binary.LittleEndian.Uint64(rng[8:16])
		c.ns.Discard(int64(lba*uint64(blockSize)), int64(length)*int64(blockSize))
	}
	return uapi.StatusSuccess
}

// encodeStruct serializes v in little-endian wire order into the front
// of dst, the same layout lifecycle.RunIdentifyChain decodes with
// binary.Read against a live device's Identify/Get Log Page buffers.
func encodeStruct(dst []byte, v any) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, v)
	copy(dst, buf.Bytes())
}

package nvme2k

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nvme2k/go-nvme2k/internal/cpl"
	"github.com/nvme2k/go-nvme2k/internal/interfaces"
	"github.com/nvme2k/go-nvme2k/internal/lifecycle"
	"github.com/nvme2k/go-nvme2k/internal/prp"
	"github.com/nvme2k/go-nvme2k/internal/queue"
	"github.com/nvme2k/go-nvme2k/internal/regs"
	"github.com/nvme2k/go-nvme2k/internal/rw"
	"github.com/nvme2k/go-nvme2k/internal/sg"
	"github.com/nvme2k/go-nvme2k/internal/uapi"
	"github.com/nvme2k/go-nvme2k/internal/xlt"
)

// Device is the bound driver instance a host port drives: one register
// window, one admin queue pair, one I/O queue pair, and the
// translation/completion machinery sitting on top of them.
type Device struct {
	cfg  Config
	lc   *lifecycle.Controller
	rw   *rw.Engine
	xlt  *xlt.Translator
	disp *cpl.Dispatcher
	host interfaces.HostPort

	mu       sync.Mutex
	inflight map[uint16]interfaces.Request
}

// adminPoll drives the admin queue's own Drain loop until cid's
// completion appears or timeout elapses; this is the poll function a
// real controller's lifecycle uses (as opposed to a simulated
// controller's Poll, which also has to step the "device" side).
func adminPoll(admin *queue.Pair) func(time.Duration, uint16) (uapi.CQEntry, error) {
	return func(timeout time.Duration, cid uint16) (uapi.CQEntry, error) {
		deadline := time.Now().Add(timeout)
		for {
			var found *uapi.CQEntry
			admin.Drain(func(cqe uapi.CQEntry) {
				if cqe.CID == cid {
					found = &cqe
				}
			})
			if found != nil {
				return *found, nil
			}
			if time.Now().After(deadline) {
				return uapi.CQEntry{}, fmt.Errorf("nvme2k: timed out waiting for cid=%d", cid)
			}
			time.Sleep(time.Millisecond)
		}
	}
}

// Bind runs the full controller bring-up — sanitize, enable, identify
// chain, I/O queue creation — over an already-mapped register window
// and returns a Device ready to accept requests. host provides timer
// scheduling and the "next request" notification sink; it is not
// consulted during bring-up.
//
// Bind assumes a real controller that answers CSTS/admin commands
// without outside help. A test harness driving a simulated controller
// needs to interleave Step calls between Sanitize/Enable/Bind-to-queues
// and the identify chain; use NewFromLifecycle with a lifecycle.Controller
// the caller has already brought up that way instead.
func Bind(win *regs.Window, host interfaces.HostPort, opts ...Option) (*Device, error) {
	cfg := DefaultConfig().apply(opts)

	lc := lifecycle.New(win, cfg.Logger)
	if err := lc.Sanitize(); err != nil {
		return nil, WrapError("Bind", ErrLifecycle, err)
	}
	if err := lc.Enable(cfg.PRPPoolPages); err != nil {
		return nil, WrapError("Bind", ErrLifecycle, err)
	}
	if err := lc.RunIdentifyChain(adminPoll(lc.Admin)); err != nil {
		return nil, WrapError("Bind", ErrLifecycle, err)
	}
	lc.EnableInterrupts()

	return newDevice(lc, host, cfg)
}

// NewFromLifecycle wires the read/write engine, translation layer, and
// completion dispatcher around a lifecycle.Controller that has already
// completed Sanitize/Enable/RunIdentifyChain. Bind is the convenience
// path for real hardware; this is the seam a test harness or a caller
// with unusual bring-up sequencing uses directly.
func NewFromLifecycle(lc *lifecycle.Controller, host interfaces.HostPort, opts ...Option) (*Device, error) {
	return newDevice(lc, host, DefaultConfig().apply(opts))
}

func newDevice(lc *lifecycle.Controller, host interfaces.HostPort, cfg Config) (*Device, error) {
	engine := rw.NewEngine(lc.IO, lc.Pool(), 4096, lc.Identity.BlockSize, lc.Identity.MaxTransferSizeBytes, cfg.Logger, cfg.Observer)
	if cfg.TrimMode {
		if err := engine.SetTrimMode(true, cfg.TrimPattern); err != nil {
			return nil, WrapError("NewFromLifecycle", ErrInvalidRequest, err)
		}
	}

	d := &Device{
		cfg:      cfg,
		lc:       lc,
		rw:       engine,
		xlt:      xlt.New(lc.Identity),
		host:     host,
		inflight: make(map[uint16]interfaces.Request),
	}
	d.disp = cpl.New(lc.Admin, lc.IO, lc.Pool(), engine, host,
		func() bool { return lc.InitComplete }, d.takeInflight, cfg.Logger, cfg.Observer)

	return d, nil
}

// takeInflight resolves and removes the request tracked under cid, the
// single lookup-by-CID point the completion dispatcher calls into;
// this is the host-owned-identity redesign's driver-side half (see the
// doc comments in internal/interfaces/hostport.go for the
// no-back-pointers rule).
func (d *Device) takeInflight(cid uint16) (interfaces.Request, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	req, ok := d.inflight[cid]
	if ok {
		delete(d.inflight, cid)
	}
	return req, ok
}

func (d *Device) track(cid uint16, req interfaces.Request) {
	d.mu.Lock()
	d.inflight[cid] = req
	d.mu.Unlock()
}

// Drain demultiplexes any completions currently visible on either
// queue, delivering terminal status to the requests they belong to.
// The host port calls this from both its ISR and its fallback timer.
func (d *Device) Drain() bool {
	return d.disp.Drain()
}

// Identity returns the controller/namespace facts learned during
// Bind's identify chain.
func (d *Device) Identity() lifecycle.Identity {
	return d.lc.Identity
}

// Metrics returns the bound Observer if it is a *Metrics, or nil if a
// caller supplied a different Observer implementation.
func (d *Device) Metrics() *Metrics {
	m, _ := d.cfg.Observer.(*Metrics)
	return m
}

// Submit decodes req's CDB and drives it to completion or to a
// terminal busy-back-off/invalid-request status, per the error
// taxonomy in the root errors type. Read/Write/Flush/TRIM requests
// complete asynchronously via Drain; INQUIRY/READ CAPACITY/MODE SENSE
// complete synchronously, inline, before Submit returns.
func (d *Device) Submit(req interfaces.Request) error {
	if ir, ok := req.(interfaces.IoctlRequest); ok {
		return d.submitIoctl(ir)
	}

	cdb := req.CDB()
	if len(cdb) == 0 {
		return NewError("Submit", ErrInvalidRequest, "empty cdb")
	}

	switch cdb[0] {
	case uapi.ScsiOpInquiry:
		payload, err := d.xlt.Inquiry(cdb)
		return d.completeSync(req, payload, err)

	case uapi.ScsiOpReadCapacity10:
		req.Complete(interfaces.StatusSuccess, d.xlt.ReadCapacity10())
		return nil

	case uapi.ScsiOpModeSense6:
		payload, err := d.xlt.ModeSense6(cdb)
		return d.completeSync(req, payload, err)

	case uapi.ScsiOpModeSense10:
		payload, err := d.xlt.ModeSense10(cdb)
		return d.completeSync(req, payload, err)

	case uapi.ScsiOpTestUnitReady, uapi.ScsiOpStartStopUnit:
		req.Complete(interfaces.StatusSuccess, nil)
		return nil

	case uapi.ScsiOpRead6, uapi.ScsiOpWrite6, uapi.ScsiOpRead10, uapi.ScsiOpWrite10:
		return d.submitReadWrite(req, cdb)

	case uapi.ScsiOpSynchronizeCache10:
		return d.submitFlush(req)

	case uapi.ScsiOpAtaPassthrough12, uapi.ScsiOpAtaPassthrough16:
		return d.submitAtaPassthrough(req, cdb)

	case uapi.ScsiOpLogSense:
		return d.submitLogSenseInformationalExceptions(req)

	default:
		return NewError("Submit", ErrInvalidRequest, fmt.Sprintf("unsupported cdb opcode 0x%02x", cdb[0]))
	}
}

// submitIoctl dispatches an IoctlRequest to the TRIM-mode control set
// or the SMART pass-through family, the two control surfaces §4.8/§6
// require but which carry no SCSI CDB to switch on.
func (d *Device) submitIoctl(req interfaces.IoctlRequest) error {
	switch req.IoctlCode() {
	case uapi.IoctlQueryInfo, uapi.IoctlTrimModeOn, uapi.IoctlTrimModeOff:
		if err := d.xlt.HandleTrimIoctl(req.IoctlCode(), req.CDB(), d.rw); err != nil {
			req.Complete(interfaces.StatusInvalidRequest, nil)
			return WrapError("Submit", ErrInvalidRequest, err)
		}
		req.Complete(interfaces.StatusSuccess, nil)
		return nil

	case uapi.IoctlSmartPassthrough:
		result, err := d.xlt.SmartIoctl(req.CDB())
		if err != nil {
			req.Complete(interfaces.StatusInvalidRequest, nil)
			return WrapError("Submit", ErrInvalidRequest, err)
		}
		if result.Sync {
			req.Complete(interfaces.StatusSuccess, result.Payload)
			return nil
		}
		return d.submitLogPageThen(req, result.Convert, true)

	default:
		req.Complete(interfaces.StatusInvalidRequest, nil)
		return NewError("Submit", ErrInvalidRequest, fmt.Sprintf("unsupported ioctl code 0x%x", req.IoctlCode()))
	}
}

func (d *Device) completeSync(req interfaces.Request, payload []byte, err error) error {
	if err != nil {
		req.Complete(interfaces.StatusInvalidRequest, nil)
		return WrapError("Submit", ErrInvalidRequest, err)
	}
	req.Complete(interfaces.StatusSuccess, payload)
	return nil
}

func (d *Device) submitReadWrite(req interfaces.Request, cdb []byte) error {
	cmd, err := rw.DecodeCDB(cdb)
	if err != nil {
		req.Complete(interfaces.StatusInvalidRequest, nil)
		return WrapError("Submit", ErrInvalidRequest, err)
	}
	cid, err := d.rw.Submit(req, cmd)
	if err != nil {
		return d.mapSubmitError(req, err)
	}
	d.track(cid, req)
	return nil
}

func (d *Device) submitFlush(req interfaces.Request) error {
	cid, err := d.rw.SubmitFlush(req)
	if err != nil {
		return d.mapSubmitError(req, err)
	}
	d.track(cid, req)
	return nil
}

func (d *Device) submitAtaPassthrough(req interfaces.Request, cdb []byte) error {
	result, err := d.xlt.AtaPassthrough(cdb)
	if err != nil {
		req.Complete(interfaces.StatusInvalidRequest, nil)
		return WrapError("Submit", ErrInvalidRequest, err)
	}
	if result.Sync {
		req.Complete(interfaces.StatusSuccess, result.Payload)
		return nil
	}
	return d.submitLogPageThen(req, result.Convert, true)
}

func (d *Device) submitLogSenseInformationalExceptions(req interfaces.Request) error {
	return d.submitLogPageThen(req, xlt.ConvertSmartToInformationalExceptionsLog, false)
}

// submitLogPageThen issues the Get-Log-Page(SMART/Health) admin command
// whose completion convert turns into the waiting request's payload.
// passthrough marks a raw SAT/SMART envelope response, which carries a
// trailing mirror of the completion's DW0, as opposed to a SCSI LOG
// SENSE translation, which does not.
func (d *Device) submitLogPageThen(req interfaces.Request, convert func(*uapi.SmartLogPage) []byte, passthrough bool) error {
	idx := d.lc.Pool().Allocate()
	if idx == prp.NoPage {
		d.cfg.Observer.ObservePRPExhausted()
		req.Complete(interfaces.StatusBusy, nil)
		return NewQueueError("Submit", QueueAdmin, ErrPRPExhausted)
	}
	cmd := xlt.BuildGetLogPageSmart(idx, d.lc.Pool().PhysOf(idx))
	if err := d.lc.Admin.Submit(cmd, false); err != nil {
		d.lc.Pool().Free(idx)
		d.cfg.Observer.ObserveQueueFull()
		req.Complete(interfaces.StatusBusy, nil)
		return NewQueueError("Submit", QueueAdmin, ErrQueueFull)
	}
	d.disp.RegisterPending(cmd.CommandID, cpl.PendingAdmin{Req: req, PRPIndex: idx, Convert: convert, Passthrough: passthrough})
	return nil
}

func (d *Device) mapSubmitError(req interfaces.Request, err error) error {
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		d.cfg.Observer.ObserveQueueFull()
		req.Complete(interfaces.StatusBusy, nil)
		return NewQueueError("Submit", QueueIO, ErrQueueFull)
	case errors.Is(err, sg.ErrNoResources):
		d.cfg.Observer.ObservePRPExhausted()
		req.Complete(interfaces.StatusBusy, nil)
		return NewQueueError("Submit", QueueIO, ErrPRPExhausted)
	default:
		req.Complete(interfaces.StatusInvalidRequest, nil)
		return WrapError("Submit", ErrInvalidRequest, err)
	}
}

// Shutdown runs the controller's graceful shutdown sequence and
// releases the arena. Any requests still tracked as in flight are left
// for the host port to resolve via its own bus-reset policy; this
// driver has no per-request timeout of its own (see concurrency notes).
func (d *Device) Shutdown() error {
	if err := d.lc.Shutdown(adminPoll(d.lc.Admin)); err != nil {
		return WrapError("Shutdown", ErrLifecycle, err)
	}
	if d.cfg.Observer != nil {
		if m, ok := d.cfg.Observer.(*Metrics); ok {
			m.Stop()
		}
	}
	return d.lc.Close()
}

package cpl

import (
	"testing"
	"time"

	"github.com/nvme2k/go-nvme2k/internal/arena"
	"github.com/nvme2k/go-nvme2k/internal/interfaces"
	"github.com/nvme2k/go-nvme2k/internal/prp"
	"github.com/nvme2k/go-nvme2k/internal/queue"
	"github.com/nvme2k/go-nvme2k/internal/regs"
	"github.com/nvme2k/go-nvme2k/internal/rw"
	"github.com/nvme2k/go-nvme2k/internal/uapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pageSize = 4096

type fakeBuffer struct {
	phys uint64
	data []byte
}

func (f *fakeBuffer) Len() int                   { return len(f.data) }
func (f *fakeBuffer) PhysAddr(offset int) uint64 { return f.phys + uint64(offset) }
func (f *fakeBuffer) Bytes() []byte              { return f.data }

type fakeRequest struct {
	buf     *fakeBuffer
	tag     uint8
	shadow  uint8
	status  interfaces.RequestStatus
	payload []byte
	done    bool
}

func (r *fakeRequest) CDB() []byte                   { return nil }
func (r *fakeRequest) Buffer() interfaces.HostBuffer { return r.buf }
func (r *fakeRequest) Tag() uint8                    { return r.tag }
func (r *fakeRequest) Ordered() bool                 { return false }
func (r *fakeRequest) PRPShadow() *uint8             { return &r.shadow }
func (r *fakeRequest) Complete(status interfaces.RequestStatus, payload []byte) {
	r.status, r.payload, r.done = status, payload, true
}

type fakeHostPort struct{ notified int }

func (h *fakeHostPort) ScheduleTimer(d time.Duration, fn func()) {}
func (h *fakeHostPort) NotifyNextRequest()                       { h.notified++ }

type fakeObserver struct{ orphaned int }

func (f *fakeObserver) ObserveRead(uint64, uint64, bool)  {}
func (f *fakeObserver) ObserveWrite(uint64, uint64, bool) {}
func (f *fakeObserver) ObserveTrim(uint64, uint64, bool)  {}
func (f *fakeObserver) ObserveFlush(uint64, bool)         {}
func (f *fakeObserver) ObserveQueueFull()                 {}
func (f *fakeObserver) ObservePRPExhausted()              {}
func (f *fakeObserver) ObserveOrphanedCompletion()        { f.orphaned++ }

func newTestStack(t *testing.T) (*queue.Pair, *queue.Pair, *prp.Pool, *arena.Block) {
	win := regs.NewWindow(make([]byte, 0x2000))
	win.CacheDSTRD()
	b, err := arena.New(16, pageSize)
	require.NoError(t, err)
	admin, err := queue.NewPair(win, b, uapi.QueueIDAdmin, 8)
	require.NoError(t, err)
	io, err := queue.NewPair(win, b, uapi.QueueIDIO, 8)
	require.NoError(t, err)
	pool, err := prp.New(b, 4)
	require.NoError(t, err)
	return admin, io, pool, b
}

func TestHandleIOCompletesSuccessAndNotifiesHost(t *testing.T) {
	admin, io, pool, b := newTestStack(t)
	defer b.Close()

	req := &fakeRequest{buf: &fakeBuffer{data: make([]byte, 512)}, tag: 0x05, shadow: pool.Allocate()}
	cid := queue.EncodeTagged(0x05)
	host := &fakeHostPort{}

	d := New(admin, io, pool, nil, host,
		func() bool { return true },
		func(c uint16) (interfaces.Request, bool) {
			if c == cid {
				return req, true
			}
			return nil, false
		}, nil, nil)

	io.PostCompletion(cid, 1, 0x00)
	progressed := d.Drain()

	assert.True(t, progressed)
	assert.True(t, req.done)
	assert.Equal(t, interfaces.StatusSuccess, req.status)
	assert.Equal(t, uint8(prp.NoPage), req.shadow)
	assert.Equal(t, 1, host.notified)
}

func TestHandleIOCheckConditionOnNonZeroStatus(t *testing.T) {
	admin, io, pool, b := newTestStack(t)
	defer b.Close()

	req := &fakeRequest{buf: &fakeBuffer{data: make([]byte, 512)}, tag: 0x01, shadow: prp.NoPage}
	cid := queue.EncodeTagged(0x01)

	d := New(admin, io, pool, nil, &fakeHostPort{},
		func() bool { return true },
		func(c uint16) (interfaces.Request, bool) { return req, c == cid }, nil, nil)

	io.PostCompletion(cid, 1, 0x06) // arbitrary non-zero NVMe status
	d.Drain()

	assert.Equal(t, interfaces.StatusCheckCondition, req.status)
	assert.NotEmpty(t, req.payload)
}

func TestHandleIOOrphanedCompletionIsNonFatal(t *testing.T) {
	admin, io, pool, b := newTestStack(t)
	defer b.Close()

	obs := &fakeObserver{}
	d := New(admin, io, pool, nil, &fakeHostPort{},
		func() bool { return true },
		func(uint16) (interfaces.Request, bool) { return nil, false }, nil, obs)

	io.PostCompletion(queue.EncodeTagged(0x07), 1, 0x00)
	assert.NotPanics(t, func() { d.Drain() })
	assert.Equal(t, 1, obs.orphaned)
}

func TestHandleIOOrderedFlushIsConsumedSilently(t *testing.T) {
	admin, io, pool, b := newTestStack(t)
	defer b.Close()

	d := New(admin, io, pool, nil, &fakeHostPort{},
		func() bool { return true },
		func(uint16) (interfaces.Request, bool) {
			t.Fatal("lookup should not run for an ordered-flush prologue completion")
			return nil, false
		}, nil, nil)

	io.PostCompletion(queue.EncodeOrderedFlush(0x03), 1, 0x00)
	progressed := d.Drain()
	assert.True(t, progressed)
}

func TestDrainSkipsAdminQueueUntilInitComplete(t *testing.T) {
	admin, io, pool, b := newTestStack(t)
	defer b.Close()

	obs := &fakeObserver{}
	d := New(admin, io, pool, nil, &fakeHostPort{}, func() bool { return false }, nil, nil, obs)

	admin.PostCompletion(queue.EncodeGetLogPage(0), 1, 0x00)
	progressed := d.Drain()

	assert.False(t, progressed)
	assert.Equal(t, 0, obs.orphaned)
}

func TestHandleAdminGetLogPageDeliversConvertedPayload(t *testing.T) {
	admin, io, pool, b := newTestStack(t)
	defer b.Close()

	idx := pool.Allocate()
	require.NotEqual(t, uint8(prp.NoPage), idx)
	copy(pool.VirtOf(idx), []byte{0xAA, 0xBB})

	req := &fakeRequest{buf: &fakeBuffer{data: make([]byte, 512)}}
	cid := queue.EncodeGetLogPage(idx)

	d := New(admin, io, pool, nil, &fakeHostPort{}, func() bool { return true }, nil, nil, nil)
	d.RegisterPending(cid, PendingAdmin{
		Req:      req,
		PRPIndex: idx,
		Convert: func(s *uapi.SmartLogPage) []byte {
			return []byte{s.CriticalWarning, 0x99}
		},
	})

	admin.PostCompletion(cid, 1, 0x00)
	d.Drain()

	assert.True(t, req.done)
	assert.Equal(t, interfaces.StatusSuccess, req.status)
	assert.Equal(t, []byte{0xAA, 0x99}, req.payload)
}

func TestHandleAdminGetLogPageFailureStillFreesPage(t *testing.T) {
	admin, io, pool, b := newTestStack(t)
	defer b.Close()

	idx := pool.Allocate()
	req := &fakeRequest{buf: &fakeBuffer{data: make([]byte, 512)}}
	cid := queue.EncodeGetLogPage(idx)

	d := New(admin, io, pool, nil, &fakeHostPort{}, func() bool { return true }, nil, nil, nil)
	d.RegisterPending(cid, PendingAdmin{Req: req, PRPIndex: idx, Convert: func(*uapi.SmartLogPage) []byte { return nil }})

	admin.PostCompletion(cid, 1, 0x02)
	d.Drain()

	assert.Equal(t, interfaces.StatusCheckCondition, req.status)
	second := pool.Allocate()
	assert.NotEqual(t, uint8(prp.NoPage), second)
	// Allocate hands out the lowest free page, so idx comes back only
	// if the failed completion freed it.
	assert.Equal(t, idx, second)
}

func TestHandleIORestoresTrimPatternOnCompletion(t *testing.T) {
	admin, io, pool, b := newTestStack(t)
	defer b.Close()
	engine := rw.NewEngine(io, pool, pageSize, 512, 512*256, nil, nil)

	pattern := make([]byte, 4096)
	for i := range pattern {
		pattern[i] = 0xCD
	}
	require.NoError(t, engine.SetTrimMode(true, pattern))

	buf := &fakeBuffer{data: append([]byte(nil), pattern...)}
	req := &fakeRequest{buf: buf, tag: 0x02, shadow: prp.NoPage}
	cmd := rw.Command{LBA: 500, Blocks: 8, Write: true}
	cid, err := engine.Submit(req, cmd)
	require.NoError(t, err)

	d := New(admin, io, pool, engine, &fakeHostPort{},
		func() bool { return true },
		func(c uint16) (interfaces.Request, bool) { return req, c == cid }, nil, nil)

	io.PostCompletion(cid, 1, 0x00)
	d.Drain()

	assert.Equal(t, pattern[:16], buf.data[:16])
}

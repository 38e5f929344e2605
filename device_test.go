package nvme2k

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvme2k/go-nvme2k/backend/sim"
	"github.com/nvme2k/go-nvme2k/internal/interfaces"
	"github.com/nvme2k/go-nvme2k/internal/lifecycle"
	"github.com/nvme2k/go-nvme2k/internal/uapi"
)

type fakeHostPort struct {
	mu       sync.Mutex
	notified int
}

func (h *fakeHostPort) ScheduleTimer(time.Duration, func()) {}
func (h *fakeHostPort) NotifyNextRequest() {
	h.mu.Lock()
	h.notified++
	h.mu.Unlock()
}

type testRequest struct {
	cdb    []byte
	buf    interfaces.HostBuffer
	tag    uint8
	shadow uint8

	done    chan struct{}
	status  interfaces.RequestStatus
	payload []byte
}

func newTestRequest(cdb []byte, buf interfaces.HostBuffer, tag uint8) *testRequest {
	return &testRequest{cdb: cdb, buf: buf, tag: tag, done: make(chan struct{})}
}

func (r *testRequest) CDB() []byte                   { return r.cdb }
func (r *testRequest) Buffer() interfaces.HostBuffer { return r.buf }
func (r *testRequest) Tag() uint8                    { return r.tag }
func (r *testRequest) Ordered() bool                 { return false }
func (r *testRequest) PRPShadow() *uint8             { return &r.shadow }
func (r *testRequest) Complete(status interfaces.RequestStatus, payload []byte) {
	r.status = status
	r.payload = payload
	close(r.done)
}

func driveSim(ctrl *sim.Controller, done <-chan struct{}) {
	ticker := time.NewTicker(200 * time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctrl.Step()
		}
	}
}

// bindOverSim runs the same bring-up Bind would, but against a
// simulated controller, which needs Step calls interleaved with the
// busy-polling Sanitize/Enable stages — the reason NewFromLifecycle
// exists as a seam separate from Bind. The driving goroutine keeps
// stepping the simulated controller for the life of the test, since
// Submit/Drain calls made by the test body also need commands executed
// on the sim side to produce completions.
func bindOverSim(t *testing.T, ns *sim.Namespace, identity sim.Identity, host interfaces.HostPort, opts ...Option) (*Device, *sim.Controller, *lifecycle.Controller) {
	t.Helper()
	simCtrl := sim.NewController(ns, identity)
	lc := lifecycle.New(simCtrl.Window(), nil)
	require.NoError(t, lc.Sanitize())

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		driveSim(simCtrl, done)
	}()
	t.Cleanup(func() {
		close(done)
		wg.Wait()
	})

	require.NoError(t, lc.Enable(4))

	simCtrl.Bind(lc.Admin, lc.IO, lc.Block())
	require.NoError(t, lc.RunIdentifyChain(simCtrl.Poll))
	lc.EnableInterrupts()

	dev, err := NewFromLifecycle(lc, host, opts...)
	require.NoError(t, err)
	return dev, simCtrl, lc
}

func TestBindOverSimPopulatesIdentity(t *testing.T) {
	ns := sim.NewNamespace(4 << 20)
	host := &fakeHostPort{}
	dev, _, _ := bindOverSim(t, ns, sim.Identity{Serial: "SN001", Model: "nvme2k sim", Firmware: "1.0", BlockSize: 512}, host)
	defer dev.Shutdown()

	id := dev.Identity()
	assert.Equal(t, "SN001", id.Serial)
	assert.Equal(t, uint32(512), id.BlockSize)
	assert.Equal(t, uint64(4<<20/512), id.NamespaceBlocks)
}

func TestSubmitInquiryAndReadCapacitySynchronous(t *testing.T) {
	ns := sim.NewNamespace(1 << 20)
	host := &fakeHostPort{}
	dev, _, _ := bindOverSim(t, ns, sim.Identity{Serial: "SN002", Model: "nvme2k sim", Firmware: "1.0", BlockSize: 512}, host)
	defer dev.Shutdown()

	inquiry := newTestRequest([]byte{uapi.ScsiOpInquiry, 0, 0, 0, 96, 0}, nil, 1)
	require.NoError(t, dev.Submit(inquiry))
	assert.Equal(t, interfaces.StatusSuccess, inquiry.status)
	assert.Len(t, inquiry.payload, 96)

	readCap := newTestRequest([]byte{uapi.ScsiOpReadCapacity10, 0, 0, 0, 0, 0, 0, 0, 0, 0}, nil, 2)
	require.NoError(t, dev.Submit(readCap))
	assert.Equal(t, interfaces.StatusSuccess, readCap.status)
	assert.Len(t, readCap.payload, 8)
}

func drainUntil(dev *Device, timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for !cond() {
		dev.Drain()
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}

func TestSubmitWriteThenReadRoundTrip(t *testing.T) {
	ns := sim.NewNamespace(1 << 20)
	host := &fakeHostPort{}
	dev, _, lc := bindOverSim(t, ns, sim.Identity{Serial: "SN003", Model: "nvme2k sim", Firmware: "1.0", BlockSize: 512}, host)
	defer dev.Shutdown()

	writeBuf, err := sim.NewHostBuffer(lc.Block(), 1)
	require.NoError(t, err)
	copy(writeBuf.Bytes(), []byte("hello from the host port"))

	writeReq := newTestRequest([]byte{uapi.ScsiOpWrite10, 0, 0, 0, 0, 20, 0, 0, 1, 0}, writeBuf, 1)
	require.NoError(t, dev.Submit(writeReq))

	require.True(t, drainUntil(dev, time.Second, func() bool {
		select {
		case <-writeReq.done:
			return true
		default:
			return false
		}
	}))
	assert.Equal(t, interfaces.StatusSuccess, writeReq.status)

	readBuf, err := sim.NewHostBuffer(lc.Block(), 1)
	require.NoError(t, err)
	readReq := newTestRequest([]byte{uapi.ScsiOpRead10, 0, 0, 0, 0, 20, 0, 0, 1, 0}, readBuf, 2)
	require.NoError(t, dev.Submit(readReq))

	require.True(t, drainUntil(dev, time.Second, func() bool {
		select {
		case <-readReq.done:
			return true
		default:
			return false
		}
	}))
	assert.Equal(t, interfaces.StatusSuccess, readReq.status)
	assert.Equal(t, "hello from the host port", string(readBuf.Bytes()[:len("hello from the host port")]))
}

func TestSubmitSynchronizeCacheCompletes(t *testing.T) {
	ns := sim.NewNamespace(1 << 20)
	host := &fakeHostPort{}
	dev, _, _ := bindOverSim(t, ns, sim.Identity{Serial: "SN004", Model: "nvme2k sim", Firmware: "1.0", BlockSize: 512}, host)
	defer dev.Shutdown()

	flushReq := newTestRequest([]byte{uapi.ScsiOpSynchronizeCache10, 0, 0, 0, 0, 0, 0, 0, 0, 0}, nil, 3)
	require.NoError(t, dev.Submit(flushReq))

	require.True(t, drainUntil(dev, time.Second, func() bool {
		select {
		case <-flushReq.done:
			return true
		default:
			return false
		}
	}))
	assert.Equal(t, interfaces.StatusSuccess, flushReq.status)
}

func TestSubmitUnsupportedOpcodeReturnsInvalidRequest(t *testing.T) {
	ns := sim.NewNamespace(1 << 20)
	host := &fakeHostPort{}
	dev, _, _ := bindOverSim(t, ns, sim.Identity{Serial: "SN005", Model: "nvme2k sim", Firmware: "1.0", BlockSize: 512}, host)
	defer dev.Shutdown()

	req := newTestRequest([]byte{0xFF}, nil, 4)
	err := dev.Submit(req)
	assert.True(t, IsCode(err, ErrInvalidRequest))
}

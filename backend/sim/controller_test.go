package sim

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvme2k/go-nvme2k/internal/interfaces"
	"github.com/nvme2k/go-nvme2k/internal/lifecycle"
	"github.com/nvme2k/go-nvme2k/internal/prp"
	"github.com/nvme2k/go-nvme2k/internal/rw"
	"github.com/nvme2k/go-nvme2k/internal/uapi"
)

// driveUntil repeatedly steps the simulated controller until done is
// closed, standing in for the free-running device logic a real PCIe
// card would execute independently of the driver's own goroutine.
func driveUntil(sim *Controller, done <-chan struct{}) {
	ticker := time.NewTicker(200 * time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			sim.Step()
		}
	}
}

func bootController(t *testing.T, ns *Namespace, identity Identity) (*lifecycle.Controller, *Controller) {
	t.Helper()
	simCtrl := NewController(ns, identity)
	lc := lifecycle.New(simCtrl.Window(), nil)
	require.NoError(t, lc.Sanitize())

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		driveUntil(simCtrl, done)
	}()

	err := lc.Enable(4)
	close(done)
	wg.Wait()
	require.NoError(t, err)

	simCtrl.Bind(lc.Admin, lc.IO, lc.Block())
	require.NoError(t, lc.RunIdentifyChain(simCtrl.Poll))
	return lc, simCtrl
}

func TestBootAndIdentifyPopulatesIdentity(t *testing.T) {
	ns := NewNamespace(16 * 1024 * 1024)
	lc, _ := bootController(t, ns, Identity{Serial: "SIM0001", Model: "nvme2k simulated drive", Firmware: "1.0", BlockSize: 512})
	defer lc.Close()

	assert.Equal(t, "SIM0001", lc.Identity.Serial)
	assert.Equal(t, "nvme2k simulated drive", lc.Identity.Model)
	assert.Equal(t, uint32(512), lc.Identity.BlockSize)
	assert.Equal(t, uint64(16*1024*1024/512), lc.Identity.NamespaceBlocks)
	assert.True(t, lc.InitComplete)
}

type waitingRequest struct {
	buf  *HostBuffer
	tag  uint8
	done chan struct{}
	status interfaces.RequestStatus
}

func (r *waitingRequest) CDB() []byte                   { return nil }
func (r *waitingRequest) Buffer() interfaces.HostBuffer { return r.buf }
func (r *waitingRequest) Tag() uint8                    { return r.tag }
func (r *waitingRequest) Ordered() bool                 { return false }
func (r *waitingRequest) PRPShadow() *uint8             { return nil }
func (r *waitingRequest) Complete(status interfaces.RequestStatus, payload []byte) {
	r.status = status
	close(r.done)
}

func TestIOReadWriteRoundTripThroughSimulatedController(t *testing.T) {
	ns := NewNamespace(1024 * 1024)
	lc, simCtrl := bootController(t, ns, Identity{Serial: "SIM0002", Model: "nvme2k sim", Firmware: "1.0", BlockSize: 512})
	defer lc.Close()

	engine := rw.NewEngine(lc.IO, lc.Pool(), 4096, lc.Identity.BlockSize, lc.Identity.MaxTransferSizeBytes, nil, nil)

	buf, err := NewHostBuffer(lc.Block(), 1)
	require.NoError(t, err)
	copy(buf.Bytes(), []byte("round trip payload"))

	writeReq := &waitingRequest{buf: buf, tag: 1, done: make(chan struct{})}
	cid, err := engine.Submit(writeReq, rw.Command{LBA: 10, Blocks: 1, Write: true})
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for {
		simCtrl.Step()
		if progressed := lc.IO.Drain(func(cqe uapi.CQEntry) {
			if cqe.CID == cid {
				writeReq.Complete(interfaces.StatusSuccess, nil)
			}
		}); progressed {
			break
		}
		require.False(t, time.Now().After(deadline), "timed out waiting for write completion")
		time.Sleep(time.Millisecond)
	}
	<-writeReq.done
	assert.Equal(t, interfaces.StatusSuccess, writeReq.status)

	readBuf, err := NewHostBuffer(lc.Block(), 1)
	require.NoError(t, err)
	readReq := &waitingRequest{buf: readBuf, tag: 2, done: make(chan struct{})}
	cid, err = engine.Submit(readReq, rw.Command{LBA: 10, Blocks: 1, Write: false})
	require.NoError(t, err)

	deadline = time.Now().Add(time.Second)
	for {
		simCtrl.Step()
		if progressed := lc.IO.Drain(func(cqe uapi.CQEntry) {
			if cqe.CID == cid {
				readReq.Complete(interfaces.StatusSuccess, nil)
			}
		}); progressed {
			break
		}
		require.False(t, time.Now().After(deadline), "timed out waiting for read completion")
		time.Sleep(time.Millisecond)
	}
	<-readReq.done
	assert.Equal(t, "round trip payload", string(readBuf.Bytes()[:len("round trip payload")]))
}

func TestDSMTrimZeroesNamespaceRange(t *testing.T) {
	ns := NewNamespace(1024 * 1024)
	lc, simCtrl := bootController(t, ns, Identity{Serial: "SIM0003", Model: "nvme2k sim", Firmware: "1.0", BlockSize: 512})
	defer lc.Close()

	seed := make([]byte, 512)
	for i := range seed {
		seed[i] = 0x7A
	}
	require.NoError(t, func() error { _, err := ns.WriteAt(seed, 5*512); return err }())

	idx := lc.Pool().Allocate()
	require.NotEqual(t, uint8(prp.NoPage), idx)
	rangeBytes := make([]byte, 16)
	rangeBytes[4], rangeBytes[5], rangeBytes[6], rangeBytes[7] = 1, 0, 0, 0 // length in blocks = 1
	rangeBytes[8] = 5                                                      // starting LBA = 5
	copy(lc.Pool().VirtOf(idx), rangeBytes)

	dsmCmd := &uapi.SQEntry{
		Opcode:    uapi.IOOpDSM,
		CommandID: 0x1234,
		PRP1:      lc.Pool().PhysOf(idx),
		CDW10:     0, // 1 range
		CDW11:     uapi.DSMAttrDeallocate,
	}
	require.NoError(t, lc.IO.Submit(dsmCmd, false))

	deadline := time.Now().Add(time.Second)
	for {
		simCtrl.Step()
		completed := false
		lc.IO.Drain(func(cqe uapi.CQEntry) {
			if cqe.CID == dsmCmd.CommandID {
				completed = true
			}
		})
		if completed {
			break
		}
		require.False(t, time.Now().After(deadline), "timed out waiting for dsm completion")
		time.Sleep(time.Millisecond)
	}

	out := make([]byte, 512)
	ns.ReadAt(out, 5*512)
	for _, b := range out {
		assert.Zero(t, b)
	}
}

func TestShutdownTransitionsCSTSThroughCompleteAndClearsState(t *testing.T) {
	ns := NewNamespace(1024 * 1024)
	lc, simCtrl := bootController(t, ns, Identity{Serial: "SIM0004", Model: "nvme2k sim", Firmware: "1.0", BlockSize: 512})
	defer lc.Close()

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		driveUntil(simCtrl, done)
	}()

	err := lc.Shutdown(simCtrl.Poll)
	close(done)
	wg.Wait()
	require.NoError(t, err)

	assert.False(t, lc.InitComplete)
	assert.Zero(t, simCtrl.Window().Read32(uapi.RegCC))
	assert.Zero(t, simCtrl.Window().Read32(uapi.RegCSTS))
}

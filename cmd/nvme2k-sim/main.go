// Command nvme2k-sim binds the driver against an in-process simulated
// controller and namespace, exercises it with synthetic I/O, and
// reports metrics periodically. It exists so the driver's bring-up and
// request path can be exercised without real PCIe hardware.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	nvme2k "github.com/nvme2k/go-nvme2k"
	"github.com/nvme2k/go-nvme2k/backend/sim"
	"github.com/nvme2k/go-nvme2k/internal/interfaces"
	"github.com/nvme2k/go-nvme2k/internal/lifecycle"
	"github.com/nvme2k/go-nvme2k/internal/logging"
	"github.com/nvme2k/go-nvme2k/internal/uapi"
)

func main() {
	var (
		sizeStr  = flag.String("size", "64M", "Size of the simulated namespace (e.g. 64M, 1G)")
		verbose  = flag.Bool("v", false, "Verbose output")
		workers  = flag.Int("workers", 4, "Number of concurrent synthetic I/O workers")
		duration = flag.Duration("duration", 0, "Stop after this long (0 = run until signaled)")
	)
	flag.Parse()

	size, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid size %q: %v", *sizeStr, err)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ns := sim.NewNamespace(size)
	simCtrl := sim.NewController(ns, sim.Identity{
		Serial:    "NVME2KSIM0001",
		Model:     "nvme2k simulated controller",
		Firmware:  "1.0e",
		BlockSize: nvme2k.DefaultLogicalBlockSize,
	})

	driveDone := make(chan struct{})
	var driveWg sync.WaitGroup
	driveWg.Add(1)
	go func() {
		defer driveWg.Done()
		ticker := time.NewTicker(100 * time.Microsecond)
		defer ticker.Stop()
		for {
			select {
			case <-driveDone:
				return
			case <-ticker.C:
				simCtrl.Step()
			}
		}
	}()

	lc := lifecycle.New(simCtrl.Window(), logger)
	if err := lc.Sanitize(); err != nil {
		close(driveDone)
		driveWg.Wait()
		log.Fatalf("sanitize: %v", err)
	}
	if err := lc.Enable(nvme2k.DefaultPRPPoolPages); err != nil {
		close(driveDone)
		driveWg.Wait()
		log.Fatalf("enable: %v", err)
	}
	simCtrl.Bind(lc.Admin, lc.IO, lc.Block())
	if err := lc.RunIdentifyChain(simCtrl.Poll); err != nil {
		close(driveDone)
		driveWg.Wait()
		log.Fatalf("identify: %v", err)
	}
	lc.EnableInterrupts()

	host := &logOnlyHostPort{log: logger}
	dev, err := nvme2k.NewFromLifecycle(lc, host, nvme2k.WithLogger(logger))
	if err != nil {
		close(driveDone)
		driveWg.Wait()
		log.Fatalf("bind device: %v", err)
	}

	id := dev.Identity()
	logger.Info("simulated device bound",
		"serial", id.Serial, "model", id.Model,
		"blocks", id.NamespaceBlocks, "block_size", id.BlockSize)
	fmt.Printf("Simulated NVMe device: %s (%s)\n", id.Serial, id.Model)
	fmt.Printf("Capacity: %s (%d blocks of %d bytes)\n", formatSize(size), id.NamespaceBlocks, id.BlockSize)
	fmt.Printf("Press Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s\n", buf[:n])
			pprof.Lookup("goroutine").WriteTo(os.Stderr, 2)
		}
	}()

	workerDone := make(chan struct{})
	var workerWg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		workerWg.Add(1)
		go func(id int) {
			defer workerWg.Done()
			runWorker(dev, lc, id, workerDone)
		}(i)
	}

	drainDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-drainDone:
				return
			default:
				dev.Drain()
				time.Sleep(200 * time.Microsecond)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var timeoutCh <-chan time.Time
	if *duration > 0 {
		timeoutCh = time.After(*duration)
	}

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-timeoutCh:
		logger.Info("duration elapsed, shutting down")
	}

	close(workerDone)
	workerWg.Wait()
	close(drainDone)

	if snap := dev.Metrics().Snapshot(); snap.TotalOps > 0 {
		fmt.Printf("\nFinal metrics: %d ops, %d bytes, error rate %.2f%%, p99 %s\n",
			snap.TotalOps, snap.TotalBytes, snap.ErrorRate, time.Duration(snap.LatencyP99Ns))
	}

	if err := dev.Shutdown(); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	close(driveDone)
	driveWg.Wait()
	logger.Info("simulated device stopped")
}

// logOnlyHostPort satisfies interfaces.HostPort for a demo process that
// has no real host-port request queue to notify; ScheduleTimer runs fn
// after d via time.AfterFunc, and NotifyNextRequest does nothing.
type logOnlyHostPort struct {
	log interfaces.Logger
}

func (h *logOnlyHostPort) ScheduleTimer(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}

func (h *logOnlyHostPort) NotifyNextRequest() {}

type simRequest struct {
	cdb    []byte
	buf    interfaces.HostBuffer
	tag    uint8
	shadow uint8
	done   chan struct{}
}

func (r *simRequest) CDB() []byte                   { return r.cdb }
func (r *simRequest) Buffer() interfaces.HostBuffer { return r.buf }
func (r *simRequest) Tag() uint8                    { return r.tag }
func (r *simRequest) Ordered() bool                 { return false }
func (r *simRequest) PRPShadow() *uint8             { return &r.shadow }
func (r *simRequest) Complete(interfaces.RequestStatus, []byte) {
	close(r.done)
}

// runWorker submits a steady stream of random-offset WRITE10/READ10
// requests with occasional SYNCHRONIZE CACHE(10), mimicking the kind of
// load a real host port would generate.
func runWorker(dev *nvme2k.Device, lc *lifecycle.Controller, id int, done <-chan struct{}) {
	rng := rand.New(rand.NewSource(int64(id) + 1))
	blocks := lc.Identity.NamespaceBlocks
	if blocks == 0 {
		return
	}

	for {
		select {
		case <-done:
			return
		default:
		}

		buf, err := sim.NewHostBuffer(lc.Block(), 1)
		if err != nil {
			time.Sleep(time.Millisecond)
			continue
		}

		lba := uint32(rng.Int63n(int64(blocks)))
		tag := uint8(id)

		var cdb []byte
		if rng.Intn(5) == 0 {
			cdb = []byte{uapi.ScsiOpSynchronizeCache10, 0, 0, 0, 0, 0, 0, 0, 0, 0}
		} else if rng.Intn(2) == 0 {
			cdb = buildCDB10(uapi.ScsiOpWrite10, lba, 1)
		} else {
			cdb = buildCDB10(uapi.ScsiOpRead10, lba, 1)
		}

		req := &simRequest{cdb: cdb, buf: buf, tag: tag, done: make(chan struct{})}
		if err := dev.Submit(req); err != nil {
			time.Sleep(time.Millisecond)
			continue
		}

		select {
		case <-req.done:
		case <-time.After(time.Second):
		case <-done:
			return
		}
	}
}

func buildCDB10(opcode byte, lba uint32, blocks uint16) []byte {
	cdb := make([]byte, 10)
	cdb[0] = opcode
	cdb[2] = byte(lba >> 24)
	cdb[3] = byte(lba >> 16)
	cdb[4] = byte(lba >> 8)
	cdb[5] = byte(lba)
	cdb[7] = byte(blocks >> 8)
	cdb[8] = byte(blocks)
	return cdb
}

func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier, numStr = 1024, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier, numStr = 1024*1024, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier, numStr = 1024*1024*1024, strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}

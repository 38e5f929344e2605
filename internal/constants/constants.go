// Package constants holds tunable defaults and timing budgets for the
// NVMe miniport, kept separate from the logic that uses them.
package constants

import "time"

// Geometry defaults.
const (
	// PageSize is the controller memory page granularity assumed
	// throughout the driver (CC.MPS is programmed to match).
	PageSize = 4096

	// DefaultAdminQueueSize is the published default admin SQ/CQ entry
	// count (a power of two that fits within one page at 64
	// bytes/entry). Enable does not read it: it sizes both queue pairs
	// from CAP.MQES+1, clamped to one page of entries.
	DefaultAdminQueueSize = 64

	// DefaultIOQueueSize is the published default I/O SQ/CQ entry
	// count; like DefaultAdminQueueSize, Enable does not read it.
	DefaultIOQueueSize = 64

	// DefaultPRPPoolPages is the number of 4 KiB PRP-list pages carved
	// out of the arena. 16 is the conservative choice; callers with
	// deeper queues may request 32.
	DefaultPRPPoolPages = 16

	// MaxPRPPoolPages is the largest pool size the allocator supports.
	MaxPRPPoolPages = 32

	// MinPRPPoolPages is the smallest pool size Enable will fall back
	// to before giving up on arena allocation entirely.
	MinPRPPoolPages = 4

	// MaxPRPListEntries is the hard per-request scatter/gather cap: one
	// PRP-list page holds 512 eight-byte entries.
	MaxPRPListEntries = 512

	// DefaultLogicalBlockSize is used only until Identify Namespace
	// reports the real value.
	DefaultLogicalBlockSize = 512

	// TrimPatternSize is the size of the stored TRIM comparison pattern.
	TrimPatternSize = 4096
)

// Lifecycle timing budgets.
//
// Enable must allocate the admin queues before the I/O queues so that
// AQA/ASQ/ACQ are programmed from memory that is already carved; the
// I/O queue pair is created only after CSTS.RDY=1 confirms the
// controller accepted that programming. Shutdown runs the same
// allocation order in reverse: I/O queues are torn down before the
// admin queue pair is reset, so a failed delete never leaves the
// admin queue's bookkeeping in an inconsistent state.
const (
	// EnableReadyTimeout bounds how long Enable waits for CSTS.RDY=1.
	EnableReadyTimeout = 5 * time.Second

	// ShutdownCompleteTimeout bounds how long Shutdown waits for
	// CSTS.SHST to report "complete".
	ShutdownCompleteTimeout = 5 * time.Second

	// QueueDeleteTimeout bounds each of Delete I/O SQ / Delete I/O CQ
	// during shutdown.
	QueueDeleteTimeout = 1 * time.Second

	// SanitizeRetryInterval is the poll granularity while waiting for
	// CSTS.RDY=0 during Sanitize.
	SanitizeRetryInterval = 1 * time.Millisecond

	// SanitizeMaxRetries is the number of CSTS.RDY=0 polls attempted
	// before Sanitize forces CC=0 on the last attempt.
	SanitizeMaxRetries = 5

	// PollInterval is the general busy-poll granularity used for
	// register-status waits outside Sanitize.
	PollInterval = 1 * time.Millisecond

	// FallbackTimerInterval is how far in the future the completion
	// drain fallback timer is scheduled after each submission.
	FallbackTimerInterval = 1 * time.Millisecond

	// FallbackProbeThreshold is the interrupt-invocation count past
	// which the fallback timer is disabled, on the assumption that a
	// healthy interrupt path has been observed.
	FallbackProbeThreshold = 64
)

package nvme2k

import "github.com/nvme2k/go-nvme2k/internal/constants"

// Re-exported tunables, for callers that want the driver's defaults
// without importing the internal package tree directly.
const (
	PageSize                = constants.PageSize
	DefaultAdminQueueSize   = constants.DefaultAdminQueueSize
	DefaultIOQueueSize      = constants.DefaultIOQueueSize
	DefaultPRPPoolPages     = constants.DefaultPRPPoolPages
	MaxPRPPoolPages         = constants.MaxPRPPoolPages
	MinPRPPoolPages         = constants.MinPRPPoolPages
	MaxPRPListEntries       = constants.MaxPRPListEntries
	DefaultLogicalBlockSize = constants.DefaultLogicalBlockSize
	TrimPatternSize         = constants.TrimPatternSize
)

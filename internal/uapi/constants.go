package uapi

// NVMe register offsets within BAR0, per NVMe 1.0e.
const (
	RegCAP   = 0x00 // Controller Capabilities (64-bit)
	RegVS    = 0x08 // Version
	RegINTMS = 0x0C // Interrupt Mask Set
	RegINTMC = 0x10 // Interrupt Mask Clear
	RegCC    = 0x14 // Controller Configuration
	RegCSTS  = 0x1C // Controller Status
	RegAQA   = 0x24 // Admin Queue Attributes
	RegASQ   = 0x28 // Admin Submission Queue Base (64-bit)
	RegACQ   = 0x30 // Admin Completion Queue Base (64-bit)
	RegDoorbellBase = 0x1000
)

// CC (Controller Configuration) field shifts/masks.
const (
	CCEnShift   = 0
	CCCSSShift  = 4
	CCMPSShift  = 7
	CCAMSShift  = 11
	CCSHNShift  = 14
	CCIOSQESShift = 16
	CCIOCQESShift = 20

	CCCSSNvm = 0x0
	CCAMSRR  = 0x0 // round-robin arbitration
	CCSHNNone   = 0x0
	CCSHNNormal = 0x1
)

// CSTS (Controller Status) field masks.
const (
	CSTSRDY  = 1 << 0
	CSTSCFS  = 1 << 1
	CSTSSHSTShift = 2
	CSTSSHSTMask  = 0x3
	CSTSSHSTComplete = 0x2
)

// NVMe admin opcodes.
const (
	AdminOpDeleteIOSQ     = 0x00
	AdminOpCreateIOSQ     = 0x01
	AdminOpDeleteIOCQ     = 0x04
	AdminOpCreateIOCQ     = 0x05
	AdminOpIdentify       = 0x06
	AdminOpGetLogPage     = 0x02
)

// NVMe I/O opcodes.
const (
	IOOpFlush = 0x00
	IOOpWrite = 0x01
	IOOpRead  = 0x02
	IOOpDSM   = 0x09 // Dataset Management (TRIM)
)

// Identify CNS values.
const (
	IdentifyCNSNamespace  = 0x00
	IdentifyCNSController = 0x01
)

// Create I/O CQ/SQ CDW11 bits.
const (
	QueuePhysContig = 1 << 0
	QueueIRQEnabled = 1 << 1
)

// Dataset Management CDW11 bits.
const (
	DSMAttrDeallocate = 1 << 2
)

// NVMe generic status codes (status code type 0, bits 1..8 of Status).
const (
	StatusSuccess           = 0x00
	StatusInvalidField      = 0x02
	StatusInvalidNamespace  = 0x0B
)

// NVMe log page identifiers.
const (
	LogPageSmartHealth = 0x02
)

// Command identifiers (CID) — bit layout.
//
//	bit 15: non-tagged host request
//	bit 14: ordered-flush prologue (only meaningful with bit 15 clear)
//	bits 13:0: sequence (non-tagged) or queue tag (tagged)
const (
	CIDNonTaggedFlag  = 0x8000
	CIDOrderedFlushFlag = 0x4000
	CIDValueMask      = 0x3FFF
)

// Fixed admin CIDs used during the lifecycle state machine.
const (
	AdminCIDCreateIOCQ      = 1
	AdminCIDCreateIOSQ      = 2
	AdminCIDIdentifyController = 3
	AdminCIDIdentifyNamespace  = 4
	AdminCIDInitComplete       = 5
	AdminCIDGetLogPageBase     = 0x10 // + prp page index, non-tagged flagged

	AdminCIDShutdownDeleteSQ = 0xFFFE
	AdminCIDShutdownDeleteCQ = 0xFFFD
)

// Queue identifiers.
const (
	QueueIDAdmin = 0
	QueueIDIO    = 1
)

// SP_UNTAGGED mirrors the host port's sentinel for an untagged queue
// tag.
const SPUntagged = 0xFF

// SCSI operation codes this driver recognises.
const (
	ScsiOpTestUnitReady    = 0x00
	ScsiOpRequestSense     = 0x03
	ScsiOpRead6            = 0x08
	ScsiOpWrite6           = 0x0A
	ScsiOpInquiry          = 0x12
	ScsiOpModeSense6       = 0x1A
	ScsiOpStartStopUnit    = 0x1B
	ScsiOpSynchronizeCache10 = 0x35
	ScsiOpRead10           = 0x28
	ScsiOpWrite10          = 0x2A
	ScsiOpReadCapacity10   = 0x25
	ScsiOpModeSense10      = 0x5A
	ScsiOpLogSense         = 0x4D
	ScsiOpAtaPassthrough12 = 0xA1
	ScsiOpAtaPassthrough16 = 0x85
)

// SCSI sense keys / ASC used by this driver.
const (
	SenseKeyIllegalRequest = 0x05
	SenseKeyHardwareError  = 0x04
	ASCInvalidLUN          = 0x25
	ASCInternalTargetFailure = 0x44
)

// SCSI VPD page codes.
const (
	VPDSupportedPages = 0x00
	VPDUnitSerialNumber = 0x80
	VPDBlockLimits      = 0xB0
	VPDBlockDeviceCharacteristics = 0xB1
)

// SCSI MODE SENSE page codes.
const (
	ModePageFormatDevice      = 0x03
	ModePageRigidDiskGeometry = 0x04
	ModePageCaching           = 0x08
	ModePageControl           = 0x0A
	ModePagePowerCondition    = 0x1A
	ModePageInformationalExceptions = 0x1C
	ModePageReturnAll         = 0x3F
)

// MODE SENSE page control field values.
const (
	PageControlCurrent     = 0x00
	PageControlChangeable  = 0x01
	PageControlDefault     = 0x02
	PageControlSaved       = 0x03
)

// ATA command/feature bytes recognised by SAT pass-through and the
// SMART IOCTL family.
const (
	AtaCmdSmart         = 0xB0
	AtaCmdIdentifyDevice = 0xEC
	AtaFeatureSmartReadData = 0xD0
	AtaFeatureSmartReadLog  = 0xD5
	AtaFeatureSmartEnable   = 0xD8
	AtaFeatureSmartDisable  = 0xD9
	AtaFeatureSmartReturnStatus = 0xDA
)

// Custom TRIM IOCTL surface ("NVME2KDB" signature).
const (
	IoctlSignature  = "NVME2KDB"
	IoctlQueryInfo  = 0x1000
	IoctlTrimModeOn = 0x1001
	IoctlTrimModeOff = 0x1002

	// IoctlSmartPassthrough is the control code an IoctlRequest carries
	// for the "SCSIDISK"-signed SMART pass-through family; the
	// envelope (signature + sub-function + args) travels in CDB().
	IoctlSmartPassthrough = 0x2000
)

// SMART pass-through IOCTL family ("SCSIDISK" signature) sub-functions.
const (
	SmartSignature         = "SCSIDISK"
	SmartSubVersion        = 0x00
	SmartSubIdentify       = 0x01
	SmartSubReadAttributes = 0x02
	SmartSubEnableSmart    = 0x03
	SmartSubDisableSmart   = 0x04
	SmartSubReturnStatus   = 0x05

	SmartCapAtaID  = 1 << 0
	SmartCapSmart  = 1 << 1

	// SMART return-status "passing" sentinel mirrored into the output
	// register pair.
	SmartStatusPassingLow  = 0x4F
	SmartStatusPassingHigh = 0xC2
)

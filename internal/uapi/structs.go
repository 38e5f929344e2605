// Package uapi holds the wire-format structures shared between the
// driver and the NVMe controller (submission/completion queue entries,
// Identify data) and between the driver and the SCSI/ATA host port
// (sense data, ATA IDENTIFY).
package uapi

import "unsafe"

// SQEntry is one 64-byte NVMe Submission Queue Entry.
//
//	struct nvme_command {
//	  __u8  opcode;
//	  __u8  flags;
//	  __u16 command_id;
//	  __u32 nsid;
//	  __u32 rsvd1;
//	  __u32 rsvd2;
//	  __u64 mptr;
//	  __u64 prp1;
//	  __u64 prp2;
//	  __u32 cdw10, cdw11, cdw12, cdw13, cdw14, cdw15;
//	};
type SQEntry struct {
	Opcode    uint8
	Flags     uint8
	CommandID uint16
	NSID      uint32
	Rsvd1     uint32
	Rsvd2     uint32
	MPTR      uint64
	PRP1      uint64
	PRP2      uint64
	CDW10     uint32
	CDW11     uint32
	CDW12     uint32
	CDW13     uint32
	CDW14     uint32
	CDW15     uint32
}

var _ [64]byte = [unsafe.Sizeof(SQEntry{})]byte{}

// CQEntry is one 16-byte NVMe Completion Queue Entry.
//
//	struct nvme_completion {
//	  __le32 result;
//	  __u32  rsvd;
//	  __le16 sq_head;
//	  __le16 sq_id;
//	  __u16  command_id;
//	  __le16 status;
//	};
type CQEntry struct {
	Result uint32
	Rsvd   uint32
	SQHead uint16
	SQID   uint16
	CID    uint16
	Status uint16
}

var _ [16]byte = [unsafe.Sizeof(CQEntry{})]byte{}

// Phase returns bit 0 of Status.
func (c *CQEntry) Phase() uint16 { return c.Status & 1 }

// StatusCode returns bits 1..8 of Status.
func (c *CQEntry) StatusCode() uint16 { return (c.Status >> 1) & 0xFF }

// IdentifyController is the 4096-byte Identify Controller data
// structure (CNS=1), carrying only the fields this driver consumes.
type IdentifyController struct {
	VID          uint16
	SSVID        uint16
	SerialNumber [20]byte
	ModelNumber  [40]byte
	Firmware     [8]byte
	Rsvd1        [5]byte
	MDTS         uint8
	Rsvd2        [438]byte
	NN           uint32
	Rsvd3        [3576]byte
}

var _ [4096]byte = [unsafe.Sizeof(IdentifyController{})]byte{}

// LBAFormat describes one entry of an Identify Namespace LBA format
// table.
type LBAFormat struct {
	MS    uint16
	LBADS uint8
	RP    uint8
}

// IdentifyNamespace is the 4096-byte Identify Namespace data structure
// (CNS=0, NSID=1), carrying only the fields this driver consumes.
type IdentifyNamespace struct {
	NSZE   uint64
	NCAP   uint64
	NUSE   uint64
	NSFEAT uint8
	NLBAF  uint8
	FLBAS  uint8
	Rsvd1  [101]byte
	LBAF   [16]LBAFormat
	Rsvd2  [3904]byte
}

var _ [4096]byte = [unsafe.Sizeof(IdentifyNamespace{})]byte{}

// DSMRange is one 16-byte Dataset Management range descriptor.
type DSMRange struct {
	ContextAttributes uint32
	LengthInBlocks    uint32
	StartingLBA       uint64
}

var _ [16]byte = [unsafe.Sizeof(DSMRange{})]byte{}

// SmartLogPage is the 512-byte NVMe SMART / Health Information log
// page, carrying only the fields the SCSI/ATA conversion reads.
type SmartLogPage struct {
	CriticalWarning      uint8
	CompositeTemperature uint16
	AvailableSpare       uint8
	AvailableSpareThresh uint8
	PercentageUsed       uint8
	Rsvd1                [26]byte
	DataUnitsRead        [16]byte
	DataUnitsWritten     [16]byte
	HostReadCommands     [16]byte
	HostWriteCommands    [16]byte
	ControllerBusyTime   [16]byte
	PowerCycles          [16]byte
	PowerOnHours         [16]byte
	UnsafeShutdowns      [16]byte
	MediaErrors          [16]byte
	NumErrLogEntries     [16]byte
	Rsvd2                [320]byte
}

// binary.Read and binary.Write encode SmartLogPage as its 512 wire
// bytes; Go's in-memory layout is 514 bytes, because it adds a padding
// byte before CompositeTemperature and one at the end.
var _ [514]byte = [unsafe.Sizeof(SmartLogPage{})]byte{}

// AtaIdentifyDevice is the 512-byte (256-word) ATA IDENTIFY DEVICE
// structure, used by SAT ATA pass-through and the SMART IOCTL family's
// synthesised identify response.
type AtaIdentifyDevice struct {
	Words [256]uint16
}

var _ [512]byte = [unsafe.Sizeof(AtaIdentifyDevice{})]byte{}

// SenseData is the fixed-format (18-byte) SCSI sense buffer this
// driver synthesises on NVMe protocol errors.
type SenseData struct {
	ResponseCode         uint8
	Obsolete             uint8
	SenseKeyAndFlags     uint8 // bits 0:3 = sense key
	Information          [4]byte
	AdditionalSenseLen   uint8
	CmdSpecificInfo      [4]byte
	AdditionalSenseCode  uint8 // ASC
	AdditionalSenseQual  uint8 // ASCQ
	FieldReplaceableUnit uint8
	SenseKeySpecific     [3]byte
}

var _ [18]byte = [unsafe.Sizeof(SenseData{})]byte{}

// NewSense builds a fixed-format sense buffer with the given key/ASC/ASCQ.
func NewSense(key, asc, ascq uint8) []byte {
	s := SenseData{
		ResponseCode:        0x70, // current errors, fixed format
		SenseKeyAndFlags:    key & 0x0F,
		AdditionalSenseLen:  0x0A,
		AdditionalSenseCode: asc,
		AdditionalSenseQual: ascq,
	}
	buf := make([]byte, unsafe.Sizeof(s))
	copy(buf, (*[18]byte)(unsafe.Pointer(&s))[:])
	return buf
}

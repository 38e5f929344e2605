// Package xlt translates SCSI CDBs and their pass-through/IOCTL
// variants into either an immediate SCSI-formatted reply (INQUIRY,
// READ CAPACITY, MODE SENSE) or an NVMe admin/I/O command whose
// completion the caller's CPL dispatch will convert (LOG SENSE, SAT
// SMART read, SMART-IOCTL read attributes).
//
// PatternRestoreContract: the TRIM fast path assumes the first 16
// bytes of a pattern-matching write buffer are the caller's real data
// and can be reconstructed from the stored pattern on completion. This
// is a convention with the pattern-writing user-space tool described
// in the host-port contract, not a property this package can verify;
// callers that do not control that tool should disable TRIM mode.
package xlt

import (
	"encoding/binary"

	"github.com/nvme2k/go-nvme2k/internal/lifecycle"
	"github.com/nvme2k/go-nvme2k/internal/uapi"
)

// Translator holds the identify-derived facts needed to answer SCSI
// inquiries without talking to the controller again.
type Translator struct {
	Identity     lifecycle.Identity
	smartEnabled bool
}

// New constructs a Translator from the lifecycle's identify results.
func New(identity lifecycle.Identity) *Translator {
	return &Translator{Identity: identity}
}

// Inquiry builds the INQUIRY response for the given CDB: standard
// data when EVPD is clear, or the requested VPD page otherwise.
func (t *Translator) Inquiry(cdb []byte) ([]byte, error) {
	if len(cdb) < 6 {
		return nil, ErrMalformedCDB
	}
	evpd := cdb[1]&0x01 != 0
	pageCode := cdb[2]

	if !evpd {
		return t.inquiryStandard(), nil
	}
	switch pageCode {
	case uapi.VPDSupportedPages:
		return []byte{0x00, uapi.VPDSupportedPages, 0x00, 4, uapi.VPDSupportedPages, uapi.VPDUnitSerialNumber, uapi.VPDBlockLimits, uapi.VPDBlockDeviceCharacteristics}, nil
	case uapi.VPDUnitSerialNumber:
		serial := uapi.PadASCII(t.Identity.Serial, 20)
		out := []byte{0x00, uapi.VPDUnitSerialNumber, 0x00, 20}
		return append(out, serial...), nil
	case uapi.VPDBlockLimits:
		return t.vpdBlockLimits(), nil
	case uapi.VPDBlockDeviceCharacteristics:
		return t.vpdBlockDeviceCharacteristics(), nil
	default:
		return nil, ErrUnsupportedPage
	}
}

func (t *Translator) inquiryStandard() []byte {
	out := make([]byte, 96)
	out[0] = 0x00 // peripheral qualifier=0, device type=0 (direct-access block)
	out[2] = 0x05 // version: SPC-3
	out[3] = 0x02 // response data format
	out[4] = byte(len(out) - 5)
	out[7] = 0x02 // CmdQue bit

	vendor, product, revision := uapi.VendorProductRevision(t.Identity.ModelRaw, t.Identity.FirmwareRaw)
	copy(out[8:16], vendor)
	copy(out[16:32], product)
	copy(out[32:36], revision)
	return out
}

func (t *Translator) vpdBlockLimits() []byte {
	out := make([]byte, 64)
	out[1] = uapi.VPDBlockLimits
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)-4))
	maxTransferBlocks := uint32(0)
	if t.Identity.BlockSize > 0 {
		maxTransferBlocks = t.Identity.MaxTransferSizeBytes / t.Identity.BlockSize
	}
	binary.BigEndian.PutUint32(out[8:12], maxTransferBlocks)
	// Maximum Unmap LBA Count: 0xFFFFFFFF = no limit.
	binary.BigEndian.PutUint32(out[20:24], 0xFFFFFFFF)
	return out
}

func (t *Translator) vpdBlockDeviceCharacteristics() []byte {
	out := make([]byte, 64)
	out[1] = uapi.VPDBlockDeviceCharacteristics
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)-4))
	binary.BigEndian.PutUint16(out[4:6], 1) // MEDIUM ROTATION RATE = 1 (non-rotating)
	return out
}

// ReadCapacity10 builds the 8-byte READ CAPACITY(10) response: last
// LBA and block length, both big-endian, last LBA saturated to
// 0xFFFFFFFF if the namespace is larger than 32 bits of LBA can
// express.
func (t *Translator) ReadCapacity10() []byte {
	out := make([]byte, 8)
	lastLBA := uint64(0)
	if t.Identity.NamespaceBlocks > 0 {
		lastLBA = t.Identity.NamespaceBlocks - 1
	}
	if lastLBA > 0xFFFFFFFF {
		lastLBA = 0xFFFFFFFF
	}
	binary.BigEndian.PutUint32(out[0:4], uint32(lastLBA))
	binary.BigEndian.PutUint32(out[4:8], t.Identity.BlockSize)
	return out
}

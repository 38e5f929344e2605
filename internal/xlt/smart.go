package xlt

import (
	"encoding/binary"

	"github.com/nvme2k/go-nvme2k/internal/queue"
	"github.com/nvme2k/go-nvme2k/internal/uapi"
)

// BuildGetLogPageSmart constructs the admin Get Log Page command for
// the SMART/Health log, tagged with the post-init non-tagged CID that
// encodes prpIndex so CPL can find the page it was written into.
func BuildGetLogPageSmart(prpIndex uint8, prpPhys uint64) *uapi.SQEntry {
	const numDwords = 128 // 512 bytes
	return &uapi.SQEntry{
		Opcode:    uapi.AdminOpGetLogPage,
		CommandID: queue.EncodeGetLogPage(prpIndex),
		NSID:      1,
		PRP1:      prpPhys,
		CDW10:     uint32(numDwords-1)<<16 | uapi.LogPageSmartHealth,
	}
}

// leBytesToUint64 reads a little-endian SMART 128-bit counter field,
// truncated to 64 bits (these devices never approach 2^64 of
// anything the conversion below reports).
func leBytesToUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// ConvertSmartToInformationalExceptionsLog converts an NVMe SMART/
// Health log page into the SCSI Informational Exceptions log page
// (LOG SENSE page 0x2F) LOG SENSE asks for: a single parameter
// (code 0x0000) carrying ASC/ASCQ per the standard's "failure
// prediction" mapping, then the low byte of CompositeTemperature
// (byte 10) and AvailableSpareThresh (byte 11). No temperature
// threshold is reported.
func ConvertSmartToInformationalExceptionsLog(smart *uapi.SmartLogPage) []byte {
	out := make([]byte, 12)
	out[0] = 0x2F
	binary.BigEndian.PutUint16(out[2:4], 8) // page length
	// parameter 0x0000
	out[5] = 0x01 // DU=0, TSD=0, ETC=0, TMC=0, FORMAT_AND_LINKING=01b (list parameter)
	out[7] = 4    // parameter length
	asc, ascq := byte(0x00), byte(0x00)
	if smart.CriticalWarning != 0 {
		asc, ascq = 0x5D, 0x00 // failure prediction threshold exceeded
	}
	out[8] = asc
	out[9] = ascq
	out[10] = byte(smart.CompositeTemperature)
	out[11] = smart.AvailableSpareThresh
	return out
}

// smartAttribute IDs chosen to mirror the conventional ATA SMART
// table for the NVMe fields this driver tracks.
const (
	attrReallocatedSectors = 5
	attrPowerOnHours       = 9
	attrPowerCycles        = 12
	attrTemperature        = 194
	attrAvailableSpare     = 232
	attrMediaWearoutIndic  = 233
)

// ConvertSmartToAtaSmartReadData synthesizes a 512-byte ATA SMART
// READ DATA structure (as returned by SAT SMART/READ_DATA and the
// SMART-IOCTL read-attributes sub-function) from the NVMe SMART log.
// Deterministic and idempotent: the same input always produces the
// same bytes.
func ConvertSmartToAtaSmartReadData(smart *uapi.SmartLogPage) []byte {
	out := make([]byte, 512)
	binary.LittleEndian.PutUint16(out[0:2], 0x0010) // structure revision

	type attr struct {
		id    byte
		value uint64
	}
	attrs := []attr{
		{attrReallocatedSectors, 0},
		{attrPowerOnHours, leBytesToUint64(smart.PowerOnHours[:8])},
		{attrPowerCycles, leBytesToUint64(smart.PowerCycles[:8])},
		{attrTemperature, uint64(smart.CompositeTemperature)},
		{attrAvailableSpare, uint64(smart.AvailableSpare)},
		{attrMediaWearoutIndic, uint64(100 - smart.PercentageUsed)},
	}
	off := 2
	for _, a := range attrs {
		entry := out[off : off+12]
		entry[0] = a.id
		entry[1] = 0x03 // flags: prefailure | online
		entry[3] = byte(100 - smart.PercentageUsed)
		entry[4] = 100
		binary.LittleEndian.PutUint32(entry[5:9], uint32(a.value))
		off += 12
	}

	checksum := byte(0)
	for _, b := range out[:511] {
		checksum += b
	}
	out[511] = byte(256 - int(checksum))
	return out
}

// ConvertIdentifyToAtaIdentify synthesizes a 512-byte ATA IDENTIFY
// DEVICE structure from NVMe identify data: model/serial/firmware in
// ATA's byte-swapped word layout, LBA-48 capacity, and rotation rate
// set to 1 (non-rotating, i.e. SSD).
func ConvertIdentifyToAtaIdentify(serial, model, firmware string, namespaceBlocks uint64) []byte {
	var id uapi.AtaIdentifyDevice
	uapi.SwapATAWords(id.Words[10:20], []byte(uapi.PadASCII(serial, 20)))
	uapi.SwapATAWords(id.Words[23:27], []byte(uapi.PadASCII(firmware, 8)))
	uapi.SwapATAWords(id.Words[27:47], []byte(uapi.PadASCII(model, 40)))

	id.Words[49] = 1 << 9 // LBA supported
	id.Words[83] = 1 << 10 // LBA48 supported
	id.Words[86] = 1 << 10

	lba28 := namespaceBlocks
	if lba28 > 0x0FFFFFFF {
		lba28 = 0x0FFFFFFF
	}
	id.Words[60] = uint16(lba28)
	id.Words[61] = uint16(lba28 >> 16)

	id.Words[100] = uint16(namespaceBlocks)
	id.Words[101] = uint16(namespaceBlocks >> 16)
	id.Words[102] = uint16(namespaceBlocks >> 32)
	id.Words[103] = uint16(namespaceBlocks >> 48)

	id.Words[217] = 1 // nominal media rotation rate: 1 = non-rotating

	buf := make([]byte, 512)
	for i, w := range id.Words {
		binary.LittleEndian.PutUint16(buf[i*2:], w)
	}
	return buf
}

package uapi

import (
	"bytes"
	"encoding/binary"
	"unsafe"
)

// EncodeSQEntry serialises a Submission Queue Entry into its 64-byte
// little-endian wire form.
func EncodeSQEntry(e *SQEntry) []byte {
	buf := make([]byte, unsafe.Sizeof(*e))
	w := bytes.NewBuffer(buf[:0])
	binary.Write(w, binary.LittleEndian, e)
	return w.Bytes()
}

// EncodeCQEntry serializes a CQEntry into its 16-byte little-endian
// wire form, the producer-side counterpart to DecodeCQEntry.
func EncodeCQEntry(e *CQEntry) []byte {
	buf := make([]byte, unsafe.Sizeof(*e))
	w := bytes.NewBuffer(buf[:0])
	binary.Write(w, binary.LittleEndian, e)
	return w.Bytes()
}

// DecodeCQEntry parses a 16-byte little-endian Completion Queue Entry.
func DecodeCQEntry(b []byte) CQEntry {
	var e CQEntry
	binary.Read(bytes.NewReader(b), binary.LittleEndian, &e)
	return e
}

// DecodeSQEntry parses a 64-byte little-endian Submission Queue Entry,
// the consumer-side counterpart to EncodeSQEntry used by a controller
// reading what the host submitted.
func DecodeSQEntry(b []byte) SQEntry {
	var e SQEntry
	binary.Read(bytes.NewReader(b), binary.LittleEndian, &e)
	return e
}

// TrimASCII strips trailing spaces and NULs, and leading spaces, from a
// fixed-width ASCII field, as NVMe Identify strings are space-padded.
func TrimASCII(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	start := 0
	for start < end && b[start] == ' ' {
		start++
	}
	return string(b[start:end])
}

// PadASCII returns s truncated or right-padded with spaces to exactly
// n bytes, matching the NVMe Identify string convention.
func PadASCII(s string, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = ' '
	}
	copy(out, s)
	return out
}

// VendorProductRevision carves SCSI INQUIRY vendor (8 bytes), product
// (16 bytes), and revision (4 bytes) fields from an NVMe model string
// and firmware string, per the driver's INQUIRY translation.
func VendorProductRevision(model [40]byte, firmware [8]byte) (vendor, product, revision string) {
	trimmed := TrimASCII(model[:])
	v := trimmed
	if len(v) > 8 {
		v = v[:8]
	}
	p := ""
	if len(trimmed) > 8 {
		rest := trimmed[8:]
		if len(rest) > 16 {
			rest = rest[:16]
		}
		p = rest
	}
	fw := TrimASCII(firmware[:])
	if len(fw) > 4 {
		fw = fw[:4]
	}
	return string(PadASCII(v, 8)), string(PadASCII(p, 16)), string(PadASCII(fw, 4))
}

// SwapATAWords copies an ASCII byte string into an array of ATA
// IDENTIFY words with each pair of bytes byte-swapped, per the ATA
// convention for string fields (model number, serial number, firmware
// revision).
func SwapATAWords(dst []uint16, src []byte) {
	for i := 0; i+1 < len(src) && i/2 < len(dst); i += 2 {
		dst[i/2] = uint16(src[i])<<8 | uint16(src[i+1])
	}
}

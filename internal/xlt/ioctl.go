package xlt

import (
	"github.com/nvme2k/go-nvme2k/internal/rw"
	"github.com/nvme2k/go-nvme2k/internal/uapi"
)

// HandleTrimIoctl dispatches the custom "NVME2KDB"-signed TRIM-mode
// IOCTL set against the read/write engine that owns the comparison
// pattern.
func (t *Translator) HandleTrimIoctl(code uint32, payload []byte, engine *rw.Engine) error {
	switch code {
	case uapi.IoctlQueryInfo:
		return nil
	case uapi.IoctlTrimModeOn:
		return engine.SetTrimMode(true, payload)
	case uapi.IoctlTrimModeOff:
		return engine.SetTrimMode(false, nil)
	default:
		return ErrInvalidIOCTL
	}
}

// SynchronizeCacheCommand builds the NVMe Flush command SYNCHRONIZE CACHE
// translates to.
func SynchronizeCacheCommand(cid uint16) *uapi.SQEntry {
	return &uapi.SQEntry{Opcode: uapi.IOOpFlush, CommandID: cid, NSID: 1}
}

// InvalidLUNSense builds the sense buffer for a non-zero LUN on our
// path/target.
func InvalidLUNSense() []byte {
	return uapi.NewSense(uapi.SenseKeyIllegalRequest, uapi.ASCInvalidLUN, 0x00)
}

// DeviceProtocolErrorSense builds the sense buffer for a non-zero
// NVMe completion status, per the error taxonomy's device-protocol
// class.
func DeviceProtocolErrorSense() []byte {
	return uapi.NewSense(uapi.SenseKeyHardwareError, uapi.ASCInternalTargetFailure, 0x00)
}

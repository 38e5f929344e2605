package xlt

import "github.com/nvme2k/go-nvme2k/internal/uapi"

// ATAResult is the outcome of translating a SAT ATA pass-through or
// SMART-IOCTL ATA command: either an immediate payload, or a request
// that the caller submit a Get Log Page and run Convert on the
// resulting NVMe SMART log once it completes.
type ATAResult struct {
	Sync         bool
	Payload      []byte
	NeedsLogPage bool
	Convert      func(*uapi.SmartLogPage) []byte
}

// AtaPassthrough translates a SAT ATA PASS-THROUGH(12)/(16) CDB.
func (t *Translator) AtaPassthrough(cdb []byte) (ATAResult, error) {
	command, features, err := parseAtaCommand(cdb)
	if err != nil {
		return ATAResult{}, err
	}
	switch command {
	case uapi.AtaCmdIdentifyDevice:
		return ATAResult{Sync: true, Payload: ConvertIdentifyToAtaIdentify(
			t.Identity.Serial, t.Identity.Model, t.Identity.Firmware, t.Identity.NamespaceBlocks)}, nil
	case uapi.AtaCmdSmart:
		switch features {
		case uapi.AtaFeatureSmartReadData:
			return ATAResult{NeedsLogPage: true, Convert: ConvertSmartToAtaSmartReadData}, nil
		case uapi.AtaFeatureSmartReadLog:
			return ATAResult{Sync: true, Payload: make([]byte, 512)}, nil
		default:
			return ATAResult{}, ErrUnsupportedCDB
		}
	default:
		return ATAResult{}, ErrUnsupportedCDB
	}
}

func parseAtaCommand(cdb []byte) (command, features byte, err error) {
	switch {
	case len(cdb) >= 12 && cdb[0] == uapi.ScsiOpAtaPassthrough12:
		return cdb[9], cdb[3], nil
	case len(cdb) >= 16 && cdb[0] == uapi.ScsiOpAtaPassthrough16:
		return cdb[14], cdb[4], nil
	default:
		return 0, 0, ErrMalformedCDB
	}
}

// SmartIoctlResult mirrors ATAResult for the "SCSIDISK"-signed SMART
// pass-through IOCTL family.
type SmartIoctlResult struct {
	Sync         bool
	Payload      []byte
	NeedsLogPage bool
	Convert      func(*uapi.SmartLogPage) []byte
}

// SmartIoctl dispatches a SMART pass-through IOCTL envelope
// (8-byte "SCSIDISK" signature followed by a sub-function byte).
func (t *Translator) SmartIoctl(envelope []byte) (SmartIoctlResult, error) {
	if len(envelope) < 9 || string(envelope[:8]) != uapi.SmartSignature {
		return SmartIoctlResult{}, ErrInvalidIOCTL
	}
	switch envelope[8] {
	case uapi.SmartSubVersion:
		payload := []byte{1, 0, uapi.SmartCapAtaID | uapi.SmartCapSmart}
		return SmartIoctlResult{Sync: true, Payload: payload}, nil
	case uapi.SmartSubIdentify:
		return SmartIoctlResult{Sync: true, Payload: ConvertIdentifyToAtaIdentify(
			t.Identity.Serial, t.Identity.Model, t.Identity.Firmware, t.Identity.NamespaceBlocks)}, nil
	case uapi.SmartSubReadAttributes:
		return SmartIoctlResult{NeedsLogPage: true, Convert: ConvertSmartToAtaSmartReadData}, nil
	case uapi.SmartSubEnableSmart, uapi.SmartSubDisableSmart:
		t.smartEnabled = envelope[8] == uapi.SmartSubEnableSmart
		return SmartIoctlResult{Sync: true}, nil
	case uapi.SmartSubReturnStatus:
		return SmartIoctlResult{Sync: true, Payload: []byte{uapi.SmartStatusPassingLow, uapi.SmartStatusPassingHigh}}, nil
	default:
		return SmartIoctlResult{}, ErrInvalidIOCTL
	}
}

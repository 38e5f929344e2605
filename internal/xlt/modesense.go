package xlt

import (
	"encoding/binary"

	"github.com/nvme2k/go-nvme2k/internal/uapi"
)

var supportedModePages = []byte{
	uapi.ModePageFormatDevice,
	uapi.ModePageRigidDiskGeometry,
	uapi.ModePageCaching,
	uapi.ModePageControl,
	uapi.ModePagePowerCondition,
	uapi.ModePageInformationalExceptions,
}

// ModeSense6 builds the MODE SENSE(6) response: a 4-byte header,
// an optional 8-byte block descriptor, and the requested page bodies.
func (t *Translator) ModeSense6(cdb []byte) ([]byte, error) {
	if len(cdb) < 6 {
		return nil, ErrMalformedCDB
	}
	dbd := cdb[1]&0x08 != 0
	pc := cdb[2] >> 6
	pageCode := cdb[2] & 0x3F

	body, err := t.modePageBody(pageCode, pc)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 4)
	if !dbd {
		out = append(out, t.blockDescriptor()...)
	}
	out = append(out, body...)
	out[0] = byte(len(out) - 1)
	out[3] = 0
	if !dbd {
		out[3] = 8
	}
	return out, nil
}

// ModeSense10 builds the MODE SENSE(10) response: an 8-byte header,
// an optional block descriptor, and the requested page bodies.
func (t *Translator) ModeSense10(cdb []byte) ([]byte, error) {
	if len(cdb) < 10 {
		return nil, ErrMalformedCDB
	}
	dbd := cdb[1]&0x08 != 0
	pc := cdb[2] >> 6
	pageCode := cdb[2] & 0x3F

	body, err := t.modePageBody(pageCode, pc)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 8)
	if !dbd {
		out = append(out, t.blockDescriptor()...)
		binary.BigEndian.PutUint16(out[6:8], 8)
	}
	out = append(out, body...)
	binary.BigEndian.PutUint16(out[0:2], uint16(len(out)-2))
	return out, nil
}

func (t *Translator) blockDescriptor() []byte {
	desc := make([]byte, 8)
	// density code 0; block count saturated to 24 bits
	count := t.Identity.NamespaceBlocks
	if count > 0xFFFFFF {
		count = 0xFFFFFF
	}
	desc[1] = byte(count >> 16)
	desc[2] = byte(count >> 8)
	desc[3] = byte(count)
	desc[5] = byte(t.Identity.BlockSize >> 16)
	desc[6] = byte(t.Identity.BlockSize >> 8)
	desc[7] = byte(t.Identity.BlockSize)
	return desc
}

func (t *Translator) modePageBody(pageCode, pc byte) ([]byte, error) {
	if pageCode == uapi.ModePageReturnAll {
		var all []byte
		for _, p := range supportedModePages {
			page, err := t.singleModePage(p, pc)
			if err != nil {
				return nil, err
			}
			all = append(all, page...)
		}
		return all, nil
	}
	return t.singleModePage(pageCode, pc)
}

func (t *Translator) singleModePage(pageCode, pc byte) ([]byte, error) {
	var body []byte
	switch pageCode {
	case uapi.ModePageFormatDevice:
		body = make([]byte, 24)
		body[0], body[1] = uapi.ModePageFormatDevice, 22
		binary.BigEndian.PutUint16(body[10:12], 63) // sectors per track
		body[20] = 0x40                             // soft-sectored
	case uapi.ModePageRigidDiskGeometry:
		body = make([]byte, 22)
		body[0], body[1] = uapi.ModePageRigidDiskGeometry, 20
		const heads, spt = 64, 63
		cylinders := uint32(0)
		if t.Identity.NamespaceBlocks > 0 {
			cylinders = uint32(t.Identity.NamespaceBlocks / (heads * spt))
		}
		body[2] = byte(cylinders >> 16)
		body[3] = byte(cylinders >> 8)
		body[4] = byte(cylinders)
		body[5] = heads
		binary.BigEndian.PutUint16(body[20:22], 1) // medium rotation rate = 1 (non-rotating)
	case uapi.ModePageCaching:
		body = make([]byte, 20)
		body[0], body[1] = uapi.ModePageCaching, 18
		body[2] = 0x04 // WCE
	case uapi.ModePageControl:
		body = make([]byte, 12)
		body[0], body[1] = uapi.ModePageControl, 10
	case uapi.ModePagePowerCondition:
		body = make([]byte, 12)
		body[0], body[1] = uapi.ModePagePowerCondition, 10 // all conditions disabled (zero)
	case uapi.ModePageInformationalExceptions:
		body = make([]byte, 12)
		body[0], body[1] = uapi.ModePageInformationalExceptions, 10
		body[3] = 0x06 // MRIE = report on request
	default:
		return nil, ErrUnsupportedPage
	}
	if pc == uapi.PageControlChangeable {
		zeroed := make([]byte, len(body))
		zeroed[0], zeroed[1] = body[0], body[1]
		return zeroed, nil
	}
	return body, nil
}

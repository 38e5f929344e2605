package xlt

import "errors"

// ErrMalformedCDB is returned for a CDB shorter than its opcode requires.
var ErrMalformedCDB = errors.New("xlt: malformed cdb")

// ErrUnsupportedPage is returned for an unrecognized VPD or MODE SENSE page.
var ErrUnsupportedPage = errors.New("xlt: unsupported page code")

// ErrUnsupportedCDB is returned for a CDB opcode this package does not translate.
var ErrUnsupportedCDB = errors.New("xlt: unsupported cdb opcode")

// ErrInvalidIOCTL is returned for a malformed custom or pass-through IOCTL envelope.
var ErrInvalidIOCTL = errors.New("xlt: invalid ioctl")

package queue

import (
	"sync"

	"github.com/nvme2k/go-nvme2k/internal/uapi"
)

// EncodeTagged builds a CID for a tagged host request.
func EncodeTagged(tag uint8) uint16 {
	return uint16(tag) & uapi.CIDValueMask
}

// EncodeNonTagged builds a CID for an untagged host request carrying
// the given sequence number.
func EncodeNonTagged(seq uint16) uint16 {
	return uapi.CIDNonTaggedFlag | (seq & uapi.CIDValueMask)
}

// EncodeOrderedFlush builds a CID for the bare Flush issued ahead of
// an ordered tagged request; it carries the same tag value but no host
// request is ever looked up for it.
func EncodeOrderedFlush(tag uint8) uint16 {
	return uapi.CIDOrderedFlushFlag | (uint16(tag) & uapi.CIDValueMask)
}

// EncodeGetLogPage builds the post-init Get Log Page CID for the given
// PRP page index: non-tagged flagged, offset from
// uapi.AdminCIDGetLogPageBase.
func EncodeGetLogPage(prpIndex uint8) uint16 {
	return uapi.CIDNonTaggedFlag | (uapi.AdminCIDGetLogPageBase + uint16(prpIndex))
}

// IsNonTagged reports whether bit 15 is set.
func IsNonTagged(cid uint16) bool { return cid&uapi.CIDNonTaggedFlag != 0 }

// IsOrderedFlush reports whether the CID carries the ordered-flush
// flag (bit 14 with bit 15 clear).
func IsOrderedFlush(cid uint16) bool {
	return cid&uapi.CIDNonTaggedFlag == 0 && cid&uapi.CIDOrderedFlushFlag != 0
}

// Tag returns bits 13:0 — the sequence number or queue tag depending
// on class.
func Tag(cid uint16) uint16 { return cid & uapi.CIDValueMask }

// GetLogPagePRPIndex reports whether cid is a post-init Get Log Page
// completion and, if so, which PRP page it refers to.
func GetLogPagePRPIndex(cid uint16, poolSize int) (index uint8, ok bool) {
	if !IsNonTagged(cid) {
		return 0, false
	}
	tag := Tag(cid)
	if tag < uapi.AdminCIDGetLogPageBase {
		return 0, false
	}
	idx := tag - uapi.AdminCIDGetLogPageBase
	if int(idx) >= poolSize {
		return 0, false
	}
	return uint8(idx), true
}

// SeqCounter hands out monotonically increasing 14-bit sequence
// numbers for non-tagged host requests, wrapping modulo 2^14.
type SeqCounter struct {
	mu   sync.Mutex
	next uint32
}

// Next returns the next sequence number.
func (s *SeqCounter) Next() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := uint16(s.next & uapi.CIDValueMask)
	s.next++
	return v
}

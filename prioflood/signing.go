package prioflood

import (
	"encoding/binary"
	"time"

	"github.com/spines-itcore/spines/wire"
)

// signedBytes assembles the portion of a Priority-Flood packet that is
// covered by the RSA signature (spec.md §4.2.1): header, k-path bitmask,
// and payload. Unlike the original daemon this abstraction layer has no
// mutable-in-transit IP TTL field to exclude (IT-Link's own packet header,
// spec.md §4.1.2, carries none), so the scoped zero-before-sign transform
// spec.md §9 calls out has nothing to zero here — see DESIGN.md.
func signedBytes(hdr wire.PrioFloodHeader, mask wire.KPathBitmask, payload []byte) []byte {
	buf := make([]byte, 0, wire.PrioFloodHeaderSize+8+len(payload))
	buf = hdr.Marshal(buf)
	buf = wire.MarshalKPathBitmask(buf, mask)
	buf = append(buf, payload...)
	return buf
}

func epochHeader(originID uint32, incarnation, seq uint32, priority uint8, origin, expire time.Time) wire.PrioFloodHeader {
	return wire.PrioFloodHeader{
		Origin:      originID,
		Incarnation: incarnation,
		SeqNum:      seq,
		Priority:    priority,
		OriginSec:   uint32(origin.Unix()),
		OriginUsec:  uint32(origin.Nanosecond() / 1000),
		ExpireSec:   uint32(expire.Unix()),
		ExpireUsec:  uint32(expire.Nanosecond() / 1000),
	}
}

func expireOf(hdr wire.PrioFloodHeader) time.Time {
	return time.Unix(int64(hdr.ExpireSec), int64(hdr.ExpireUsec)*1000)
}

func originOf(hdr wire.PrioFloodHeader) time.Time {
	return time.Unix(int64(hdr.OriginSec), int64(hdr.OriginUsec)*1000)
}

// marshalEnvelope lays out the wire form hdr‖mask‖sigLen‖payload‖sig. The
// signature length is stamped right after the bitmask (rather than at the
// very end) so a receiver can locate the payload/signature boundary
// without first knowing the payload's length.
func marshalEnvelope(hdr wire.PrioFloodHeader, mask wire.KPathBitmask, payload, sig []byte) []byte {
	buf := make([]byte, 0, wire.PrioFloodHeaderSize+8+2+len(payload)+len(sig))
	buf = hdr.Marshal(buf)
	buf = wire.MarshalKPathBitmask(buf, mask)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(sig)))
	buf = append(buf, payload...)
	buf = append(buf, sig...)
	return buf
}

// splitPayloadSig reverses marshalEnvelope's payload/signature packing
// given the bytes left after hdr and mask have been parsed off.
func splitPayloadSig(rest []byte) (payload, sig []byte, err error) {
	if len(rest) < 2 {
		return nil, nil, wire.ErrShortBuffer
	}
	sigLen := int(binary.BigEndian.Uint16(rest))
	rest = rest[2:]
	if sigLen > len(rest) {
		return nil, nil, wire.ErrShortBuffer
	}
	split := len(rest) - sigLen
	return rest[:split], rest[split:], nil
}

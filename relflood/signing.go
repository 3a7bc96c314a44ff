package relflood

import (
	"encoding/binary"

	"github.com/spines-itcore/spines/wire"
)

// signedBytes assembles the portion of a DATA/E2E/STATUS_CHANGE message
// covered by its RSA signature: header plus k-path bitmask (DATA only;
// E2E and STATUS_CHANGE pass a zero mask, see signedBytesNoMask) plus
// payload (spec.md §4.3.1). SAA carries no signature — its contents are
// fully recoverable from the piggybacked tail the receiver already
// trusts hop-by-hop.
func signedBytes(hdr wire.RelFloodHeader, mask wire.KPathBitmask, payload []byte) []byte {
	buf := make([]byte, 0, wire.RelFloodHeaderSize+8+len(payload))
	buf = hdr.Marshal(buf)
	buf = wire.MarshalKPathBitmask(buf, mask)
	buf = append(buf, payload...)
	return buf
}

// marshalDataEnvelope lays out a DATA packet: hdr‖mask‖sigLen‖payload‖sig‖tail.
// The signature length is stamped right after the bitmask, mirroring
// prioflood's envelope, so the payload/signature boundary is self
// describing without a second pass.
func marshalDataEnvelope(hdr wire.RelFloodHeader, mask wire.KPathBitmask, payload, sig []byte, tail wire.RelFloodTail) []byte {
	buf := make([]byte, 0, wire.RelFloodHeaderSize+8+2+len(payload)+len(sig)+wire.RelFloodTailSize)
	buf = hdr.Marshal(buf)
	buf = wire.MarshalKPathBitmask(buf, mask)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(sig)))
	buf = append(buf, payload...)
	buf = append(buf, sig...)
	buf = tail.Marshal(buf)
	return buf
}

// splitPayloadSigTail reverses marshalDataEnvelope's packing given the
// bytes left after hdr and mask have been parsed off.
func splitPayloadSigTail(rest []byte) (payload, sig []byte, tail wire.RelFloodTail, err error) {
	if len(rest) < 2 {
		return nil, nil, tail, wire.ErrShortBuffer
	}
	sigLen := int(binary.BigEndian.Uint16(rest))
	rest = rest[2:]
	if sigLen > len(rest) {
		return nil, nil, tail, wire.ErrShortBuffer
	}
	withoutTail := rest[:len(rest)-wire.RelFloodTailSize]
	tailBytes := rest[len(rest)-wire.RelFloodTailSize:]
	if len(withoutTail) < sigLen {
		return nil, nil, tail, wire.ErrShortBuffer
	}
	split := len(withoutTail) - sigLen
	payload, sig = withoutTail[:split], withoutTail[split:]
	if _, err = tail.Unmarshal(tailBytes); err != nil {
		return nil, nil, tail, err
	}
	return payload, sig, tail, nil
}

// marshalSAAEnvelope is a DATA-less packet: just the header and tail, used
// for a pure hop-by-hop acknowledgement (spec.md §4.3.4's SAA).
func marshalSAAEnvelope(hdr wire.RelFloodHeader, tail wire.RelFloodTail) []byte {
	buf := make([]byte, 0, wire.RelFloodHeaderSize+wire.RelFloodTailSize)
	buf = hdr.Marshal(buf)
	buf = tail.Marshal(buf)
	return buf
}

package wire

import "encoding/binary"

// RelFloodType enumerates the four message kinds that share
// RelFloodHeader's framing (spec.md §4.3.1).
type RelFloodType uint8

const (
	RelData RelFloodType = iota + 1
	RelSAA
	RelE2E
	RelStatusChange
)

func (t RelFloodType) String() string {
	switch t {
	case RelData:
		return "DATA"
	case RelSAA:
		return "SAA"
	case RelE2E:
		return "E2E"
	case RelStatusChange:
		return "STATUS_CHANGE"
	default:
		return "UNKNOWN"
	}
}

const RelFloodHeaderSize = 4 + 4 + 4 + 4 + 1

// RelFloodHeader is common to DATA, SAA, E2E and STATUS_CHANGE messages
// (spec.md §4.3.1); it is followed on the wire by a k-path bitmask and,
// for DATA/E2E/STATUS_CHANGE, a signature.
type RelFloodHeader struct {
	Src      uint32
	Dst      uint32
	SrcEpoch uint32
	SeqNum   uint32
	Type     RelFloodType
}

func (h *RelFloodHeader) Marshal(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, h.Src)
	dst = binary.BigEndian.AppendUint32(dst, h.Dst)
	dst = binary.BigEndian.AppendUint32(dst, h.SrcEpoch)
	dst = binary.BigEndian.AppendUint32(dst, h.SeqNum)
	dst = append(dst, byte(h.Type))
	return dst
}

func (h *RelFloodHeader) Unmarshal(b []byte) (rest []byte, err error) {
	if len(b) < RelFloodHeaderSize {
		return nil, ErrShortBuffer
	}
	h.Src = binary.BigEndian.Uint32(b)
	h.Dst = binary.BigEndian.Uint32(b[4:])
	h.SrcEpoch = binary.BigEndian.Uint32(b[8:])
	h.SeqNum = binary.BigEndian.Uint32(b[12:])
	h.Type = RelFloodType(b[16])
	return b[RelFloodHeaderSize:], nil
}

const RelFloodTailSize = 4 + 4 + 4 // ack_len, sow, aru

// RelFloodTail is the mandatory, unsigned, per-hop piggybacked
// acknowledgement appended to every Reliable-Flood packet (spec.md §4.3.1,
// §4.3.4): it carries the hop's own view of the (src,dst) flow so each
// neighbor can advance sow/aru without a dedicated ACK round-trip.
type RelFloodTail struct {
	AckLen uint32
	SOW    uint32
	ARU    uint32
}

func (t *RelFloodTail) Marshal(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, t.AckLen)
	dst = binary.BigEndian.AppendUint32(dst, t.SOW)
	dst = binary.BigEndian.AppendUint32(dst, t.ARU)
	return dst
}

func (t *RelFloodTail) Unmarshal(b []byte) (rest []byte, err error) {
	if len(b) < RelFloodTailSize {
		return nil, ErrShortBuffer
	}
	t.AckLen = binary.BigEndian.Uint32(b)
	t.SOW = binary.BigEndian.Uint32(b[4:])
	t.ARU = binary.BigEndian.Uint32(b[8:])
	return b[RelFloodTailSize:], nil
}

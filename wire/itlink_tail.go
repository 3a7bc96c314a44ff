package wire

import "encoding/binary"

const IntruTolPktTailSize = 4 + 8 + 4 + 8 + 4 + 4

// IntruTolPktTail is the fixed part of an IT-Link packet's tail region
// (spec.md §4.1.2): the sender's own link sequence and its nonce, plus the
// cumulative ack ("aru") it is piggybacking on this packet and the nonce
// digest that makes that aru tamper-evident, plus the incarnation pair used
// to detect a peer restart (§4.1.6).
type IntruTolPktTail struct {
	LinkSeq        uint32
	SeqNonce       uint64
	ARU            uint32
	ARUNonce       uint64
	Incarnation    uint32
	ARUIncarnation uint32
}

func (t *IntruTolPktTail) Marshal(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, t.LinkSeq)
	dst = binary.BigEndian.AppendUint64(dst, t.SeqNonce)
	dst = binary.BigEndian.AppendUint32(dst, t.ARU)
	dst = binary.BigEndian.AppendUint64(dst, t.ARUNonce)
	dst = binary.BigEndian.AppendUint32(dst, t.Incarnation)
	dst = binary.BigEndian.AppendUint32(dst, t.ARUIncarnation)
	return dst
}

func (t *IntruTolPktTail) Unmarshal(b []byte) (rest []byte, err error) {
	if len(b) < IntruTolPktTailSize {
		return nil, ErrShortBuffer
	}
	t.LinkSeq = binary.BigEndian.Uint32(b)
	t.SeqNonce = binary.BigEndian.Uint64(b[4:])
	t.ARU = binary.BigEndian.Uint32(b[12:])
	t.ARUNonce = binary.BigEndian.Uint64(b[16:])
	t.Incarnation = binary.BigEndian.Uint32(b[24:])
	t.ARUIncarnation = binary.BigEndian.Uint32(b[28:])
	return b[IntruTolPktTailSize:], nil
}

// NACKs trail an IntruTolPktTail as a plain sequence of 64-bit link
// sequence numbers the sender is asking to be resent.
func MarshalNACKs(dst []byte, nacks []uint64) []byte {
	for _, n := range nacks {
		dst = binary.BigEndian.AppendUint64(dst, n)
	}
	return dst
}

func UnmarshalNACKs(b []byte) ([]uint64, error) {
	if len(b)%8 != 0 {
		return nil, ErrShortBuffer
	}
	out := make([]uint64, len(b)/8)
	for i := range out {
		out[i] = binary.BigEndian.Uint64(b[i*8:])
	}
	return out, nil
}

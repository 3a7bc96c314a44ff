package wire

import "encoding/binary"

const FragmentHeaderSize = 2 + 2 + 2 // frag_length, frag_idx, frag_total

// FragmentHeader sits at the tail of each fragment within a packet's data
// region (spec.md §4.1.2, §4.1.3): a message larger than one packet is cut
// into fragments, each self-describing so the reassembler can run without
// a separate index.
type FragmentHeader struct {
	Length uint16
	Idx    uint16
	Total  uint16
}

func (f *FragmentHeader) Marshal(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, f.Length)
	dst = binary.BigEndian.AppendUint16(dst, f.Idx)
	dst = binary.BigEndian.AppendUint16(dst, f.Total)
	return dst
}

func (f *FragmentHeader) Unmarshal(b []byte) (rest []byte, err error) {
	if len(b) < FragmentHeaderSize {
		return nil, ErrShortBuffer
	}
	f.Length = binary.BigEndian.Uint16(b)
	f.Idx = binary.BigEndian.Uint16(b[2:])
	f.Total = binary.BigEndian.Uint16(b[4:])
	return b[FragmentHeaderSize:], nil
}

// Complete reports whether Idx is the last fragment of Total.
func (f *FragmentHeader) Complete() bool { return f.Idx+1 == f.Total }

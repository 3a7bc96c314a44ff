package wire

import "encoding/binary"

// E2ECell is one (src,dst) flow's view as reported by the destination in
// an end-to-end ACK (spec.md §4.3.5): DestEpoch/SrcEpoch/ARU are compared
// lexicographically in that order against the stored cell to decide
// acceptance.
type E2ECell struct {
	Src       uint32
	DestEpoch uint32
	SrcEpoch  uint32
	ARU       uint32
}

const e2eCellSize = 4 + 4 + 4 + 4
const e2eHeaderSize = 4 + 2 // dst, cellCount

// E2E is the end-to-end acknowledgement a destination signs and sends back
// toward every active source flow (spec.md §4.3.5).
type E2E struct {
	Dst   uint32
	Cells []E2ECell
}

func (e *E2E) Marshal(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, e.Dst)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(e.Cells)))
	for _, c := range e.Cells {
		dst = binary.BigEndian.AppendUint32(dst, c.Src)
		dst = binary.BigEndian.AppendUint32(dst, c.DestEpoch)
		dst = binary.BigEndian.AppendUint32(dst, c.SrcEpoch)
		dst = binary.BigEndian.AppendUint32(dst, c.ARU)
	}
	return dst
}

func (e *E2E) Unmarshal(b []byte) (rest []byte, err error) {
	if len(b) < e2eHeaderSize {
		return nil, ErrShortBuffer
	}
	e.Dst = binary.BigEndian.Uint32(b)
	n := int(binary.BigEndian.Uint16(b[4:]))
	b = b[e2eHeaderSize:]
	if len(b) < n*e2eCellSize {
		return nil, ErrShortBuffer
	}
	e.Cells = make([]E2ECell, n)
	for i := range e.Cells {
		off := i * e2eCellSize
		e.Cells[i] = E2ECell{
			Src:       binary.BigEndian.Uint32(b[off:]),
			DestEpoch: binary.BigEndian.Uint32(b[off+4:]),
			SrcEpoch:  binary.BigEndian.Uint32(b[off+8:]),
			ARU:       binary.BigEndian.Uint32(b[off+12:]),
		}
	}
	return b[n*e2eCellSize:], nil
}

// AtLeast reports whether e is componentwise >= o, the acceptance test of
// spec.md §4.3.5 (cell-by-cell; the caller applies this per matching Src).
func (c E2ECell) AtLeast(o E2ECell) bool {
	if c.DestEpoch != o.DestEpoch {
		return c.DestEpoch > o.DestEpoch
	}
	if c.SrcEpoch != o.SrcEpoch {
		return c.SrcEpoch > o.SrcEpoch
	}
	return c.ARU >= o.ARU
}

package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// StatusChangeCell is one neighbor's entry within a StatusChange message
// (spec.md §4.3.7): Cost of -1 means the link is down; for a non-adjacent
// neighbor both fields are required to be zero.
type StatusChangeCell struct {
	Neighbor uint32
	Seq      uint32
	Cost     int32
}

const statusChangeCellSize = 4 + 4 + 4
const statusChangeHeaderSize = 4 + 4 + 2 // creator, epoch, cellCount

// StatusChange is a signed, monotonically versioned advertisement a node
// makes about the cost of its own adjacent links (spec.md §4.3.7).
type StatusChange struct {
	Creator uint32
	Epoch   uint32
	Cells   []StatusChangeCell
}

func (s *StatusChange) Marshal(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, s.Creator)
	dst = binary.BigEndian.AppendUint32(dst, s.Epoch)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(s.Cells)))
	for _, c := range s.Cells {
		dst = binary.BigEndian.AppendUint32(dst, c.Neighbor)
		dst = binary.BigEndian.AppendUint32(dst, c.Seq)
		dst = binary.BigEndian.AppendUint32(dst, uint32(c.Cost))
	}
	return dst
}

func (s *StatusChange) Unmarshal(b []byte) (rest []byte, err error) {
	if len(b) < statusChangeHeaderSize {
		return nil, ErrShortBuffer
	}
	s.Creator = binary.BigEndian.Uint32(b)
	s.Epoch = binary.BigEndian.Uint32(b[4:])
	n := int(binary.BigEndian.Uint16(b[8:]))
	b = b[statusChangeHeaderSize:]
	if len(b) < n*statusChangeCellSize {
		return nil, ErrShortBuffer
	}
	s.Cells = make([]StatusChangeCell, n)
	for i := range s.Cells {
		off := i * statusChangeCellSize
		s.Cells[i] = StatusChangeCell{
			Neighbor: binary.BigEndian.Uint32(b[off:]),
			Seq:      binary.BigEndian.Uint32(b[off+4:]),
			Cost:     int32(binary.BigEndian.Uint32(b[off+8:])),
		}
	}
	return b[n*statusChangeCellSize:], nil
}

// Validate enforces the structural invariants of spec.md §4.3.7 that don't
// depend on prior state (creator membership and newer/older mixing are
// checked by the engine against its own tables).
func (s *StatusChange) Validate(referenceCost int32, isAdjacent func(neighbor uint32) bool) error {
	for _, c := range s.Cells {
		adjacent := isAdjacent(c.Neighbor)
		if !adjacent {
			if c.Seq != 0 || c.Cost != 0 {
				return errors.Errorf("wire: status-change cell for non-adjacent neighbor %d must be zero, got seq=%d cost=%d", c.Neighbor, c.Seq, c.Cost)
			}
			continue
		}
		if c.Cost != -1 && c.Cost < referenceCost {
			return errors.Errorf("wire: status-change cell for neighbor %d has cost %d below reference cost %d", c.Neighbor, c.Cost, referenceCost)
		}
	}
	return nil
}

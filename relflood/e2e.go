package relflood

import "github.com/spines-itcore/spines/node"
import "github.com/spines-itcore/spines/wire"

// E2EStore holds, per destination, the most recently accepted end-to-end
// ACK cell for every source flowing to it (spec.md §4.3.5, "E2E[dst]").
type E2EStore struct {
	byDst map[node.ID]map[node.ID]wire.E2ECell
}

func NewE2EStore() *E2EStore {
	return &E2EStore{byDst: make(map[node.ID]map[node.ID]wire.E2ECell)}
}

// Cell returns the stored cell for (dst, src), or the zero cell if none.
func (es *E2EStore) Cell(dst, src node.ID) wire.E2ECell {
	if m, ok := es.byDst[dst]; ok {
		return m[src]
	}
	return wire.E2ECell{Src: uint32(src)}
}

// TryAccept implements spec.md §4.3.5's acceptance test: every cell in the
// incoming message must be at-least the corresponding stored cell (where
// "stored" defaults to the zero cell for a source never seen before); any
// single cell strictly less invalidates the whole message. On acceptance
// every provided cell is stored and returned to the caller for per-flow
// follow-up (fresh-epoch detection, sow/aru advancement).
func (es *E2EStore) TryAccept(dst node.ID, cells []wire.E2ECell) (accepted map[node.ID]wire.E2ECell, ok bool) {
	m := es.byDst[dst]
	for _, c := range cells {
		if m != nil {
			if old, had := m[node.ID(c.Src)]; had && !c.AtLeast(old) {
				return nil, false
			}
		}
	}
	if m == nil {
		m = make(map[node.ID]wire.E2ECell, len(cells))
		es.byDst[dst] = m
	}
	accepted = make(map[node.ID]wire.E2ECell, len(cells))
	for _, c := range cells {
		m[node.ID(c.Src)] = c
		accepted[node.ID(c.Src)] = c
	}
	return accepted, true
}

// Reset clears the stored state for the (dst, src) pair symmetrically,
// called on a detected destination restart (spec.md §4.3.5: "clear memory
// for flow (d→me) symmetrically").
func (es *E2EStore) Reset(dst, src node.ID, newDestEpoch uint32) {
	m := es.byDst[dst]
	if m == nil {
		m = make(map[node.ID]wire.E2ECell)
		es.byDst[dst] = m
	}
	m[src] = wire.E2ECell{Src: uint32(src), DestEpoch: newDestEpoch}
}

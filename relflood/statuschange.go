package relflood

import (
	"github.com/pkg/errors"
	jsoniter "github.com/json-iterator/go"

	"github.com/spines-itcore/spines/node"
	"github.com/spines-itcore/spines/wire"
)

// StatusChangeStore holds, per creator, the most recently accepted
// Status-Change advertisement (spec.md §3, "SC[creator]").
type StatusChangeStore struct {
	byCreator map[node.ID]wire.StatusChange
}

func NewStatusChangeStore() *StatusChangeStore {
	return &StatusChangeStore{byCreator: make(map[node.ID]wire.StatusChange)}
}

// TryAccept implements spec.md §4.3.7's acceptance rule: accept on a
// strictly greater epoch, or on an equal epoch whose cells are all
// monotonically non-decreasing in seq relative to the stored version. A
// message mixing strictly-newer and strictly-older cells at an equal
// epoch is a protocol violation and is dropped with an error (the caller
// still does not apply it — the distinction only matters for logging).
func (s *StatusChangeStore) TryAccept(sc wire.StatusChange) (accepted bool, err error) {
	old, had := s.byCreator[sc.Creator]
	if !had || sc.Epoch > old.Epoch {
		s.byCreator[sc.Creator] = sc
		return true, nil
	}
	if sc.Epoch < old.Epoch {
		return false, nil // epoch regression, silent drop
	}

	byNeighbor := make(map[uint32]wire.StatusChangeCell, len(old.Cells))
	for _, c := range old.Cells {
		byNeighbor[c.Neighbor] = c
	}
	hasNewer, hasOlder := false, false
	for _, c := range sc.Cells {
		if o, ok := byNeighbor[c.Neighbor]; ok {
			switch {
			case c.Seq > o.Seq:
				hasNewer = true
			case c.Seq < o.Seq:
				hasOlder = true
			}
		} else if c.Seq > 0 {
			hasNewer = true
		}
	}
	if hasNewer && hasOlder {
		return false, errors.Errorf("relflood: status-change from %d mixes newer and older cells at equal epoch %d", sc.Creator, sc.Epoch)
	}
	if !hasNewer {
		return false, nil // no new information, silent drop
	}
	s.byCreator[sc.Creator] = sc
	return true, nil
}

// Diagnostic renders a Status-Change as canonical JSON for logging —
// never for the signed wire bytes, which stay hand-packed binary
// (spec.md §4.3.1; SPEC_FULL.md §4.3).
func Diagnostic(sc wire.StatusChange) string {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(sc)
	if err != nil {
		return "<unmarshalable status-change>"
	}
	return string(b)
}

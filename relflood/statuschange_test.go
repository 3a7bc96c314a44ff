package relflood

import (
	"testing"

	"github.com/spines-itcore/spines/wire"
)

func TestStatusChangeAcceptsHigherEpoch(t *testing.T) {
	s := NewStatusChangeStore()
	first := wire.StatusChange{Creator: 1, Epoch: 1, Cells: []wire.StatusChangeCell{{Neighbor: 2, Seq: 1, Cost: 10}}}
	ok, err := s.TryAccept(first)
	if err != nil || !ok {
		t.Fatalf("first status-change should be accepted, err=%v ok=%v", err, ok)
	}
	second := wire.StatusChange{Creator: 1, Epoch: 2, Cells: []wire.StatusChangeCell{{Neighbor: 2, Seq: 0, Cost: 5}}}
	ok, err = s.TryAccept(second)
	if err != nil || !ok {
		t.Fatalf("higher epoch should always be accepted regardless of cell monotonicity, err=%v ok=%v", err, ok)
	}
}

func TestStatusChangeRejectsEpochRegression(t *testing.T) {
	s := NewStatusChangeStore()
	s.TryAccept(wire.StatusChange{Creator: 1, Epoch: 5})
	ok, err := s.TryAccept(wire.StatusChange{Creator: 1, Epoch: 3})
	if err != nil || ok {
		t.Fatalf("lower epoch must be silently dropped, err=%v ok=%v", err, ok)
	}
}

func TestStatusChangeSameEpochMonotonicCellsAccepted(t *testing.T) {
	s := NewStatusChangeStore()
	s.TryAccept(wire.StatusChange{Creator: 1, Epoch: 1, Cells: []wire.StatusChangeCell{{Neighbor: 2, Seq: 1, Cost: 10}}})
	ok, err := s.TryAccept(wire.StatusChange{Creator: 1, Epoch: 1, Cells: []wire.StatusChangeCell{{Neighbor: 2, Seq: 2, Cost: 10}}})
	if err != nil || !ok {
		t.Fatalf("strictly newer cell seq at equal epoch should be accepted, err=%v ok=%v", err, ok)
	}
}

func TestStatusChangeSameEpochMixedCellsErrors(t *testing.T) {
	s := NewStatusChangeStore()
	s.TryAccept(wire.StatusChange{Creator: 1, Epoch: 1, Cells: []wire.StatusChangeCell{
		{Neighbor: 2, Seq: 5, Cost: 10},
		{Neighbor: 3, Seq: 5, Cost: 10},
	}})
	_, err := s.TryAccept(wire.StatusChange{Creator: 1, Epoch: 1, Cells: []wire.StatusChangeCell{
		{Neighbor: 2, Seq: 9, Cost: 10}, // newer
		{Neighbor: 3, Seq: 1, Cost: 10}, // older
	}})
	if err == nil {
		t.Fatalf("mixing newer and older cells at equal epoch should be flagged as a protocol violation")
	}
}

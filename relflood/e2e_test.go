package relflood

import (
	"testing"

	"github.com/spines-itcore/spines/wire"
)

func TestE2ETryAcceptRequiresDominance(t *testing.T) {
	es := NewE2EStore()
	cells := []wire.E2ECell{{Src: 1, DestEpoch: 1, SrcEpoch: 1, ARU: 5}}
	if _, ok := es.TryAccept(2, cells); !ok {
		t.Fatalf("first cell for a source should always be accepted")
	}
	regressed := []wire.E2ECell{{Src: 1, DestEpoch: 1, SrcEpoch: 1, ARU: 3}}
	if _, ok := es.TryAccept(2, regressed); ok {
		t.Fatalf("a strictly smaller ARU at equal epoch must be rejected")
	}
	advanced := []wire.E2ECell{{Src: 1, DestEpoch: 1, SrcEpoch: 1, ARU: 9}}
	if _, ok := es.TryAccept(2, advanced); !ok {
		t.Fatalf("a strictly larger ARU at equal epoch should be accepted")
	}
	if got := es.Cell(2, 1).ARU; got != 9 {
		t.Fatalf("stored ARU = %d, want 9", got)
	}
}

func TestE2ETryAcceptRejectsWholeMessageOnAnyRegression(t *testing.T) {
	es := NewE2EStore()
	es.TryAccept(2, []wire.E2ECell{
		{Src: 1, DestEpoch: 1, SrcEpoch: 1, ARU: 5},
		{Src: 3, DestEpoch: 1, SrcEpoch: 1, ARU: 5},
	})
	mixed := []wire.E2ECell{
		{Src: 1, DestEpoch: 1, SrcEpoch: 1, ARU: 9},  // advances
		{Src: 3, DestEpoch: 1, SrcEpoch: 1, ARU: 2},  // regresses
	}
	if _, ok := es.TryAccept(2, mixed); ok {
		t.Fatalf("one regressed cell must invalidate the whole E2E message")
	}
	if got := es.Cell(2, 1).ARU; got != 5 {
		t.Fatalf("stored cell for source 1 must be unchanged after a rejected message, got %d", got)
	}
}

func TestE2EResetClearsSymmetrically(t *testing.T) {
	es := NewE2EStore()
	es.TryAccept(2, []wire.E2ECell{{Src: 1, DestEpoch: 1, SrcEpoch: 1, ARU: 5}})
	es.Reset(2, 1, 9)
	cell := es.Cell(2, 1)
	if cell.DestEpoch != 9 || cell.ARU != 0 {
		t.Fatalf("reset cell = %+v, want DestEpoch=9 ARU=0", cell)
	}
}

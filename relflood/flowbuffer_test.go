package relflood

import (
	"testing"

	"github.com/spines-itcore/spines/core"
	"github.com/spines-itcore/spines/node"
	"github.com/spines-itcore/spines/wire"
)

func TestAdmitLocalAssignsSequentialSeqAndNeighborStatus(t *testing.T) {
	pool := core.NewPool()
	fb := NewFlowBuffer(1, 2)
	neighbors := []node.ID{1, 3, 4}

	seq0, ok := fb.AdmitLocal(pool.Get(8), 0, []byte("sig"), neighbors)
	if !ok || seq0 != 0 {
		t.Fatalf("first admit: seq=%d ok=%v", seq0, ok)
	}
	seq1, ok := fb.AdmitLocal(pool.Get(8), 0, []byte("sig"), neighbors)
	if !ok || seq1 != 1 {
		t.Fatalf("second admit: seq=%d ok=%v", seq1, ok)
	}
	if seq, _, _, _, _, ok := fb.PendingFor(3); !ok || seq != 0 {
		t.Fatalf("neighbor 3 should have slot 0 pending first, got seq=%d ok=%v", seq, ok)
	}
	if _, _, _, _, _, ok := fb.PendingFor(1); ok {
		t.Fatalf("own source 1 must never be a pending neighbor")
	}
}

func TestFlowBufferFullBlocksAdmission(t *testing.T) {
	pool := core.NewPool()
	fb := NewFlowBuffer(1, 2)
	for i := 0; i < MaxMessPerFlow; i++ {
		if _, ok := fb.AdmitLocal(pool.Get(8), 0, nil, nil); !ok {
			t.Fatalf("admit %d unexpectedly failed before window filled", i)
		}
	}
	if _, ok := fb.AdmitLocal(pool.Get(8), 0, nil, nil); ok {
		t.Fatalf("admit should fail once the flow window is full")
	}
}

func TestMarkSentAdvancesNextSeq(t *testing.T) {
	pool := core.NewPool()
	fb := NewFlowBuffer(1, 2)
	neighbors := []node.ID{3}
	seq, _ := fb.AdmitLocal(pool.Get(8), 0, nil, neighbors)
	fb.MarkSent(3, seq)
	if _, _, _, _, _, ok := fb.PendingFor(3); ok {
		t.Fatalf("neighbor 3 should have nothing pending after MarkSent")
	}
	if got := fb.NextSeq(3); got != seq+1 {
		t.Fatalf("next_seq[3] = %d, want %d", got, seq+1)
	}
}

func TestAdvanceSOWReleasesSlots(t *testing.T) {
	pool := core.NewPool()
	fb := NewFlowBuffer(1, 2)
	for i := 0; i < 5; i++ {
		fb.AdmitLocal(pool.Get(8), 0, nil, nil)
	}
	fb.AdvanceSOW(3)
	if fb.SOW() != 3 {
		t.Fatalf("sow = %d, want 3", fb.SOW())
	}
	if fb.HeadSeq() != 5 {
		t.Fatalf("head_seq should be untouched by AdvanceSOW, got %d", fb.HeadSeq())
	}
}

func TestRestampRequiresStrictSupersetMask(t *testing.T) {
	pool := core.NewPool()
	fb := NewFlowBuffer(1, 2)
	neighbors := []node.ID{3, 5}
	seq, _ := fb.AdmitLocal(pool.Get(8), 0b01, nil, neighbors)

	inMask := func(n node.ID, m wire.KPathBitmask) bool {
		return (n == 3 && m.Contains(0)) || (n == 5 && m.Contains(1))
	}
	if fb.Restamp(seq, 0b01, nil, neighbors, inMask) {
		t.Fatalf("restamp with a non-superset mask must be rejected")
	}
	if !fb.Restamp(seq, 0b11, nil, neighbors, inMask) {
		t.Fatalf("restamp with a strict superset mask should be accepted")
	}
	if seqP, _, _, _, restamped, ok := fb.PendingFor(5); !ok || seqP != seq || !restamped {
		t.Fatalf("neighbor 5 should now have a restamped-unsent slot pending, got seq=%d restamped=%v ok=%v", seqP, restamped, ok)
	}
}

func TestRestampAllResetsEveryNeighbor(t *testing.T) {
	pool := core.NewPool()
	fb := NewFlowBuffer(1, 2)
	neighbors := []node.ID{3, 5}
	seq, _ := fb.AdmitLocal(pool.Get(8), 0b01, nil, neighbors)
	fb.MarkSent(3, seq)
	fb.MarkSent(5, seq)

	if !fb.RestampAll(seq, 0b10, nil, neighbors) {
		t.Fatalf("RestampAll should succeed on an in-window slot")
	}
	for _, n := range neighbors {
		if _, _, _, _, restamped, ok := fb.PendingFor(n); !ok || !restamped {
			t.Fatalf("neighbor %d should be reset to restamped-unsent after RestampAll", n)
		}
	}
}

func TestResetForNewEpochClearsWindow(t *testing.T) {
	pool := core.NewPool()
	fb := NewFlowBuffer(1, 2)
	for i := 0; i < 3; i++ {
		fb.AdmitLocal(pool.Get(8), 0, nil, nil)
	}
	fb.ResetForNewEpoch(7)
	if fb.SOW() != 0 || fb.HeadSeq() != 0 {
		t.Fatalf("window should reset to (0,0), got (%d,%d)", fb.SOW(), fb.HeadSeq())
	}
	if fb.SrcEpoch() != 7 {
		t.Fatalf("src_epoch = %d, want 7", fb.SrcEpoch())
	}
}

package prioflood

import (
	"testing"

	"github.com/spines-itcore/spines/node"
)

func TestEnqueuePlacesNewSourceInUrgent(t *testing.T) {
	q := NewNeighborQueue()
	key := Key{Origin: 1, Incarnation: 1, SeqNum: 1}
	q.Enqueue(1, 5, key)

	e, ok := q.head()
	if !ok || e.source != node.ID(1) || !e.inUrgent {
		t.Fatalf("first enqueue should land source 1 in urgent, got %+v ok=%v", e, ok)
	}
}

func TestToNormalTailMovesSourceOutOfUrgent(t *testing.T) {
	q := NewNeighborQueue()
	key := Key{Origin: 1, Incarnation: 1, SeqNum: 1}
	q.Enqueue(1, 5, key)
	q.Enqueue(2, 3, Key{Origin: 2, Incarnation: 1, SeqNum: 1})

	e := q.bySource[1]
	e.popHead(5)
	q.toNormalTail(e, 3)

	if len(q.urgent) != 1 || q.urgent[0].source != node.ID(2) {
		t.Fatalf("source 1 should have left urgent, leaving only source 2, got %+v", q.urgent)
	}
	if _, ok := q.bySource[1]; ok {
		t.Fatalf("source 1's queue emptied after popHead; toNormalTail should have dropped it entirely")
	}
}

func TestHighestNonEmptyPrefersHigherPriority(t *testing.T) {
	e := &sourceEntry{source: 7}
	low := Key{Origin: 7, Incarnation: 1, SeqNum: 1}
	high := Key{Origin: 7, Incarnation: 1, SeqNum: 2}
	e.byPrio[2] = append(e.byPrio[2], low)
	e.byPrio[9] = append(e.byPrio[9], high)

	prio, key, ok := e.highestNonEmpty()
	if !ok || prio != 9 || key != high {
		t.Fatalf("expected priority 9 / high key, got prio=%d key=%+v ok=%v", prio, key, ok)
	}
}

func TestRemoveDropsEmptiedSourceFromQueue(t *testing.T) {
	q := NewNeighborQueue()
	key := Key{Origin: 4, Incarnation: 1, SeqNum: 1}
	q.Enqueue(4, 1, key)
	q.Remove(4, 1, key)

	if _, ok := q.head(); ok {
		t.Fatalf("queue should be empty after removing the only entry")
	}
	if _, ok := q.bySource[4]; ok {
		t.Fatalf("bySource should no longer track source 4")
	}
}

func TestEnqueueAppendsSecondMessageToExistingSource(t *testing.T) {
	q := NewNeighborQueue()
	k1 := Key{Origin: 1, Incarnation: 1, SeqNum: 1}
	k2 := Key{Origin: 1, Incarnation: 1, SeqNum: 2}
	q.Enqueue(1, 5, k1)
	q.Enqueue(1, 5, k2)

	e := q.bySource[1]
	if len(e.byPrio[5]) != 2 {
		t.Fatalf("expected 2 queued keys for source 1 at priority 5, got %d", len(e.byPrio[5]))
	}
	if len(q.urgent) != 1 {
		t.Fatalf("second enqueue for an already-queued source must not duplicate its urgent entry")
	}
}

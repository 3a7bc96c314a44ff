package prioflood

import (
	"testing"
	"time"

	"github.com/spines-itcore/spines/core"
	"github.com/spines-itcore/spines/node"
)

func TestValueReleaseOnlyOnceNeedCountReachesZero(t *testing.T) {
	pool := core.NewPool()
	v := &Value{
		Scatter: pool.Get(8),
		status:  map[node.ID]NeighborStatus{2: StatusNeed, 3: StatusNeed},
	}
	v.needCount = 2

	v.markRecv(2)
	if v.released {
		t.Fatalf("one of two NEED neighbors resolving must not release the scatter yet")
	}
	v.markRecv(3)
	if !v.released {
		t.Fatalf("the last NEED neighbor resolving must release the scatter")
	}
}

func TestValueMarkExpiredClearsEveryRemainingNeedNeighbor(t *testing.T) {
	pool := core.NewPool()
	v := &Value{
		Scatter: pool.Get(8),
		status:  map[node.ID]NeighborStatus{2: StatusNeed, 3: StatusRecv},
	}
	v.needCount = 1

	v.markExpired()
	if v.status[2] != StatusExpired {
		t.Fatalf("neighbor 2 should transition NEED -> EXPIRED, got %v", v.status[2])
	}
	if v.status[3] != StatusRecv {
		t.Fatalf("neighbor 3 was already resolved; markExpired must not touch it")
	}
	if !v.released {
		t.Fatalf("needCount should reach zero and release the scatter")
	}
}

func TestOriginBellyStoreAndLookup(t *testing.T) {
	bl := NewBelly()
	ob := bl.originOf(5)
	key := Key{Origin: 5, Incarnation: 1, SeqNum: 1}
	v := &Value{Key: key, Expire: time.Now().Add(time.Minute), status: map[node.ID]NeighborStatus{}}
	ob.store(v)

	got, ok := ob.lookup(key)
	if !ok || got != v {
		t.Fatalf("lookup should return the stored value, ok=%v", ok)
	}
	ob.delete(key)
	if _, ok := ob.lookup(key); ok {
		t.Fatalf("value should be gone after delete")
	}
}

func TestBellyHoggingSourcePicksLargestCount(t *testing.T) {
	bl := NewBelly()
	bl.incNeighbor(1, 9)
	bl.incNeighbor(1, 9)
	bl.incNeighbor(2, 9)

	src, ok := bl.hoggingSource(9)
	if !ok || src != node.ID(1) {
		t.Fatalf("expected source 1 (count 2) to be the hog toward neighbor 9, got src=%d ok=%v", src, ok)
	}

	bl.decNeighbor(1, 9)
	bl.decNeighbor(1, 9)
	if bl.neighborTotal[9] != 1 {
		t.Fatalf("neighborTotal should reflect the remaining message from source 2, got %d", bl.neighborTotal[9])
	}
}

// Package prioflood implements Priority-Flood (spec.md §4.2): source-ordered
// priority dissemination of signed messages to every member of a
// destination group, using per-destination k-disjoint-path bitmasks,
// bounded per-neighbor per-source queues, and message expiry.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package prioflood

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	cuckoo "github.com/seiflotfy/cuckoofilter"
	"github.com/tidwall/buntdb"

	"github.com/spines-itcore/spines/core"
	"github.com/spines-itcore/spines/node"
	"github.com/spines-itcore/spines/wire"
)

// MaxPriority bounds PrioFloodHeader.Priority (spec.md §4.2.3: "priority ∈
// [1, MAX_PRIORITY]").
const MaxPriority = 10

// NeighborStatus is a message's delivery status toward one neighbor within
// the belly (spec.md §3, "FloodValue").
type NeighborStatus uint8

const (
	StatusNeed NeighborStatus = iota
	StatusRecv
	StatusOnLink
	StatusDropped
	StatusExpired
	StatusNotInMask
)

// Key identifies one belly entry: an origin's (incarnation, seqNum) pair
// (spec.md §4.2.3).
type Key struct {
	Origin      node.ID
	Incarnation uint32
	SeqNum      uint32
}

func (k Key) dbKey() string { return fmt.Sprintf("%d/%d/%d", k.Origin, k.Incarnation, k.SeqNum) }

func filterKey(k Key) []byte {
	buf := make([]byte, 10)
	binary.BigEndian.PutUint16(buf[0:], uint16(k.Origin))
	binary.BigEndian.PutUint32(buf[2:], k.Incarnation)
	binary.BigEndian.PutUint32(buf[6:], k.SeqNum)
	return buf
}

// Value is one in-flight message's belly entry (spec.md §3, "FloodValue").
// need_count == 0 iff the scatter has been released (spec.md §3 invariant);
// Release enforces that by constuction.
type Value struct {
	Key        Key
	Arrival    time.Time
	Expire     time.Time
	Priority   uint8
	OriginTime time.Time
	Scatter    *core.Scatter
	Bitmask    wire.KPathBitmask

	status    map[node.ID]NeighborStatus
	needCount int
	released  bool
}

func (v *Value) Expired(now time.Time) bool { return !v.Expire.After(now) }

// Status returns the neighbor's current delivery status for this message.
func (v *Value) Status(n node.ID) NeighborStatus { return v.status[n] }

// markRecv transitions a NEED neighbor to RECV when the duplicate copy
// they just sent shows they already have it (spec.md §4.2.3, "Duplicate").
func (v *Value) markRecv(n node.ID) (wasNeed bool) {
	if v.status[n] != StatusNeed {
		return false
	}
	v.status[n] = StatusRecv
	v.needCount--
	v.release()
	return true
}

// markDropped is used by belly overflow (spec.md §4.2.5) to evict a NEED
// entry toward one neighbor without affecting the others.
func (v *Value) markDropped(n node.ID) {
	if v.status[n] != StatusNeed {
		return
	}
	v.status[n] = StatusDropped
	v.needCount--
	v.release()
}

// markExpired transitions every remaining NEED neighbor to EXPIRED
// (spec.md §4.2.4/§4.2.6).
func (v *Value) markExpired() {
	for n, s := range v.status {
		if s == StatusNeed {
			v.status[n] = StatusExpired
			v.needCount--
		}
	}
	v.release()
}

// release frees the scatter exactly once, the moment needCount reaches
// zero (spec.md §3 invariant: "need_count == 0 ⇔ scatter is released").
func (v *Value) release() {
	if v.needCount > 0 || v.released {
		return
	}
	v.released = true
	if v.Scatter != nil {
		v.Scatter.Release()
	}
}

// originBelly is one origin node's hash from (incarnation, seqNum) to
// Value (spec.md §3). Every stored key is also inserted into a cuckoo
// filter that maybeSeen probes; Engine does not call maybeSeen, and
// duplicate checks go straight to the map lookup. An in-memory buntdb
// instance mirrors each live entry with a TTL matching
// its expiry as a belt-and-suspenders backstop to the explicit garbage
// collection sweep of spec.md §4.2.6 — it never substitutes for it.
type originBelly struct {
	mu      sync.Mutex
	entries map[Key]*Value
	filter  *cuckoo.CuckooFilter
	db      *buntdb.DB
}

func newOriginBelly() *originBelly {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		panic("prioflood: open in-memory belly store: " + err.Error())
	}
	return &originBelly{entries: make(map[Key]*Value), filter: cuckoo.NewCuckooFilter(1024), db: db}
}

func (b *originBelly) maybeSeen(k Key) bool { return b.filter.Lookup(filterKey(k)) }

func (b *originBelly) lookup(k Key) (*Value, bool) {
	v, ok := b.entries[k]
	return v, ok
}

func (b *originBelly) store(v *Value) {
	b.entries[v.Key] = v
	b.filter.InsertUnique(filterKey(v.Key))
	ttl := time.Until(v.Expire)
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	_ = b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(v.Key.dbKey(), "1", &buntdb.SetOptions{Expires: true, TTL: ttl})
		return err
	})
}

func (b *originBelly) delete(k Key) {
	delete(b.entries, k)
	_ = b.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(k.dbKey())
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

func (b *originBelly) forEach(f func(*Value)) {
	for _, v := range b.entries {
		f(v)
	}
}

// Belly is the engine-wide collection of per-origin bellies plus the
// per-neighbor message counts needed for overflow eviction (spec.md
// §4.2.5: "the sender with the largest msg_count toward that neighbor").
type Belly struct {
	mu      sync.Mutex
	origins map[node.ID]*originBelly

	// neighborTotal[n] is total_msg toward neighbor n across all origins.
	neighborTotal map[node.ID]int
	// sourceCount[n][src] is msg_count: how many of the messages counted
	// in neighborTotal[n] originated at src.
	sourceCount map[node.ID]map[node.ID]int
}

func NewBelly() *Belly {
	return &Belly{
		origins:       make(map[node.ID]*originBelly),
		neighborTotal: make(map[node.ID]int),
		sourceCount:   make(map[node.ID]map[node.ID]int),
	}
}

func (bl *Belly) originOf(origin node.ID) *originBelly {
	ob, ok := bl.origins[origin]
	if !ok {
		ob = newOriginBelly()
		bl.origins[origin] = ob
	}
	return ob
}

func (bl *Belly) incNeighbor(origin, neighbor node.ID) {
	bl.neighborTotal[neighbor]++
	m := bl.sourceCount[neighbor]
	if m == nil {
		m = make(map[node.ID]int)
		bl.sourceCount[neighbor] = m
	}
	m[origin]++
}

func (bl *Belly) decNeighbor(origin, neighbor node.ID) {
	if bl.neighborTotal[neighbor] > 0 {
		bl.neighborTotal[neighbor]--
	}
	if m := bl.sourceCount[neighbor]; m != nil {
		if m[origin] > 0 {
			m[origin]--
		}
		if m[origin] == 0 {
			delete(m, origin)
		}
	}
}

// hoggingSource returns the source with the largest msg_count toward
// neighbor, the eviction target of spec.md §4.2.5.
func (bl *Belly) hoggingSource(neighbor node.ID) (node.ID, bool) {
	m := bl.sourceCount[neighbor]
	var best node.ID
	bestCount := 0
	found := false
	for src, n := range m {
		if n > bestCount {
			best, bestCount, found = src, n, true
		}
	}
	return best, found
}

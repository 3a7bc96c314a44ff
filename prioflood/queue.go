package prioflood

import (
	"github.com/spines-itcore/spines/node"
)

// sourceEntry is one origin's queued work toward one neighbor: a FIFO per
// priority level (spec.md §4.2.3, "per-(source, priority) sending queue")
// plus the penalty round-robin state spec.md §4.2.4 shares with
// Reliable-Flood's flow fair queue.
type sourceEntry struct {
	source   node.ID
	byPrio   [MaxPriority + 1][]Key // index 0 unused; priorities are 1..MaxPriority
	penalty  int
	inUrgent bool
}

func (e *sourceEntry) empty() bool {
	for _, q := range e.byPrio {
		if len(q) > 0 {
			return false
		}
	}
	return true
}

// highestNonEmpty returns the highest priority with a non-empty queue and
// the key at its head (spec.md §4.2.4: "the message at that source's
// highest non-empty priority and oldest expiry").
func (e *sourceEntry) highestNonEmpty() (prio uint8, key Key, ok bool) {
	for p := MaxPriority; p >= 1; p-- {
		if q := e.byPrio[p]; len(q) > 0 {
			return uint8(p), q[0], true
		}
	}
	return 0, Key{}, false
}

func (e *sourceEntry) popHead(prio uint8) {
	q := e.byPrio[prio]
	if len(q) == 0 {
		return
	}
	e.byPrio[prio] = q[1:]
}

func (e *sourceEntry) removeKey(prio uint8, k Key) {
	q := e.byPrio[prio]
	for i, kk := range q {
		if kk == k {
			e.byPrio[prio] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// NeighborQueue is one neighbor's fair-queue view across every source that
// has a message NEEDing forwarding to it (spec.md §4.2.3): new sources are
// urgent on first insertion, normal thereafter.
type NeighborQueue struct {
	urgent   []*sourceEntry
	normal   []*sourceEntry
	bySource map[node.ID]*sourceEntry
}

func NewNeighborQueue() *NeighborQueue {
	return &NeighborQueue{bySource: make(map[node.ID]*sourceEntry)}
}

// Enqueue registers key under source's priority-p queue, placing source in
// the urgent queue the first time it appears and leaving it in whichever
// queue it already occupies otherwise.
func (nq *NeighborQueue) Enqueue(source node.ID, prio uint8, key Key) {
	e, ok := nq.bySource[source]
	if !ok {
		e = &sourceEntry{source: source, inUrgent: true}
		nq.bySource[source] = e
		nq.urgent = append(nq.urgent, e)
	}
	e.byPrio[prio] = append(e.byPrio[prio], key)
}

// Remove drops key from source's priority-p queue and, if that empties the
// source entirely, removes it from whichever queue holds it.
func (nq *NeighborQueue) Remove(source node.ID, prio uint8, key Key) {
	e, ok := nq.bySource[source]
	if !ok {
		return
	}
	e.removeKey(prio, key)
	if e.empty() {
		nq.dropSource(e)
	}
}

func (nq *NeighborQueue) dropSource(e *sourceEntry) {
	delete(nq.bySource, e.source)
	nq.urgent = removeEntry(nq.urgent, e)
	nq.normal = removeEntry(nq.normal, e)
}

func removeEntry(s []*sourceEntry, target *sourceEntry) []*sourceEntry {
	for i, e := range s {
		if e == target {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

// head returns the source at the front of whichever queue has work,
// urgent first (spec.md §4.2.4: "picks from the urgent queue first, else
// the normal queue, else returns 0").
func (nq *NeighborQueue) head() (*sourceEntry, bool) {
	if len(nq.urgent) > 0 {
		return nq.urgent[0], true
	}
	if len(nq.normal) > 0 {
		return nq.normal[0], true
	}
	return nil, false
}

// toNormalTail moves a source from urgent (or requeues within normal) to
// the tail of the normal queue with the given penalty (spec.md §4.2.4:
// "the source is moved to the tail of the normal queue with penalty equal
// to the number of packets the message occupies").
func (nq *NeighborQueue) toNormalTail(e *sourceEntry, penalty int) {
	if e.inUrgent {
		nq.urgent = removeEntry(nq.urgent, e)
		e.inUrgent = false
	} else {
		nq.normal = removeEntry(nq.normal, e)
	}
	e.penalty = penalty
	if e.empty() {
		delete(nq.bySource, e.source)
		return
	}
	nq.normal = append(nq.normal, e)
}

package relflood

import "github.com/spines-itcore/spines/node"

// FlowKey identifies one (source, destination) flow.
type FlowKey struct{ Src, Dst node.ID }

// flowEntry is one flow's presence in a neighbor's fair queue. Unlike
// Priority-Flood's per-source queue (prioflood/queue.go) a flow has no
// priority levels of its own — FlowBuffer.PendingFor already walks the
// flow's window in sequence order — so the entry only tracks round-robin
// penalty state (spec.md §4.3.8: "identical to Priority-Flood's fair
// queue").
type flowEntry struct {
	key      FlowKey
	penalty  int
	inUrgent bool
}

// NeighborFlowQueue is one neighbor's penalty round-robin over the flows
// that currently have DATA pending toward it (spec.md §4.3.8).
type NeighborFlowQueue struct {
	urgent []*flowEntry
	normal []*flowEntry
	byFlow map[FlowKey]*flowEntry
}

func NewNeighborFlowQueue() *NeighborFlowQueue {
	return &NeighborFlowQueue{byFlow: make(map[FlowKey]*flowEntry)}
}

func (nq *NeighborFlowQueue) Enqueue(key FlowKey) {
	if _, ok := nq.byFlow[key]; ok {
		return
	}
	e := &flowEntry{key: key, inUrgent: true}
	nq.byFlow[key] = e
	nq.urgent = append(nq.urgent, e)
}

func (nq *NeighborFlowQueue) Remove(key FlowKey) {
	e, ok := nq.byFlow[key]
	if !ok {
		return
	}
	delete(nq.byFlow, key)
	nq.urgent = removeFlowEntry(nq.urgent, e)
	nq.normal = removeFlowEntry(nq.normal, e)
}

func removeFlowEntry(s []*flowEntry, target *flowEntry) []*flowEntry {
	for i, e := range s {
		if e == target {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

func (nq *NeighborFlowQueue) head() (*flowEntry, bool) {
	if len(nq.urgent) > 0 {
		return nq.urgent[0], true
	}
	if len(nq.normal) > 0 {
		return nq.normal[0], true
	}
	return nil, false
}

func (nq *NeighborFlowQueue) toNormalTail(e *flowEntry, penalty int, stillPending bool) {
	if e.inUrgent {
		nq.urgent = removeFlowEntry(nq.urgent, e)
		e.inUrgent = false
	} else {
		nq.normal = removeFlowEntry(nq.normal, e)
	}
	if !stillPending {
		delete(nq.byFlow, e.key)
		return
	}
	e.penalty = penalty
	nq.normal = append(nq.normal, e)
}

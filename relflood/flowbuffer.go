// Package relflood implements Reliable-Flood (spec.md §4.3): per-(source,
// destination) reliable delivery with hop-by-hop ACK piggybacking,
// end-to-end ARU aggregation, source-incarnation handshake, restamping
// under route changes, and signed link-status-change propagation.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package relflood

import (
	"github.com/spines-itcore/spines/core"
	"github.com/spines-itcore/spines/node"
	"github.com/spines-itcore/spines/wire"
)

// MaxMessPerFlow bounds a flow buffer's window (spec.md §3,
// "MAX_MESS_PER_FLOW").
const MaxMessPerFlow = 1024

// SlotStatus is a flow-buffer slot's per-neighbor forwarding state
// (spec.md §3, "status[ngbr]").
type SlotStatus uint8

const (
	SlotEmpty SlotStatus = iota
	SlotNewUnsent
	SlotNewSent
	SlotRestampedUnsent
	SlotRestampedSent
)

// slot is one message within a flow buffer's window.
type slot struct {
	seqNum  uint32
	scatter *core.Scatter
	bitmask wire.KPathBitmask
	sig     []byte
	status  map[node.ID]SlotStatus
}

func (s *slot) empty() bool { return s.scatter == nil }

func (s *slot) release() {
	if s.scatter != nil {
		s.scatter.Release()
	}
	*s = slot{}
}

// FlowBuffer is FB[src][dst] (spec.md §3): a window of up to
// MaxMessPerFlow messages, indexed by sequence number modulo the window
// size, tracking per-neighbor forwarding progress and the source's
// current epoch.
//
// Invariants maintained by this type: sow ≤ nextSeq[n] ≤ headSeq for every
// neighbor n; status[*] == SlotEmpty iff the slot is empty.
type FlowBuffer struct {
	Src, Dst node.ID

	slots [MaxMessPerFlow]slot

	sow      uint32 // start-of-window: lowest unacknowledged by all paths
	headSeq  uint32 // next sequence to assign (at src) / expect (elsewhere)
	srcEpoch uint32 // latest seen source incarnation for this flow

	nextSeq map[node.ID]uint32 // next seq to send to each neighbor
}

func NewFlowBuffer(src, dst node.ID) *FlowBuffer {
	return &FlowBuffer{Src: src, Dst: dst, nextSeq: make(map[node.ID]uint32)}
}

func (fb *FlowBuffer) slotAt(seq uint32) *slot { return &fb.slots[seq%MaxMessPerFlow] }

func (fb *FlowBuffer) SOW() uint32     { return fb.sow }
func (fb *FlowBuffer) HeadSeq() uint32 { return fb.headSeq }
func (fb *FlowBuffer) SrcEpoch() uint32 { return fb.srcEpoch }

func (fb *FlowBuffer) NextSeq(n node.ID) uint32 { return fb.nextSeq[n] }

func (fb *FlowBuffer) setNextSeq(n node.ID, seq uint32) {
	if seq < fb.sow {
		seq = fb.sow
	}
	if seq > fb.headSeq {
		seq = fb.headSeq
	}
	if cur, ok := fb.nextSeq[n]; !ok || seq > cur {
		fb.nextSeq[n] = seq
	}
}

// full reports whether the window has reached MaxMessPerFlow outstanding
// messages — admission at the source blocks (or drops) per spec.md
// §4.3.9 at this point.
func (fb *FlowBuffer) full() bool { return fb.headSeq-fb.sow >= MaxMessPerFlow }

// AdmitLocal is called at the originating source when the session layer
// hands down a new message for this flow: it assigns the next sequence
// number and stores the signed, bitmask-stamped scatter.
func (fb *FlowBuffer) AdmitLocal(scat *core.Scatter, mask wire.KPathBitmask, sig []byte, neighbors []node.ID) (seq uint32, ok bool) {
	if fb.full() {
		return 0, false
	}
	seq = fb.headSeq
	s := fb.slotAt(seq)
	*s = slot{seqNum: seq, scatter: scat, bitmask: mask, sig: sig, status: make(map[node.ID]SlotStatus, len(neighbors))}
	for _, n := range neighbors {
		if n == fb.Src {
			continue
		}
		s.status[n] = SlotNewUnsent
	}
	fb.headSeq++
	return seq, true
}

// AdmitRemote implements the in-order branch of spec.md §4.3.3's DATA
// processing at a forwarding (non-destination) node: seqNum == headSeq
// stores the message and marks every neighbor NEW_UNSENT except the
// source and the hop it arrived on, which are NEW_SENT (they already
// have it).
func (fb *FlowBuffer) AdmitRemote(seqNum uint32, scat *core.Scatter, mask wire.KPathBitmask, sig []byte, arrivedVia node.ID, neighbors []node.ID) bool {
	if seqNum != fb.headSeq || fb.full() {
		return false
	}
	s := fb.slotAt(seqNum)
	*s = slot{seqNum: seqNum, scatter: scat, bitmask: mask, sig: sig, status: make(map[node.ID]SlotStatus, len(neighbors))}
	for _, n := range neighbors {
		if n == fb.Src || n == arrivedVia {
			s.status[n] = SlotNewSent
			fb.setNextSeq(n, seqNum+1)
			continue
		}
		s.status[n] = SlotNewUnsent
	}
	fb.headSeq++
	return true
}

// Restamp implements spec.md §4.3.3's restamped DATA branch: seqNum <
// headSeq, identical message except a strictly wider bitmask replaces the
// stored one; inMask reports, for a candidate neighbor, whether the
// *widened* mask now covers it — only neighbors it newly covers revert to
// RESTAMPED_UNSENT, per "Status flags of every slot revert to
// RESTAMPED_UNSENT toward neighbors the superset now demands". Returns
// false (message dropped) if the incoming mask is not a strict superset
// of the stored one.
func (fb *FlowBuffer) Restamp(seqNum uint32, newMask wire.KPathBitmask, sig []byte, neighbors []node.ID, inMask func(node.ID, wire.KPathBitmask) bool) bool {
	if seqNum >= fb.headSeq || seqNum < fb.sow {
		return false
	}
	s := fb.slotAt(seqNum)
	if s.empty() || s.seqNum != seqNum {
		return false
	}
	if !newMask.IsStrictSupersetOf(s.bitmask) {
		return false
	}
	oldMask := s.bitmask
	union := oldMask.Union(newMask)
	s.bitmask = union
	s.sig = sig
	for _, n := range neighbors {
		if n == fb.Src {
			continue
		}
		newlyCovered := inMask(n, union) && !inMask(n, oldMask)
		if newlyCovered {
			s.status[n] = SlotRestampedUnsent
			fb.RewindNextSeq(n, seqNum)
		}
	}
	return true
}

// RestampAll implements spec.md §4.3.6's route-change restamp: every
// neighbor's status for this still-unacknowledged self-originated slot
// resets to RESTAMPED_UNSENT (unconditionally — a link-cost change may
// affect forwarding even toward neighbors already marked sent), and
// next_seq[n] rewinds to this slot for each.
func (fb *FlowBuffer) RestampAll(seqNum uint32, newMask wire.KPathBitmask, sig []byte, neighbors []node.ID) bool {
	if seqNum >= fb.headSeq || seqNum < fb.sow {
		return false
	}
	s := fb.slotAt(seqNum)
	if s.empty() || s.seqNum != seqNum {
		return false
	}
	s.bitmask = s.bitmask.Union(newMask)
	s.sig = sig
	for _, n := range neighbors {
		if n == fb.Src {
			continue
		}
		s.status[n] = SlotRestampedUnsent
		fb.RewindNextSeq(n, seqNum)
	}
	return true
}

// SignaturePayload returns the bitmask and signature currently stored for
// seqNum, used by the engine to re-derive the signed bytes during restamp.
func (fb *FlowBuffer) SignaturePayload(seqNum uint32) (wire.KPathBitmask, []byte, *core.Scatter, bool) {
	s := fb.slotAt(seqNum)
	if s.empty() || s.seqNum != seqNum {
		return 0, nil, nil, false
	}
	return s.bitmask, s.sig, s.scatter, true
}

// RewindNextSeq moves next_seq[n] back to seq — spec.md §4.3.6's "next_seq[n]
// is moved back to the first restamped slot".
func (fb *FlowBuffer) RewindNextSeq(n node.ID, seq uint32) {
	if cur, ok := fb.nextSeq[n]; !ok || seq < cur {
		fb.nextSeq[n] = seq
	}
}

// PendingFor returns the next unsent (or restamped-unsent) slot due to go
// to neighbor n, if any.
func (fb *FlowBuffer) PendingFor(n node.ID) (seq uint32, scat *core.Scatter, mask wire.KPathBitmask, sig []byte, restamped bool, ok bool) {
	for s := fb.nextSeq[n]; s < fb.headSeq; s++ {
		cell := fb.slotAt(s)
		if cell.empty() {
			continue
		}
		switch cell.status[n] {
		case SlotNewUnsent:
			return s, cell.scatter, cell.bitmask, cell.sig, false, true
		case SlotRestampedUnsent:
			return s, cell.scatter, cell.bitmask, cell.sig, true, true
		}
	}
	return 0, nil, 0, nil, false, false
}

// MarkSent advances past seq for neighbor n once the message has actually
// been handed to IT-Link.
func (fb *FlowBuffer) MarkSent(n node.ID, seq uint32) {
	cell := fb.slotAt(seq)
	if cell.empty() || cell.seqNum != seq {
		return
	}
	switch cell.status[n] {
	case SlotNewUnsent:
		cell.status[n] = SlotNewSent
	case SlotRestampedUnsent:
		cell.status[n] = SlotRestampedSent
	}
	fb.setNextSeq(n, seq+1)
}

// AdvanceNextSeqPast is spec.md §4.3.4's "advances our next_seq[neighbor]
// past any entries they already have", driven by an incoming HBH ack's
// aru from that neighbor.
func (fb *FlowBuffer) AdvanceNextSeqPast(n node.ID, aru uint32) {
	fb.setNextSeq(n, aru+1)
}

// AdvanceSOW releases slots up to (not including) newSOW, returning the
// scatters released. Called under HBH_Advance aggregation (spec.md
// §4.3.3/§4.3.4) or upon an accepted E2E ARU (spec.md §4.3.5).
func (fb *FlowBuffer) AdvanceSOW(newSOW uint32) {
	if newSOW <= fb.sow {
		return
	}
	if newSOW > fb.headSeq {
		newSOW = fb.headSeq
	}
	for seq := fb.sow; seq < newSOW; seq++ {
		fb.slotAt(seq).release()
	}
	fb.sow = newSOW
}

// ResetForNewEpoch implements the memory clear spec.md §4.3.5 mandates
// when a destination's restart is detected: drop every in-flight message
// for this flow and restart sequencing at the new epoch.
func (fb *FlowBuffer) ResetForNewEpoch(newEpoch uint32) {
	for seq := fb.sow; seq < fb.headSeq; seq++ {
		fb.slotAt(seq).release()
	}
	fb.sow, fb.headSeq = 0, 0
	fb.srcEpoch = newEpoch
	fb.nextSeq = make(map[node.ID]uint32)
}

// ForEachUnacked iterates every still-outstanding sequence number in
// [sow, headSeq), used to find self-originated messages to restamp on a
// route change (spec.md §4.3.6).
func (fb *FlowBuffer) ForEachUnacked(f func(seq uint32)) {
	for seq := fb.sow; seq < fb.headSeq; seq++ {
		if !fb.slotAt(seq).empty() {
			f(seq)
		}
	}
}

func (fb *FlowBuffer) setSrcEpoch(e uint32) {
	if e > fb.srcEpoch {
		fb.srcEpoch = e
	}
}

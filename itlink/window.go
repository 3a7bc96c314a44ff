// Package itlink implements the per-neighbor reliable, authenticated,
// encrypted datagram link (spec.md §4.1): sliding-window retransmission
// with nonce-chained cumulative acks, NACK-based gap recovery, TCP-style
// congestion control, ping/pong RTT estimation and loss tracking, and the
// Diffie-Hellman handshake that establishes a link's session keys.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package itlink

import (
	"math/rand"
	"time"

	"github.com/spines-itcore/spines/core"
)

// MaxSendOnLink bounds both rings: the outgoing window never holds more
// than this many unacknowledged packets, and the incoming ring is sized
// identically so link_seq mod MaxSendOnLink never collides across more
// than one full window (spec.md §3, §8's
// "out_tail_seq ≤ tcp_head_seq ≤ out_head_seq ≤ out_tail_seq + MAX_SEND_ON_LINK").
const MaxSendOnLink = 1024

type outCellState uint8

const (
	outEmpty outCellState = iota
	outPending
)

type outCell struct {
	state       outCellState
	scatter     *core.Scatter
	nonce       uint64
	nonceDigest uint64 // running XOR chain up to and including this slot
	retransmitAt time.Time
	resent      bool
	nacked      bool
}

type inCellState uint8

const (
	inEmpty inCellState = iota
	inNack
	inRecvd
)

type inCell struct {
	state     inCellState
	packet    []byte
	nonce     uint64
	nackExpiry time.Time
}

// Window is the pure sliding-window state of one IT-Link: sequence
// counters, the two rings, nonce digests, and TCP-style congestion
// variables (spec.md §3, "IT-Link state"). It has no knowledge of sockets,
// crypto, or timers — Link composes a Window with those concerns.
type Window struct {
	out [MaxSendOnLink]outCell
	in  [MaxSendOnLink]inCell

	outTailSeq uint32
	tcpHeadSeq uint32
	outHeadSeq uint32

	inTailSeq uint32
	inHeadSeq uint32

	aruNonceDigest uint64

	cwnd         float64
	ssthresh     float64
	lossDetected bool
}

func NewWindow(initialCwnd float64) *Window {
	return &Window{cwnd: initialCwnd, ssthresh: float64(MaxSendOnLink)}
}

// Full reports whether the outgoing window has room for one more message
// (spec.md §4.1.1, fullLink).
func (w *Window) Full() bool {
	return w.outHeadSeq-w.outTailSeq >= MaxSendOnLink
}

// Remaining reports how many more messages the outgoing window can admit
// before Full (spec.md §4.1.1): used to reserve slots for every fragment
// of a message atomically before admitting any of them.
func (w *Window) Remaining() uint32 {
	return MaxSendOnLink - (w.outHeadSeq - w.outTailSeq)
}

// Admit reserves the next outgoing slot for s, generating a fresh 64-bit
// nonce (two rand32 concatenated, per spec.md §4.1.3) and chaining the
// nonce digest. Returns the assigned sequence number.
func (w *Window) Admit(s *core.Scatter) (seq uint32, ok bool) {
	if w.Full() {
		return 0, false
	}
	seq = w.outHeadSeq
	slot := seq % MaxSendOnLink
	nonce := uint64(rand.Uint32())<<32 | uint64(rand.Uint32())
	prevDigest := uint64(0)
	if seq != 0 {
		prevDigest = w.out[(seq-1)%MaxSendOnLink].nonceDigest
	}
	w.out[slot] = outCell{
		state:       outPending,
		scatter:     s,
		nonce:       nonce,
		nonceDigest: prevDigest ^ nonce,
	}
	w.outHeadSeq++
	return seq, true
}

// SendEligible returns the slots from tcpHeadSeq up to
// min(outHeadSeq, outTailSeq + floor(cwnd)) that are due to be (re)sent
// (spec.md §4.1.3): the caller transmits each and sets a retransmit
// deadline via MarkSent.
func (w *Window) SendEligible(now time.Time, initialNackTimeout time.Duration) []uint32 {
	ceil := w.outTailSeq + uint32(w.cwnd)
	limit := w.outHeadSeq
	if ceil < limit {
		limit = ceil
	}
	var out []uint32
	for seq := w.tcpHeadSeq; seq < limit; seq++ {
		out = append(out, seq)
	}
	return out
}

// MarkSent advances tcpHeadSeq past seq and stamps its retransmit
// deadline.
func (w *Window) MarkSent(seq uint32, now time.Time, initialNackTimeout time.Duration) {
	slot := seq % MaxSendOnLink
	w.out[slot].retransmitAt = now.Add(initialNackTimeout)
	if seq >= w.tcpHeadSeq {
		w.tcpHeadSeq = seq + 1
	}
}

// NonceDigestAt returns the stored out_nonce_digest for a previously
// admitted sequence number.
func (w *Window) NonceDigestAt(seq uint32) uint64 {
	return w.out[seq%MaxSendOnLink].nonceDigest
}

// NonceAt returns the individual (non-chained) nonce generated for seq at
// Admit time, stamped into an outgoing packet's own seq_nonce field.
func (w *Window) NonceAt(seq uint32) uint64 {
	return w.out[seq%MaxSendOnLink].nonce
}

// PacketBody returns the flattened bytes of the message occupying seq's
// outgoing slot, or nil if the slot isn't currently pending (already acked,
// or never admitted).
func (w *Window) PacketBody(seq uint32) []byte {
	c := &w.out[seq%MaxSendOnLink]
	if c.state != outPending || c.scatter == nil {
		return nil
	}
	var body []byte
	for _, el := range c.scatter.Elements() {
		body = append(body, el...)
	}
	return body
}

// DueForRetransmit returns already-transmitted sequence numbers whose
// retransmit deadline has passed (spec.md §4.1.3, Handle_IT_Retransm): a
// timeout firing means the peer's ARU never cleared it in time, which is
// loss evidence recorded via lossDetected so the next accepted ARU halves
// cwnd instead of growing it. Each returned slot's deadline is pushed out
// by timeout again so a still-missing ack doesn't retransmit every tick.
func (w *Window) DueForRetransmit(now time.Time, timeout time.Duration) []uint32 {
	var out []uint32
	for seq := w.outTailSeq; seq < w.tcpHeadSeq; seq++ {
		c := &w.out[seq%MaxSendOnLink]
		if c.state != outPending || c.scatter == nil {
			continue
		}
		if now.Before(c.retransmitAt) {
			continue
		}
		c.resent = true
		c.retransmitAt = now.Add(timeout)
		w.lossDetected = true
		out = append(out, seq)
	}
	return out
}

// MarkNacked flags seq as explicitly nacked by the peer and records loss
// detection on the link, returning false if seq is no longer outstanding
// (already acked, so the nack is stale).
func (w *Window) MarkNacked(seq uint32) bool {
	if seq < w.outTailSeq || seq >= w.tcpHeadSeq {
		return false
	}
	c := &w.out[seq%MaxSendOnLink]
	if c.state != outPending {
		return false
	}
	c.nacked = true
	w.lossDetected = true
	return true
}

// AcceptARU validates and applies a peer-advertised cumulative ack
// (spec.md §4.1.4, Process_Ack (a)): accepted iff
// out_tail_seq ≤ aru < tcp_head_seq and aruNonce matches our stored
// digest for that slot; on acceptance, slots out_tail..aru are released
// and congestion control reacts.
func (w *Window) AcceptARU(aru uint32, aruNonce uint64) (releasedUpTo uint32, accepted bool) {
	if !(w.outTailSeq <= aru && aru < w.tcpHeadSeq) {
		return 0, false
	}
	if w.NonceDigestAt(aru) != aruNonce {
		return 0, false // possible corruption: silent drop per spec.md §4.1.4
	}
	for seq := w.outTailSeq; seq <= aru; seq++ {
		slot := seq % MaxSendOnLink
		if w.out[slot].scatter != nil {
			w.out[slot].scatter.Release()
		}
		w.out[slot] = outCell{nonceDigest: w.out[slot].nonceDigest}
	}
	w.outTailSeq = aru + 1
	if w.lossDetected {
		w.DetectLoss()
	} else {
		w.growCongestionWindow()
	}
	return aru, true
}

func (w *Window) growCongestionWindow() {
	if w.cwnd < w.ssthresh {
		w.cwnd++ // slow start
	} else {
		w.cwnd += 1 / w.cwnd // additive increase
	}
	if w.cwnd > MaxSendOnLink {
		w.cwnd = MaxSendOnLink
	}
}

// DetectLoss halves cwnd and ssthresh (minimum 2) once the lost range
// clears (spec.md §4.1.4).
func (w *Window) DetectLoss() {
	w.ssthresh = w.cwnd / 2
	if w.ssthresh < 2 {
		w.ssthresh = 2
	}
	w.cwnd = w.ssthresh
	w.lossDetected = false
}

func (w *Window) Cwnd() float64 { return w.cwnd }

// StoreIncoming stores a received data packet at link_seq mod
// MaxSendOnLink when link_seq >= in_tail_seq (spec.md §4.1.4,
// Process_Data), returning false for an out-of-range or duplicate
// link_seq (both are dropped per §4.1.8).
func (w *Window) StoreIncoming(linkSeq uint32, nonce uint64, packet []byte) bool {
	if linkSeq < w.inTailSeq {
		return false // duplicate
	}
	if linkSeq-w.inTailSeq >= MaxSendOnLink {
		return false // out of range
	}
	slot := linkSeq % MaxSendOnLink
	if w.in[slot].state == inRecvd {
		return false // duplicate
	}
	w.in[slot] = inCell{state: inRecvd, packet: packet, nonce: nonce}
	if linkSeq >= w.inHeadSeq {
		w.inHeadSeq = linkSeq + 1
	}
	return true
}

// DrainContiguous empties the incoming ring from in_tail_seq upward while
// the next slot is RECVD, XORing each nonce into aru_nonce_digest
// (spec.md §4.1.4). Returns the packets drained, in order; the caller
// hands them to reassembly.
func (w *Window) DrainContiguous() [][]byte {
	var out [][]byte
	for {
		slot := w.inTailSeq % MaxSendOnLink
		if w.in[slot].state != inRecvd {
			return out
		}
		out = append(out, w.in[slot].packet)
		w.aruNonceDigest ^= w.in[slot].nonce
		w.in[slot] = inCell{}
		w.inTailSeq++
	}
}

// FillNackGap stamps the gap between the current in_head_seq and a newly
// observed higher link_seq with NACK cells expiring at
// now + initial_nack_timeout (spec.md §4.1.4, Process_Ack (c)).
func (w *Window) FillNackGap(upTo uint32, now time.Time, initialNackTimeout time.Duration) {
	for seq := w.inHeadSeq; seq < upTo; seq++ {
		slot := seq % MaxSendOnLink
		if w.in[slot].state == inEmpty {
			w.in[slot] = inCell{state: inNack, nackExpiry: now.Add(initialNackTimeout)}
		}
	}
	if upTo > w.inHeadSeq {
		w.inHeadSeq = upTo
	}
}

// PendingNacks returns link sequence numbers currently marked NACK whose
// expiry has passed, suitable for inclusion in the next outgoing packet's
// NACK list.
func (w *Window) PendingNacks(now time.Time) []uint64 {
	var out []uint64
	for seq := w.inTailSeq; seq < w.inHeadSeq; seq++ {
		slot := seq % MaxSendOnLink
		if w.in[slot].state == inNack && !now.Before(w.in[slot].nackExpiry) {
			out = append(out, uint64(seq))
		}
	}
	return out
}

// ARU returns the current cumulative ack to advertise to the peer: the
// highest link_seq below which every packet has been received, i.e.
// in_tail_seq - 1 and its stored digest.
func (w *Window) ARU() (aru uint32, digest uint64) {
	if w.inTailSeq == 0 {
		return 0, 0
	}
	return w.inTailSeq - 1, w.aruNonceDigest
}

// Reset implements the incoming-ring clearing mandated on incarnation
// change (spec.md §4.1.6, steps 2-4).
func (w *Window) Reset(clearOutgoing bool, minWindow float64) {
	for i := range w.in {
		w.in[i] = inCell{}
	}
	w.inTailSeq, w.inHeadSeq = 0, 0
	w.aruNonceDigest = 0

	if clearOutgoing {
		for i := range w.out {
			if w.out[i].scatter != nil {
				w.out[i].scatter.Release()
			}
			w.out[i] = outCell{}
		}
		w.outTailSeq, w.tcpHeadSeq, w.outHeadSeq = 0, 0, 0
	}
	w.cwnd = minWindow
}

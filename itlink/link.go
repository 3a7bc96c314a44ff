package itlink

import (
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/spines-itcore/spines/cmn"
	"github.com/spines-itcore/spines/cmn/debug"
	"github.com/spines-itcore/spines/cmn/nlog"
	"github.com/spines-itcore/spines/core"
	"github.com/spines-itcore/spines/crypto"
	"github.com/spines-itcore/spines/node"
	"github.com/spines-itcore/spines/wire"
)

// MaxFragmentPayload bounds how many data bytes ride in a single fragment
// ahead of its FragmentHeader (spec.md §4.1.2/§4.1.3): a message longer
// than this is cut into multiple fragments, one per outgoing window slot,
// reassembled atomically on the far side (spec.md §5).
const MaxFragmentPayload = 1024

// Status is a link's liveness as observed through ping/pong (spec.md §3).
type Status int

const (
	StatusLive Status = iota
	StatusLossy
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusLive:
		return "LIVE"
	case StatusLossy:
		return "LOSSY"
	default:
		return "DEAD"
	}
}

// SendResult is the outcome of Send (spec.md §4.1.1).
type SendResult int

const (
	ResultOK SendResult = iota
	ResultFull
	ResultDrop
)

type dhState int

const (
	dhNone dhState = iota
	dhGenerated
	dhEstablished
)

type pingEntry struct {
	nonce    uint32
	sentAt   time.Time
	answered bool
}

type dissemRequest struct {
	id string
	cb func() (more bool)
}

// reassembly accumulates the fragments of one in-flight message (spec.md
// §5): since a Send's fragments are admitted into consecutive outgoing
// slots in one call and this Window's incoming side only ever drains
// strictly in link_seq order, at most one message's fragments are ever
// partially reassembled at a time.
type reassembly struct {
	parts [][]byte
	total uint16
}

// SendFunc transmits one already-framed datagram to the peer; it is the
// only point where itlink touches the network, supplied by netio.
type SendFunc func(b []byte) error

// Link is one neighbor's IT-Link: a Window plus the crypto, ping/loss,
// and DH-handshake state layered on top of it (spec.md §3).
type Link struct {
	ID   uint64
	Leg  node.Leg
	Peer node.ID
	self node.ID

	cfg *cmn.Config

	window *Window
	dedup  *Dedup
	bucket *Bucket

	status Status
	send   SendFunc

	myIncarnation   uint32
	ngbrIncarnation uint32
	incarnationResp time.Time

	dh            dhState
	dhLocal       *crypto.DHKeypair
	aesKey        []byte
	hmacKey       []byte
	pendingDHBody []byte

	pingHistory     map[uint32]*pingEntry
	nextPingSeq     uint32
	lastPongSeqRecv uint32
	rtt             time.Duration
	lastReflected   time.Time

	dissemQueue []dissemRequest

	reasm reassembly

	pool *core.Pool
}

// RateLimitKBps and BucketCap are the per-link leaky-bucket parameters;
// unlike the rest of the IT-Link configuration surface (spec.md §6) these
// are not part of the signed config hash in the original daemon, so they
// stay package constants here too.
const (
	RateLimitKBps = 250_000
	BucketCap     = 500_000
)

func NewLink(id uint64, leg node.Leg, peer, self node.ID, cfg *cmn.Config, pool *core.Pool, myIncarnation uint32, send SendFunc) *Link {
	initialCwnd := float64(MaxSendOnLink)
	if cfg.ITLink.TCPFairness {
		initialCwnd = 2
	}
	return &Link{
		ID:            id,
		Leg:           leg,
		Peer:          peer,
		self:          self,
		cfg:           cfg,
		window:        NewWindow(initialCwnd),
		dedup:         NewDedup(),
		bucket:        NewBucket(RateLimitKBps, BucketCap),
		status:        StatusLive,
		send:          send,
		myIncarnation: myIncarnation,
		rtt:           time.Duration(cfg.ITLink.DefaultRTTMillis) * time.Millisecond,
		pingHistory:   make(map[uint32]*pingEntry),
		pool:          pool,
	}
}

// Full reports whether the outgoing window has room (spec.md §4.1.1).
func (l *Link) Full() bool { return l.window.Full() }

// fragment cuts s's bytes into MaxFragmentPayload-sized chunks, each
// trailed by a self-describing wire.FragmentHeader (spec.md §4.1.2), so
// the peer can reassemble the message without a separate index.
func (l *Link) fragment(s *core.Scatter) [][]byte {
	var payload []byte
	for _, el := range s.Elements() {
		payload = append(payload, el...)
	}
	total := (len(payload) + MaxFragmentPayload - 1) / MaxFragmentPayload
	if total == 0 {
		total = 1
	}
	out := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * MaxFragmentPayload
		end := start + MaxFragmentPayload
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[start:end]
		frag := wire.FragmentHeader{Length: uint16(len(chunk)), Idx: uint16(i), Total: uint16(total)}
		body := make([]byte, 0, len(chunk)+wire.FragmentHeaderSize)
		body = append(body, chunk...)
		body = frag.Marshal(body)
		out = append(out, body)
	}
	return out
}

// Send admits s's fragments into the outgoing window and immediately pumps
// as many as the congestion window allows onto the wire (spec.md §4.1.1,
// §4.1.3). Admission is all-or-nothing: a message that wouldn't fit
// entirely is rejected rather than partially admitted, since a partial
// admission could never be reassembled atomically on the far side.
func (l *Link) Send(s *core.Scatter) (SendResult, error) {
	if l.status == StatusDead {
		return ResultDrop, errors.New("itlink: link is dead")
	}
	fragments := l.fragment(s)
	if uint32(len(fragments)) > l.window.Remaining() {
		return ResultFull, nil
	}
	for _, body := range fragments {
		if _, ok := l.window.Admit(l.pool.GetElements([][]byte{body})); !ok {
			return ResultFull, errors.New("itlink: window.Remaining() and Admit() disagree")
		}
	}
	s.Release()
	l.Pump(time.Now())
	return ResultOK, nil
}

// Pump transmits every outgoing slot newly eligible under the congestion
// window, and retransmits any already-sent slot whose deadline has passed
// (spec.md §4.1.3, Handle_IT_Retransm). It is called right after Send and
// on every housekeeping tick so a lost packet is retried even when nothing
// new is being sent.
func (l *Link) Pump(now time.Time) {
	if l.send == nil {
		return
	}
	initialNack := time.Duration(float64(l.rtt) * l.cfg.ITLink.InitNACKTimeoutFactor)
	nacks := l.window.PendingNacks(now)
	for _, seq := range l.window.SendEligible(now, initialNack) {
		if err := l.transmitOut(seq, nacks); err != nil {
			nlog.Warningf("itlink: link %d send failed: %v", l.ID, err)
			return
		}
		l.window.MarkSent(seq, now, initialNack)
		nacks = nil // attach the pending-nack list to only the first packet of a burst
	}
	timeout := l.ReliableTimeout()
	for _, seq := range l.window.DueForRetransmit(now, timeout) {
		if err := l.transmitOut(seq, nil); err != nil {
			nlog.Warningf("itlink: link %d retransmit failed: %v", l.ID, err)
			return
		}
	}
}

// transmitOut frames, seals, and sends the message occupying seq's
// outgoing slot, piggybacking our current incoming ARU and any pending
// NACK list (spec.md §4.1.2, §4.1.4).
func (l *Link) transmitOut(seq uint32, nacks []uint64) error {
	body := l.window.PacketBody(seq)
	if body == nil {
		return nil // already acked out from under us
	}
	aru, aruDigest := l.window.ARU()
	tail := wire.IntruTolPktTail{
		LinkSeq:        seq,
		SeqNonce:       l.window.NonceAt(seq),
		ARU:            aru,
		ARUNonce:       aruDigest,
		Incarnation:    l.myIncarnation,
		ARUIncarnation: l.ngbrIncarnation,
	}
	full := make([]byte, 0, len(body)+wire.IntruTolPktTailSize+len(nacks)*8)
	full = append(full, body...)
	full = tail.Marshal(full)
	full = wire.MarshalNACKs(full, nacks)
	hdr := wire.PacketHeader{
		Type: wire.TypeData, SenderID: uint32(l.self), CtrlLinkID: uint32(l.ID),
		DataLen: uint16(len(body)), AckLen: uint16(len(nacks) * 8), SeqNo: seq,
	}
	out, err := l.Seal(hdr, full)
	if err != nil {
		return errors.Wrap(err, "itlink: transmitOut")
	}
	return l.send(out)
}

// RequestResources registers a dissemination's intent to send
// (spec.md §4.1.1): cb is invoked at most once per available slot/token,
// and may return true ("more to send", stays queued) or false ("done").
func (l *Link) RequestResources(dissemID string, cb func() (more bool)) {
	l.dissemQueue = append(l.dissemQueue, dissemRequest{id: dissemID, cb: cb})
}

// PollDissemination round-robins the registered requestResources
// callbacks, invoked by the engine whenever bucket tokens and window
// slots free up.
func (l *Link) PollDissemination(now time.Time) {
	l.bucket.Fill(now)
	remaining := l.dissemQueue[:0]
	for _, req := range l.dissemQueue {
		if l.window.Full() || !l.bucket.Take(1) {
			remaining = append(remaining, req)
			continue
		}
		if req.cb() {
			remaining = append(remaining, req)
		}
	}
	l.dissemQueue = remaining
}

// Preprocess authenticates and (if established) decrypts raw on raw wire
// bytes (spec.md §4.1.4): on failure the packet is dropped unless its
// type matches DH, in which case the raw bytes pass through untouched for
// the handshake to consume.
func (l *Link) Preprocess(raw []byte) (body []byte, hdr wire.PacketHeader, ok bool) {
	rest, err := hdr.Unmarshal(raw)
	if err != nil {
		return nil, hdr, false
	}
	if hdr.Type == wire.TypeDH {
		return rest, hdr, true
	}
	if l.dh == dhNone {
		return nil, hdr, false
	}
	plain, err := crypto.Unseal(l.aesKey, l.hmacKey, rest, l.cfg.ITLink.Encrypt)
	if err != nil {
		debug.Infof("itlink: preprocess auth failure on link %d: %v", l.ID, err)
		return nil, hdr, false
	}
	l.DHEstablished() // first successfully decrypted message under a generated key marks the handshake done
	return plain, hdr, true
}

// Seal frames and authenticates (and optionally encrypts) a packet body
// ready to hand to SendFunc.
func (l *Link) Seal(hdr wire.PacketHeader, body []byte) ([]byte, error) {
	sealed, err := crypto.Seal(l.aesKey, l.hmacKey, body, l.cfg.ITLink.Encrypt)
	if err != nil {
		return nil, errors.Wrap(err, "itlink: seal")
	}
	out := hdr.Marshal(make([]byte, 0, wire.PacketHeaderSize+len(sealed)))
	return append(out, sealed...), nil
}

// ProcessData implements spec.md §4.1.4's Process_Data: verifies
// incarnations, stores the packet, drains contiguous ring entries, and
// reassembles/delivers each complete message (spec.md §5).
func (l *Link) ProcessData(tail wire.IntruTolPktTail, packet []byte, deliver func([]byte)) {
	if tail.Incarnation != l.ngbrIncarnation && tail.Incarnation != 0 {
		l.maybeAdvanceIncarnation(tail.Incarnation)
	}
	if !l.window.StoreIncoming(tail.LinkSeq, tail.SeqNonce, packet) {
		return
	}
	l.dedup.Record(tail.LinkSeq)
	for _, p := range l.window.DrainContiguous() {
		l.reassembleAndDeliver(p, deliver)
	}
}

// reassembleAndDeliver implements spec.md §5's atomic delivery guarantee:
// a multi-fragment message is handed to deliver only once every fragment
// has arrived, in order; any break in that sequence discards the partial
// message rather than delivering a truncated one.
func (l *Link) reassembleAndDeliver(packet []byte, deliver func([]byte)) {
	if len(packet) < wire.FragmentHeaderSize {
		nlog.Warningf("itlink: link %d dropped a packet shorter than its fragment header", l.ID)
		l.reasm = reassembly{}
		return
	}
	split := len(packet) - wire.FragmentHeaderSize
	chunk, footer := packet[:split], packet[split:]
	var frag wire.FragmentHeader
	if _, err := frag.Unmarshal(footer); err != nil {
		nlog.Warningf("itlink: link %d dropped a packet with a malformed fragment header: %v", l.ID, err)
		l.reasm = reassembly{}
		return
	}
	if frag.Idx == 0 {
		l.reasm = reassembly{total: frag.Total}
	}
	if frag.Total != l.reasm.total || int(frag.Idx) != len(l.reasm.parts) {
		nlog.Warningf("itlink: link %d discarding a message with an out-of-sequence fragment", l.ID)
		l.reasm = reassembly{}
		return
	}
	l.reasm.parts = append(l.reasm.parts, chunk)
	if !frag.Complete() {
		return
	}
	var message []byte
	for _, part := range l.reasm.parts {
		message = append(message, part...)
	}
	l.reasm = reassembly{}
	deliver(message)
}

// ProcessAck implements spec.md §4.1.4's Process_Ack, parts (a) and (c).
func (l *Link) ProcessAck(tail wire.IntruTolPktTail, isDataPacket bool, now time.Time) {
	l.window.AcceptARU(tail.ARU, tail.ARUNonce)
	if isDataPacket {
		initialNack := time.Duration(float64(l.rtt) * l.cfg.ITLink.InitNACKTimeoutFactor)
		l.window.FillNackGap(tail.LinkSeq, now, initialNack)
	}
}

// ProcessNacks implements spec.md §4.1.4, Process_Ack (b): an explicit
// NACK for one of our outstanding sequence numbers forces its immediate
// retransmission rather than waiting for its timeout to elapse.
func (l *Link) ProcessNacks(nacks []uint64, now time.Time) {
	if len(nacks) == 0 || l.send == nil {
		return
	}
	initialNack := time.Duration(float64(l.rtt) * l.cfg.ITLink.InitNACKTimeoutFactor)
	for _, n := range nacks {
		seq := uint32(n)
		if !l.window.MarkNacked(seq) {
			continue
		}
		if err := l.transmitOut(seq, nil); err != nil {
			nlog.Warningf("itlink: link %d nack-triggered retransmit failed: %v", l.ID, err)
			continue
		}
		l.window.MarkSent(seq, now, initialNack)
	}
}

// maybeAdvanceIncarnation implements spec.md §4.1.6: a strictly greater
// neighbor incarnation, observed after the prior incarnation's response
// cooldown has passed, triggers a full window reset.
func (l *Link) maybeAdvanceIncarnation(ngbr uint32) {
	now := time.Now()
	if ngbr <= l.ngbrIncarnation || now.Before(l.incarnationResp) {
		return
	}
	l.ngbrIncarnation = ngbr
	l.incarnationResp = now.Add(time.Duration(l.cfg.ITLink.IncarnationTimeoutUsec) * time.Microsecond)

	clearOutgoing := !l.cfg.ITLink.ReintroduceMessages
	minWindow := float64(2)
	if !l.cfg.ITLink.TCPFairness {
		minWindow = float64(MaxSendOnLink)
	}
	l.window.Reset(clearOutgoing, minWindow)
	l.dedup.Reset()
	nlog.Infof("itlink: link %d neighbor incarnation advanced to %d", l.ID, ngbr)
}

func (l *Link) Status() Status { return l.status }

func (l *Link) setStatus(s Status) {
	if s == l.status {
		return
	}
	l.status = s
	nlog.Infof("itlink: link %d status -> %s", l.ID, s)
}

// SendPing implements spec.md §4.1.5: fires every PING_Timeout, framing and
// transmitting a fresh nonce the peer is expected to echo back as PONG.
func (l *Link) SendPing() time.Duration {
	seq := l.nextPingSeq
	l.nextPingSeq++
	nonce := rand.Uint32()
	l.pingHistory[seq] = &pingEntry{nonce: nonce, sentAt: time.Now()}

	if seq > l.lastPongSeqRecv+l.cfg.ITLink.PingThreshold {
		l.setStatus(StatusDead)
	}

	if l.send != nil {
		body := binary.BigEndian.AppendUint32(nil, nonce)
		hdr := wire.PacketHeader{Type: wire.TypePing, SenderID: uint32(l.self), CtrlLinkID: uint32(l.ID), SeqNo: seq}
		if out, err := l.Seal(hdr, body); err != nil {
			nlog.Warningf("itlink: link %d ping seal failed: %v", l.ID, err)
		} else if err := l.send(out); err != nil {
			nlog.Warningf("itlink: link %d ping send failed: %v", l.ID, err)
		}
	}
	return time.Duration(l.cfg.ITLink.PingTimeoutUsec) * time.Microsecond
}

// SendPong reflects a received PING's nonce back to the peer, subject to
// the caller having already applied ShouldReflectPing's anti-amplification
// guard (spec.md §4.1.5).
func (l *Link) SendPong(seq uint32, nonce uint32) {
	if l.send == nil {
		return
	}
	body := binary.BigEndian.AppendUint32(nil, nonce)
	hdr := wire.PacketHeader{Type: wire.TypePong, SenderID: uint32(l.self), CtrlLinkID: uint32(l.ID), SeqNo: seq}
	out, err := l.Seal(hdr, body)
	if err != nil {
		nlog.Warningf("itlink: link %d pong seal failed: %v", l.ID, err)
		return
	}
	if err := l.send(out); err != nil {
		nlog.Warningf("itlink: link %d pong send failed: %v", l.ID, err)
	}
}

// SendAckOnly transmits a standalone cumulative-ack/NACK-list packet
// (wire.TypeAckOnly) when ACK_Timeout elapses without any data traffic to
// piggyback the ARU on (spec.md §4.1.3, §4.1.4).
func (l *Link) SendAckOnly(now time.Time) time.Duration {
	timeout := time.Duration(l.cfg.ITLink.ACKTimeoutUsec) * time.Microsecond
	if l.send == nil {
		return timeout
	}
	aru, aruDigest := l.window.ARU()
	nacks := l.window.PendingNacks(now)
	tail := wire.IntruTolPktTail{ARU: aru, ARUNonce: aruDigest, Incarnation: l.myIncarnation, ARUIncarnation: l.ngbrIncarnation}
	body := tail.Marshal(make([]byte, 0, wire.IntruTolPktTailSize+len(nacks)*8))
	body = wire.MarshalNACKs(body, nacks)
	hdr := wire.PacketHeader{Type: wire.TypeAckOnly, SenderID: uint32(l.self), CtrlLinkID: uint32(l.ID), AckLen: uint16(len(nacks) * 8)}
	out, err := l.Seal(hdr, body)
	if err != nil {
		nlog.Warningf("itlink: link %d ack-only seal failed: %v", l.ID, err)
		return timeout
	}
	if err := l.send(out); err != nil {
		nlog.Warningf("itlink: link %d ack-only send failed: %v", l.ID, err)
	}
	return timeout
}

// OnPong updates the smoothed RTT estimate, verifying the echoed nonce
// matches what we sent (spec.md §4.1.5).
func (l *Link) OnPong(seq uint32, nonce uint32) {
	entry, ok := l.pingHistory[seq]
	if !ok || entry.answered || entry.nonce != nonce {
		return
	}
	entry.answered = true
	sample := time.Since(entry.sentAt)
	l.rtt = time.Duration(0.8*float64(l.rtt) + 0.2*float64(sample))
	minRTT := time.Duration(l.cfg.ITLink.MinRTTMillis) * time.Millisecond
	if l.rtt < minRTT {
		l.rtt = minRTT
	}
	if seq > l.lastPongSeqRecv {
		l.lastPongSeqRecv = seq
	}
	l.setStatus(StatusLive)
	delete(l.pingHistory, seq)
}

// ShouldReflectPing implements the anti-amplification guard of
// spec.md §4.1.5: a received PING is reflected as PONG only if at least
// half of PING_Timeout has elapsed since the previous reflection.
func (l *Link) ShouldReflectPing(now time.Time) bool {
	half := time.Duration(l.cfg.ITLink.PingTimeoutUsec) * time.Microsecond / 2
	if now.Sub(l.lastReflected) < half {
		return false
	}
	l.lastReflected = now
	return true
}

// ReliableTimeout returns it_reliable_timeout = ReliableTimeoutFactor * rtt
// (spec.md §4.1.3).
func (l *Link) ReliableTimeout() time.Duration {
	return time.Duration(l.cfg.ITLink.ReliableTimeoutFactor) * l.rtt
}

// Package relflood implements Reliable-Flood (spec.md §4.3).
package relflood

import (
	"crypto/rsa"

	"github.com/pkg/errors"

	"github.com/spines-itcore/spines/cmn"
	"github.com/spines-itcore/spines/cmn/nlog"
	"github.com/spines-itcore/spines/core"
	ourcrypto "github.com/spines-itcore/spines/crypto"
	"github.com/spines-itcore/spines/itlink"
	"github.com/spines-itcore/spines/node"
	"github.com/spines-itcore/spines/wire"
)

// Result is the outcome of injecting or processing a Reliable-Flood
// message (spec.md §4.3.3-§4.3.9).
type Result int

const (
	ResultOK Result = iota
	ResultBlocked
	ResultDropped
	ResultBadSig
	ResultStale
	ResultRestarted
)

// Router resolves k-disjoint-path routing and link-cost topology; computing
// it is out of this component's scope (spec.md §1).
type Router interface {
	KPaths(dst node.ID, k int) wire.KPathBitmask
	PathIndex(n node.ID) int
	IsAdjacent(n node.ID) bool
	ApplyStatusChange(creator node.ID, sc wire.StatusChange)
}

// LinkSender is the subset of *itlink.Link the engine needs.
type LinkSender interface {
	Send(s *core.Scatter) (itlink.SendResult, error)
	RequestResources(dissemID string, cb func() bool)
}

// Engine is the Reliable-Flood engine (spec.md §4.3): one per daemon,
// driving every flow buffer's window, the destination-side E2E store, and
// the signed Status-Change propagation table.
type Engine struct {
	self          node.ID
	cfg           *cmn.ReliableFloodConfig
	kpaths        int
	referenceCost int32
	router        Router
	priv          *rsa.PrivateKey
	pubKey        func(node.ID) (*rsa.PublicKey, error)

	pool *core.Pool

	flows map[FlowKey]*FlowBuffer
	e2e   *E2EStore
	sc    *StatusChangeStore

	queues map[node.ID]*NeighborFlowQueue
	links  map[node.ID]LinkSender

	pendingSC  map[node.ID]bool
	pendingE2E map[node.ID]bool
	pendingSAA map[node.ID]map[FlowKey]bool

	srcEpoch  map[node.ID]uint32 // epoch I use when originating toward dst
	destEpoch map[node.ID]uint32 // my own epoch as seen by sources flowing to me
	myEpoch   uint32

	scEpoch uint32 // my own Status-Change epoch

	deliver func(src, dst node.ID, payload []byte)
}

func NewEngine(self node.ID, myEpoch uint32, cfg *cmn.ReliableFloodConfig, kpaths int, referenceCost int32, router Router,
	priv *rsa.PrivateKey, pubKey func(node.ID) (*rsa.PublicKey, error), pool *core.Pool,
	deliver func(src, dst node.ID, payload []byte),
) *Engine {
	return &Engine{
		self: self, cfg: cfg, kpaths: kpaths, referenceCost: referenceCost, router: router, priv: priv, pubKey: pubKey,
		pool: pool, flows: make(map[FlowKey]*FlowBuffer), e2e: NewE2EStore(), sc: NewStatusChangeStore(),
		queues: make(map[node.ID]*NeighborFlowQueue), links: make(map[node.ID]LinkSender),
		pendingSC: make(map[node.ID]bool), pendingE2E: make(map[node.ID]bool), pendingSAA: make(map[node.ID]map[FlowKey]bool),
		srcEpoch: make(map[node.ID]uint32), destEpoch: make(map[node.ID]uint32),
		myEpoch: myEpoch, deliver: deliver,
	}
}

func (e *Engine) AddNeighbor(n node.ID, l LinkSender) {
	e.links[n] = l
	e.queues[n] = NewNeighborFlowQueue()
}

func (e *Engine) queueFor(n node.ID) *NeighborFlowQueue {
	q, ok := e.queues[n]
	if !ok {
		q = NewNeighborFlowQueue()
		e.queues[n] = q
	}
	return q
}

func (e *Engine) flowFor(src, dst node.ID) *FlowBuffer {
	key := FlowKey{Src: src, Dst: dst}
	fb, ok := e.flows[key]
	if !ok {
		fb = NewFlowBuffer(src, dst)
		e.flows[key] = fb
	}
	return fb
}

// CanFlowSend reports whether a fresh source epoch toward dst has already
// been confirmed by an E2E cell echoing it back (spec.md §4.3.2's
// handshake gate on originating a flow).
func (e *Engine) CanFlowSend(dst node.ID) bool {
	cell, ok := e.e2e.byDst[dst][e.self]
	return ok && cell.SrcEpoch >= e.srcEpoch[dst]
}

// SendLocal implements the originating half of spec.md §4.3.3's DATA
// admission: assigns the next sequence number for flow (self,dst), stamps
// and signs it, and enqueues it toward every NEED neighbor.
func (e *Engine) SendLocal(dst node.ID, payload []byte, neighbors []node.ID) (uint32, Result, error) {
	if !e.CanFlowSend(dst) {
		return 0, ResultBlocked, nil
	}
	fb := e.flowFor(e.self, dst)
	mask := e.router.KPaths(dst, e.kpaths)
	hdr := wire.RelFloodHeader{Src: uint32(e.self), Dst: uint32(dst), SrcEpoch: e.srcEpoch[dst], SeqNum: fb.HeadSeq(), Type: wire.RelData}

	sig, err := ourcrypto.Sign(e.priv, signedBytes(hdr, mask, payload))
	if err != nil {
		return 0, ResultDropped, errors.Wrap(err, "relflood: sign")
	}
	scat := e.pool.GetElements([][]byte{payload})
	seq, ok := fb.AdmitLocal(scat, mask, sig, neighbors)
	if !ok {
		scat.Release()
		return 0, ResultBlocked, nil
	}
	e.enqueueFlow(fb, neighbors)
	return seq, ResultOK, nil
}

func (e *Engine) enqueueFlow(fb *FlowBuffer, neighbors []node.ID) {
	key := FlowKey{Src: fb.Src, Dst: fb.Dst}
	for _, n := range neighbors {
		if n == fb.Src {
			continue
		}
		if _, _, _, _, _, ok := fb.PendingFor(n); ok {
			e.queueFor(n).Enqueue(key)
		}
	}
}

// OnData implements spec.md §4.3.3: verify, then dispatch to the in-order,
// restamp, or duplicate-drop branch.
func (e *Engine) OnData(from node.ID, envelope []byte, neighbors []node.ID) (node.ID, node.ID, Result, error) {
	var hdr wire.RelFloodHeader
	rest, err := hdr.Unmarshal(envelope)
	if err != nil {
		return 0, 0, ResultBadSig, errors.Wrap(err, "relflood: malformed header")
	}
	mask, rest, err := wire.UnmarshalKPathBitmask(rest)
	if err != nil {
		return 0, 0, ResultBadSig, errors.Wrap(err, "relflood: malformed bitmask")
	}
	payload, sig, tail, err := splitPayloadSigTail(rest)
	if err != nil {
		return 0, 0, ResultBadSig, err
	}
	src, dst := node.ID(hdr.Src), node.ID(hdr.Dst)

	pub, err := e.pubKey(src)
	if err != nil {
		return src, dst, ResultBadSig, errors.Wrap(err, "relflood: unknown source public key")
	}
	if err := ourcrypto.Verify(pub, signedBytes(hdr, mask, payload), sig); err != nil {
		return src, dst, ResultBadSig, errors.Wrap(err, "relflood: signature verification failed")
	}

	fb := e.flowFor(src, dst)
	if hdr.SrcEpoch < fb.SrcEpoch() {
		return src, dst, ResultStale, nil
	}
	if hdr.SrcEpoch > fb.SrcEpoch() {
		fb.ResetForNewEpoch(hdr.SrcEpoch)
	}
	e.applyTail(fb, from, tail)
	e.oweSAA(from, FlowKey{Src: src, Dst: dst})

	switch {
	case hdr.SeqNum == fb.HeadSeq():
		if !fb.AdmitRemote(hdr.SeqNum, e.pool.GetElements([][]byte{payload}), mask, sig, from, neighbors) {
			return src, dst, ResultDropped, nil
		}
		e.enqueueFlow(fb, neighbors)
	case hdr.SeqNum < fb.HeadSeq() && hdr.SeqNum >= fb.SOW():
		inMask := func(n node.ID, m wire.KPathBitmask) bool { return m.Contains(e.router.PathIndex(n)) }
		if !fb.Restamp(hdr.SeqNum, mask, sig, neighbors, inMask) {
			return src, dst, ResultDropped, nil
		}
		e.enqueueFlow(fb, neighbors)
	default:
		// already acknowledged below sow, or implausibly far ahead: drop
		return src, dst, ResultDropped, nil
	}

	if dst == e.self {
		e.deliver(src, dst, payload)
		e.pendingE2E[from] = true // schedule a fresh E2E back toward the source's direction
		for n := range e.links {
			e.pendingE2E[n] = true
		}
	}
	return src, dst, ResultOK, nil
}

// oweSAA records that neighbor n is owed a hop-by-hop ack for key, to be
// cleared either by a DATA packet piggybacking the same tail or, absent
// one, by a standalone SAA (spec.md §4.3.8).
func (e *Engine) oweSAA(n node.ID, key FlowKey) {
	owed, ok := e.pendingSAA[n]
	if !ok {
		owed = make(map[FlowKey]bool)
		e.pendingSAA[n] = owed
	}
	owed[key] = true
}

func (e *Engine) clearSAA(n node.ID, key FlowKey) {
	if owed, ok := e.pendingSAA[n]; ok {
		delete(owed, key)
	}
}

// applyTail implements spec.md §4.3.4's hop-by-hop ACK piggyback: advance
// next_seq[from] past whatever the neighbor's aru already covers, and
// optionally release sow under HBH_Advance.
func (e *Engine) applyTail(fb *FlowBuffer, from node.ID, tail wire.RelFloodTail) {
	fb.AdvanceNextSeqPast(from, tail.ARU)
	if e.cfg.HBHAdvance && tail.SOW > fb.SOW() {
		fb.AdvanceSOW(tail.SOW)
	}
}

// OnE2E implements spec.md §4.3.5: a destination's signed end-to-end ACK,
// accepted per source under monotonic dominance.
func (e *Engine) OnE2E(from node.ID, envelope []byte) (node.ID, Result, error) {
	var hdr wire.RelFloodHeader
	rest, err := hdr.Unmarshal(envelope)
	if err != nil {
		return 0, ResultBadSig, errors.Wrap(err, "relflood: malformed header")
	}
	_, rest, err = wire.UnmarshalKPathBitmask(rest)
	if err != nil {
		return 0, ResultBadSig, errors.Wrap(err, "relflood: malformed bitmask")
	}
	var e2eMsg wire.E2E
	payload, sig, err := splitPayloadSigGeneric(rest)
	if err != nil {
		return 0, ResultBadSig, err
	}
	if _, err := e2eMsg.Unmarshal(payload); err != nil {
		return 0, ResultBadSig, errors.Wrap(err, "relflood: malformed e2e body")
	}
	dst := node.ID(hdr.Dst)

	pub, err := e.pubKey(dst)
	if err != nil {
		return dst, ResultBadSig, errors.Wrap(err, "relflood: unknown destination public key")
	}
	if err := ourcrypto.Verify(pub, payload, sig); err != nil {
		return dst, ResultBadSig, errors.Wrap(err, "relflood: e2e signature verification failed")
	}

	accepted, ok := e.e2e.TryAccept(dst, e2eMsg.Cells)
	if !ok {
		return dst, ResultStale, nil
	}
	for src, cell := range accepted {
		fb := e.flowFor(src, dst)
		if src == e.self {
			if cell.DestEpoch > e.destEpochOf(dst) {
				e.e2e.Reset(dst, e.self, cell.DestEpoch)
				e.destEpoch[dst] = cell.DestEpoch
			}
			fb.AdvanceSOW(cell.ARU + 1)
		}
	}
	if e.self != dst {
		e.pendingE2E[from] = false
		for n := range e.links {
			if n != from {
				e.pendingE2E[n] = true
			}
		}
	}
	return dst, ResultOK, nil
}

func (e *Engine) destEpochOf(dst node.ID) uint32 { return e.destEpoch[dst] }

// splitPayloadSigGeneric mirrors Priority-Flood's envelope framing
// (hdr‖mask‖sigLen‖payload‖sig) for the two Reliable-Flood message kinds
// (E2E, STATUS_CHANGE) that carry no per-hop tail.
func splitPayloadSigGeneric(rest []byte) (payload, sig []byte, err error) {
	if len(rest) < 2 {
		return nil, nil, wire.ErrShortBuffer
	}
	sigLen := int(rest[0])<<8 | int(rest[1])
	rest = rest[2:]
	if sigLen > len(rest) {
		return nil, nil, wire.ErrShortBuffer
	}
	split := len(rest) - sigLen
	return rest[:split], rest[split:], nil
}

// OnStatusChange implements spec.md §4.3.7: validate structurally, accept
// per the creator's epoch/monotonicity rule, apply to routing, and
// schedule restamping plus reflood toward every other neighbor.
func (e *Engine) OnStatusChange(from node.ID, envelope []byte) (node.ID, Result, error) {
	var hdr wire.RelFloodHeader
	rest, err := hdr.Unmarshal(envelope)
	if err != nil {
		return 0, ResultBadSig, errors.Wrap(err, "relflood: malformed header")
	}
	_, rest, err = wire.UnmarshalKPathBitmask(rest)
	if err != nil {
		return 0, ResultBadSig, errors.Wrap(err, "relflood: malformed bitmask")
	}
	payload, sig, err := splitPayloadSigGeneric(rest)
	if err != nil {
		return 0, ResultBadSig, err
	}
	var sc wire.StatusChange
	if _, err := sc.Unmarshal(payload); err != nil {
		return 0, ResultBadSig, errors.Wrap(err, "relflood: malformed status-change body")
	}
	creator := node.ID(sc.Creator)

	pub, err := e.pubKey(creator)
	if err != nil {
		return creator, ResultBadSig, errors.Wrap(err, "relflood: unknown creator public key")
	}
	if err := ourcrypto.Verify(pub, payload, sig); err != nil {
		return creator, ResultBadSig, errors.Wrap(err, "relflood: status-change signature verification failed")
	}
	isAdjacent := func(nb uint32) bool { return e.router.IsAdjacent(node.ID(nb)) }
	if err := sc.Validate(e.referenceCost, isAdjacent); err != nil {
		return creator, ResultBadSig, err
	}

	accepted, err := e.sc.TryAccept(sc)
	if err != nil {
		nlog.Warningf("relflood: %s", err)
		return creator, ResultDropped, nil
	}
	if !accepted {
		return creator, ResultStale, nil
	}

	e.router.ApplyStatusChange(creator, sc)
	e.restampAllFlows()

	for n := range e.links {
		if n != from {
			e.pendingSC[n] = true
		}
	}
	return creator, ResultOK, nil
}

// restampAllFlows implements spec.md §4.3.6: on any accepted topology
// change, every self-originated, still-unacknowledged message across every
// flow is re-stamped with a fresh k-path mask and re-enqueued.
func (e *Engine) restampAllFlows() {
	for key, fb := range e.flows {
		if key.Src != e.self {
			continue
		}
		mask := e.router.KPaths(key.Dst, e.kpaths)
		var touched []uint32
		fb.ForEachUnacked(func(seq uint32) { touched = append(touched, seq) })
		for _, seq := range touched {
			_, _, scat, ok := fb.SignaturePayload(seq)
			if !ok {
				continue
			}
			hdr := wire.RelFloodHeader{Src: uint32(key.Src), Dst: uint32(key.Dst), SrcEpoch: e.srcEpoch[key.Dst], SeqNum: seq, Type: wire.RelData}
			var payload []byte
			for _, el := range scat.Elements() {
				payload = append(payload, el...)
			}
			sig, err := ourcrypto.Sign(e.priv, signedBytes(hdr, mask, payload))
			if err != nil {
				continue
			}
			neighbors := make([]node.ID, 0, len(e.links))
			for n := range e.links {
				neighbors = append(neighbors, n)
			}
			if fb.RestampAll(seq, mask, sig, neighbors) {
				e.enqueueFlow(fb, neighbors)
			}
		}
	}
}

// SendOne implements spec.md §4.3.8's Send_One(neighbor) priority order:
// a pending Status-Change first, then a pending E2E, then the neighbor's
// flow fair queue, then an SAA if nothing else is owed.
func (e *Engine) SendOne(n node.ID) bool {
	link, ok := e.links[n]
	if !ok {
		return false
	}
	if e.pendingSC[n] {
		if e.sendStatusChange(n, link) {
			e.pendingSC[n] = false
			return true
		}
	}
	if e.pendingE2E[n] {
		if e.sendE2E(n, link) {
			e.pendingE2E[n] = false
			return true
		}
	}
	if e.sendData(n, link) {
		return true
	}
	if e.sendSAA(n, link) {
		return true
	}
	return false
}

// sendSAA implements spec.md §4.3.8's last-resort branch: a flow's
// hop-by-hop ack owed to n with nothing left to piggyback it on goes out
// as a bare, unsigned SAA packet (spec.md §4.3.1).
func (e *Engine) sendSAA(n node.ID, link LinkSender) bool {
	owed := e.pendingSAA[n]
	for key := range owed {
		fb, ok := e.flows[key]
		if !ok {
			delete(owed, key)
			continue
		}
		hdr := wire.RelFloodHeader{Src: uint32(key.Src), Dst: uint32(key.Dst), SrcEpoch: fb.SrcEpoch(), Type: wire.RelSAA}
		tail := wire.RelFloodTail{SOW: fb.SOW(), ARU: fb.HeadSeq() - 1}
		envelope := marshalSAAEnvelope(hdr, tail)
		scat := e.pool.GetElements([][]byte{envelope})
		res, err := link.Send(scat)
		if err != nil || res != itlink.ResultOK {
			scat.Release()
			return false
		}
		delete(owed, key)
		return true
	}
	return false
}

// OnSAA implements spec.md §4.3.8's receive side: a neighbor's standalone
// hop-by-hop ack carries no payload or signature, only the tail that
// applyTail already knows how to fold in.
func (e *Engine) OnSAA(from node.ID, envelope []byte) (node.ID, node.ID, Result, error) {
	var hdr wire.RelFloodHeader
	rest, err := hdr.Unmarshal(envelope)
	if err != nil {
		return 0, 0, ResultBadSig, errors.Wrap(err, "relflood: malformed header")
	}
	var tail wire.RelFloodTail
	if _, err := tail.Unmarshal(rest); err != nil {
		return 0, 0, ResultBadSig, errors.Wrap(err, "relflood: malformed saa tail")
	}
	src, dst := node.ID(hdr.Src), node.ID(hdr.Dst)
	fb := e.flowFor(src, dst)
	if hdr.SrcEpoch < fb.SrcEpoch() {
		return src, dst, ResultStale, nil
	}
	e.applyTail(fb, from, tail)
	return src, dst, ResultOK, nil
}

func (e *Engine) sendData(n node.ID, link LinkSender) bool {
	q := e.queueFor(n)
	for {
		entry, ok := q.head()
		if !ok {
			return false
		}
		if entry.penalty > 0 {
			entry.penalty--
			return false
		}
		fb, ok := e.flows[entry.key]
		if !ok {
			q.Remove(entry.key)
			continue
		}
		seq, scat, mask, sig, restamped, ok := fb.PendingFor(n)
		if !ok {
			q.Remove(entry.key)
			continue
		}
		hdr := wire.RelFloodHeader{Src: uint32(entry.key.Src), Dst: uint32(entry.key.Dst), SrcEpoch: fb.SrcEpoch(), SeqNum: seq, Type: wire.RelData}
		tail := wire.RelFloodTail{SOW: fb.SOW(), ARU: fb.HeadSeq() - 1}
		var payload []byte
		for _, el := range scat.Elements() {
			payload = append(payload, el...)
		}
		envelope := marshalDataEnvelope(hdr, mask, payload, sig, tail)
		out := e.pool.GetElements([][]byte{envelope})
		res, err := link.Send(out)
		if err != nil || res != itlink.ResultOK {
			out.Release()
			return false
		}
		fb.MarkSent(n, seq)
		e.clearSAA(n, entry.key)
		_ = restamped
		if _, _, _, _, _, more := fb.PendingFor(n); more {
			q.toNormalTail(entry, packetsOf(out), true)
		} else {
			q.toNormalTail(entry, 0, false)
		}
		return true
	}
}

func (e *Engine) sendE2E(n node.ID, link LinkSender) bool {
	var cells []wire.E2ECell
	for key, fb := range e.flows {
		if key.Dst != e.self {
			continue
		}
		cells = append(cells, wire.E2ECell{Src: uint32(key.Src), DestEpoch: e.myEpoch, SrcEpoch: fb.SrcEpoch(), ARU: fb.HeadSeq() - 1})
	}
	if len(cells) == 0 {
		return false
	}
	e2eMsg := wire.E2E{Dst: uint32(e.self), Cells: cells}
	payload := e2eMsg.Marshal(nil)
	sig, err := ourcrypto.Sign(e.priv, payload)
	if err != nil {
		return false
	}
	hdr := wire.RelFloodHeader{Src: uint32(e.self), Dst: uint32(e.self), SrcEpoch: e.myEpoch, Type: wire.RelE2E}
	envelope := marshalGenericEnvelope(hdr, 0, payload, sig)
	scat := e.pool.GetElements([][]byte{envelope})
	res, err := link.Send(scat)
	if err != nil || res != itlink.ResultOK {
		scat.Release()
		return false
	}
	return true
}

func (e *Engine) sendStatusChange(n node.ID, link LinkSender) bool {
	// The actual cell content (cost toward each adjacent neighbor) is owned
	// by the routing layer behind Router; Engine only re-floods the most
	// recently accepted advertisement it holds for itself, if any.
	sc, ok := e.sc.byCreator[e.self]
	if !ok {
		return false
	}
	payload := sc.Marshal(nil)
	sig, err := ourcrypto.Sign(e.priv, payload)
	if err != nil {
		return false
	}
	hdr := wire.RelFloodHeader{Src: uint32(e.self), Dst: uint32(e.self), SrcEpoch: e.scEpoch, Type: wire.RelStatusChange}
	envelope := marshalGenericEnvelope(hdr, 0, payload, sig)
	scat := e.pool.GetElements([][]byte{envelope})
	res, err := link.Send(scat)
	if err != nil || res != itlink.ResultOK {
		scat.Release()
		return false
	}
	return true
}

func marshalGenericEnvelope(hdr wire.RelFloodHeader, mask wire.KPathBitmask, payload, sig []byte) []byte {
	buf := make([]byte, 0, wire.RelFloodHeaderSize+8+2+len(payload)+len(sig))
	buf = hdr.Marshal(buf)
	buf = wire.MarshalKPathBitmask(buf, mask)
	buf = append(buf, byte(len(sig)>>8), byte(len(sig)))
	buf = append(buf, payload...)
	buf = append(buf, sig...)
	return buf
}

func packetsOf(s *core.Scatter) int {
	const maxPacketSize = 1400
	n := (s.Len() + maxPacketSize - 1) / maxPacketSize
	if n < 1 {
		n = 1
	}
	return n
}

// PublishStatusChange implements the self-originated half of spec.md
// §4.3.7: stamp a fresh epoch/seq for each adjacent neighbor's cost and
// flood it.
func (e *Engine) PublishStatusChange(cells []wire.StatusChangeCell) {
	e.scEpoch++
	sc := wire.StatusChange{Creator: uint32(e.self), Epoch: e.scEpoch, Cells: cells}
	e.sc.byCreator[e.self] = sc
	for n := range e.links {
		e.pendingSC[n] = true
	}
}

// Package engine owns the event loop, the link registry, and dispatch
// between IT-Link and the two dissemination algorithms (SPEC_FULL.md §2):
// the "central Engine" spec.md §9's design notes call out, analogous to
// the teacher's central daemon object owning its fs/core/stats/transport
// singletons.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package engine

import (
	"crypto/rsa"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/spines-itcore/spines/cmn"
	"github.com/spines-itcore/spines/cmn/nlog"
	"github.com/spines-itcore/spines/core"
	"github.com/spines-itcore/spines/hk"
	"github.com/spines-itcore/spines/itlink"
	"github.com/spines-itcore/spines/node"
	"github.com/spines-itcore/spines/prioflood"
	"github.com/spines-itcore/spines/relflood"
	"github.com/spines-itcore/spines/session"
	"github.com/spines-itcore/spines/wire"
)

// discriminator tags a reassembled Reliable/Priority-Flood message so the
// single IT-Link delivery callback can demux it. These bytes never reach
// the wire as part of a signed envelope — they are stripped before
// parsing the real header and added back on send.
const (
	tagPriorityFlood byte = 'P'
	tagReliableFlood byte = 'R'
)

// taggedLink prepends a discriminator byte to every outgoing message,
// keeping prioflood/relflood's own envelope framing (and the signatures
// built over it) entirely ignorant of the fact that both algorithms share
// one link underneath (SPEC_FULL.md §2).
type taggedLink struct {
	link *itlink.Link
	pool *core.Pool
	tag  byte
}

func (t taggedLink) Send(s *core.Scatter) (itlink.SendResult, error) {
	out := t.pool.Get(s.Len() + 1)
	buf := out.Elements()[0]
	buf[0] = t.tag
	off := 1
	for _, el := range s.Elements() {
		off += copy(buf[off:], el)
	}
	s.Release()
	return t.link.Send(out)
}

func (t taggedLink) RequestResources(dissemID string, cb func() bool) {
	t.link.RequestResources(dissemID, cb)
}

// Engine is one daemon's intrusion-tolerant core: every live IT-Link,
// the shared timer wheel, and the Priority-Flood / Reliable-Flood
// dissemination engines layered over them.
//
// Once real sockets feed OnPacket from a per-link read-loop goroutine
// (AddUDPLink) alongside hk's own timer goroutine, Engine's state stops
// being touched from a single thread, so mu serializes every method that
// mutates or reads the link registry or hands work to prio/rel (spec.md
// §5 still specifies their internals as single-threaded).
type Engine struct {
	self node.ID
	cfg  *cmn.Config
	hk   *hk.HK
	pool *core.Pool

	mu     sync.Mutex
	links  map[uint64]*itlink.Link
	byPeer map[node.ID]*itlink.Link

	priv          *rsa.PrivateKey
	pubKey        func(node.ID) (*rsa.PublicKey, error)
	myIncarnation uint32
	nextLinkID    uint64

	prio *prioflood.Engine
	rel  *relflood.Engine

	gw session.Gateway
}

// NewEngine wires a fresh Engine around the given identity, configuration,
// key material, and session Gateway. router is shared by both
// dissemination engines (SPEC_FULL.md §2: routing/topology computation is
// out of scope, plugged in by the caller).
func NewEngine(self node.ID, myIncarnation uint32, cfg *cmn.Config, router interface {
	prioflood.Router
	relflood.Router
}, priv *rsa.PrivateKey, pubKey func(node.ID) (*rsa.PublicKey, error), gw session.Gateway, h *hk.HK) *Engine {
	pool := core.NewPool()
	e := &Engine{
		self: self, cfg: cfg, hk: h, pool: pool,
		links: make(map[uint64]*itlink.Link), byPeer: make(map[node.ID]*itlink.Link),
		priv: priv, pubKey: pubKey, myIncarnation: myIncarnation,
		gw: gw,
	}
	e.prio = prioflood.NewEngine(self, myIncarnation, &cfg.Priority, cfg.KPaths, router, priv, pubKey, pool,
		func(origin node.ID, payload []byte) { gw.Deliver(pool.GetElements([][]byte{payload}), session.RoutingPriorityFlood) })
	e.rel = relflood.NewEngine(self, myIncarnation, &cfg.Reliable, cfg.KPaths, cfg.ReferenceCost, router, priv, pubKey, pool,
		func(src, dst node.ID, payload []byte) { gw.Deliver(pool.GetElements([][]byte{payload}), session.RoutingReliableFlood) })
	return e
}

// AddLink registers a live IT-Link under both dissemination engines,
// starts its DH handshake, and schedules its periodic housekeeping (ping,
// ack-only, handshake retry, dissemination poll) on the shared timer
// wheel (SPEC_FULL.md §5).
func (e *Engine) AddLink(l *itlink.Link, peer node.ID, leg node.Leg) {
	e.mu.Lock()
	e.links[l.ID] = l
	e.byPeer[peer] = l
	e.prio.AddNeighbor(peer, taggedLink{link: l, pool: e.pool, tag: tagPriorityFlood})
	e.rel.AddNeighbor(peer, taggedLink{link: l, pool: e.pool, tag: tagReliableFlood})

	if err := l.StartHandshake(uint16(leg.Local), uint16(leg.Remote), e.priv, e.cfg); err != nil {
		nlog.Warningf("engine: link %d handshake init failed: %v", l.ID, err)
	}
	e.mu.Unlock()

	pingName := pingTimerName(l.ID)
	e.hk.Reg(pingName, 0, func() time.Duration {
		e.mu.Lock()
		defer e.mu.Unlock()
		return l.SendPing()
	})
	ackOnlyName := ackOnlyTimerName(l.ID)
	e.hk.Reg(ackOnlyName, time.Duration(e.cfg.ITLink.ACKTimeoutUsec)*time.Microsecond, func() time.Duration {
		e.mu.Lock()
		defer e.mu.Unlock()
		return l.SendAckOnly(time.Now())
	})
	handshakeName := handshakeTimerName(l.ID)
	e.hk.Reg(handshakeName, time.Duration(e.cfg.ITLink.DHTimeoutUsec)*time.Microsecond, func() time.Duration {
		e.mu.Lock()
		defer e.mu.Unlock()
		return l.RetryHandshake()
	})
	disseminationName := dissemTimerName(l.ID)
	e.hk.Reg(disseminationName, time.Millisecond, func() time.Duration {
		e.mu.Lock()
		defer e.mu.Unlock()
		l.PollDissemination(time.Now())
		l.Pump(time.Now())
		if !e.prio.SendOne(peer) {
			e.rel.SendOne(peer)
		}
		return time.Millisecond
	})
}

func pingTimerName(linkID uint64) string      { return "itlink-ping-" + itoa(linkID) }
func ackOnlyTimerName(linkID uint64) string   { return "itlink-ackonly-" + itoa(linkID) }
func handshakeTimerName(linkID uint64) string { return "itlink-dh-" + itoa(linkID) }
func dissemTimerName(linkID uint64) string    { return "itlink-dissem-" + itoa(linkID) }

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// RemoveLink tears down a link's housekeeping on shutdown or peer loss.
func (e *Engine) RemoveLink(l *itlink.Link, peer node.ID) {
	e.hk.Unreg(pingTimerName(l.ID))
	e.hk.Unreg(ackOnlyTimerName(l.ID))
	e.hk.Unreg(handshakeTimerName(l.ID))
	e.hk.Unreg(dissemTimerName(l.ID))
	e.mu.Lock()
	delete(e.links, l.ID)
	delete(e.byPeer, peer)
	e.mu.Unlock()
}

// OnPacket implements the receive half of spec.md §2's data flow: IT-Link
// decrypts/authenticates/reassembles, and the reassembled payload's
// leading discriminator byte routes it to the right dissemination engine.
func (e *Engine) OnPacket(linkID uint64, raw []byte, neighbors []node.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.links[linkID]
	if !ok {
		return errors.Errorf("engine: unknown link %d", linkID)
	}
	now := time.Now()
	body, hdr, ok := l.Preprocess(raw)
	if !ok {
		return nil // auth failure, already logged
	}
	switch hdr.Type {
	case wire.TypeDH:
		peerPub, err := e.pubKey(l.Peer)
		if err != nil {
			return errors.Wrapf(err, "engine: no public key for %s", l.Peer)
		}
		return l.OnDHPacket(body, peerPub, e.cfg.ConfigHash())
	case wire.TypePing:
		if len(body) < 4 {
			return errors.New("engine: ping body shorter than its nonce")
		}
		if l.ShouldReflectPing(now) {
			l.SendPong(hdr.SeqNo, binary.BigEndian.Uint32(body))
		}
		return nil
	case wire.TypePong:
		if len(body) < 4 {
			return errors.New("engine: pong body shorter than its nonce")
		}
		l.OnPong(hdr.SeqNo, binary.BigEndian.Uint32(body))
		return nil
	default:
		if len(body) < int(hdr.DataLen)+wire.IntruTolPktTailSize {
			return errors.New("engine: packet shorter than its declared data+tail")
		}
		payload := body[:hdr.DataLen]
		tailBytes := body[hdr.DataLen : int(hdr.DataLen)+wire.IntruTolPktTailSize]
		nackBytes := body[int(hdr.DataLen)+wire.IntruTolPktTailSize:]
		var tail wire.IntruTolPktTail
		if _, err := tail.Unmarshal(tailBytes); err != nil {
			return errors.Wrap(err, "engine: malformed tail")
		}
		nacks, err := wire.UnmarshalNACKs(nackBytes)
		if err != nil {
			return errors.Wrap(err, "engine: malformed nack list")
		}
		isDataPacket := len(payload) > 0
		l.ProcessAck(tail, isDataPacket, now)
		l.ProcessNacks(nacks, now)
		if isDataPacket {
			l.ProcessData(tail, payload, func(message []byte) {
				e.dispatchReassembled(linkID, message, neighbors)
			})
		}
		return nil
	}
}

func (e *Engine) dispatchReassembled(linkID uint64, message []byte, neighbors []node.ID) {
	if len(message) == 0 {
		return
	}
	peer := e.peerOf(linkID)
	tag, envelope := message[0], message[1:]
	switch tag {
	case tagPriorityFlood:
		if _, _, err := e.prio.OnReceive(peer, envelope, neighbors); err != nil {
			nlog.Warningf("engine: priority-flood receive from %s: %v", peer, err)
		}
	case tagReliableFlood:
		var hdr wire.RelFloodHeader
		if _, err := hdr.Unmarshal(envelope); err != nil {
			nlog.Warningf("engine: malformed reliable-flood header from %s: %v", peer, err)
			return
		}
		switch hdr.Type {
		case wire.RelData:
			if _, _, _, err := e.rel.OnData(peer, envelope, neighbors); err != nil {
				nlog.Warningf("engine: reliable-flood data from %s: %v", peer, err)
			}
		case wire.RelSAA:
			if _, _, _, err := e.rel.OnSAA(peer, envelope); err != nil {
				nlog.Warningf("engine: reliable-flood saa from %s: %v", peer, err)
			}
		case wire.RelE2E:
			if _, _, err := e.rel.OnE2E(peer, envelope); err != nil {
				nlog.Warningf("engine: reliable-flood e2e from %s: %v", peer, err)
			}
		case wire.RelStatusChange:
			if _, _, err := e.rel.OnStatusChange(peer, envelope); err != nil {
				nlog.Warningf("engine: reliable-flood status-change from %s: %v", peer, err)
			}
		}
	default:
		nlog.Warningf("engine: unknown dissemination tag %q from %s", tag, peer)
	}
}

func (e *Engine) peerOf(linkID uint64) node.ID {
	if l, ok := e.links[linkID]; ok {
		return l.Peer
	}
	return 0
}

// SendPriority injects a Priority-Flood message toward dst (spec.md
// §4.2.2), tagging it for receive-side dispatch.
func (e *Engine) SendPriority(dst node.ID, priority uint8, payload []byte, neighbors []node.ID) (prioflood.Key, prioflood.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prio.Inject(dst, priority, payload, neighbors)
}

// SendReliable originates a Reliable-Flood DATA message toward dst
// (spec.md §4.3.2/§4.3.3).
func (e *Engine) SendReliable(dst node.ID, payload []byte, neighbors []node.ID) (uint32, relflood.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rel.SendLocal(dst, payload, neighbors)
}

// GarbageCollect drives spec.md §4.2.6's periodic belly sweep; Engine's
// caller registers this on the timer wheel at Garbage_Collection_Sec.
func (e *Engine) GarbageCollect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prio.GarbageCollect(time.Now())
}

// Neighbors returns the peers with a currently registered link, the
// neighbor set OnPacket's caller feeds into dissemination fan-out
// (spec.md §4.2.2/§4.3.2's "neighbors" input).
func (e *Engine) Neighbors() []node.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]node.ID, 0, len(e.byPeer))
	for n := range e.byPeer {
		out = append(out, n)
	}
	return out
}

// AddUDPLink opens the send half of a new IT-Link over an already-tuned
// UDP socket (netio.ListenUDP) and starts its receive loop (SPEC_FULL.md
// §2's socket-backed production path, as opposed to the in-process links
// itlink's own tests drive directly).
func (e *Engine) AddUDPLink(conn *net.UDPConn, leg node.Leg, peer node.ID, raddr *net.UDPAddr) *itlink.Link {
	e.mu.Lock()
	e.nextLinkID++
	linkID := e.nextLinkID
	e.mu.Unlock()

	send := func(b []byte) error {
		_, err := conn.WriteToUDP(b, raddr)
		return err
	}
	l := itlink.NewLink(linkID, leg, peer, e.self, e.cfg, e.pool, e.myIncarnation, send)
	e.AddLink(l, peer, leg)
	go e.readLoop(l, conn)
	return l
}

// readLoop is the only goroutine that ever calls conn.ReadFromUDP for this
// link; every packet it pulls off the wire is handed to OnPacket, which
// takes e.mu itself.
func (e *Engine) readLoop(l *itlink.Link, conn *net.UDPConn) {
	buf := make([]byte, 64*1024)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			nlog.Warningf("engine: link %d udp socket closed: %v", l.ID, err)
			return
		}
		raw := append([]byte(nil), buf[:n]...)
		if err := e.OnPacket(l.ID, raw, e.Neighbors()); err != nil {
			nlog.Warningf("engine: link %d packet handling failed: %v", l.ID, err)
		}
	}
}

package prioflood

import (
	"crypto/rsa"
	"time"

	"github.com/pkg/errors"

	"github.com/spines-itcore/spines/cmn"
	"github.com/spines-itcore/spines/cmn/nlog"
	"github.com/spines-itcore/spines/core"
	ourcrypto "github.com/spines-itcore/spines/crypto"
	"github.com/spines-itcore/spines/itlink"
	"github.com/spines-itcore/spines/node"
	"github.com/spines-itcore/spines/wire"
)

// Result is the outcome of injecting or receiving a Priority-Flood
// message (spec.md §4.2.3, §4.2.5).
type Result int

const (
	ResultOK Result = iota
	ResultDup
	ResultExpired
	ResultBuffDrop
	ResultBadSig
	ResultBadPriority
	ResultNotOnPath
)

// Router resolves k-disjoint-path routing decisions. Computing actual
// disjoint paths from a link-cost topology is outside this component's
// scope (spec.md §1 excludes the routing/topology computation itself);
// Engine only needs to stamp and interpret bitmasks, so Router is the seam
// a routing module plugs into.
type Router interface {
	// KPaths returns the bitmask of up to k paths toward dst.
	KPaths(dst node.ID, k int) wire.KPathBitmask
	// PathIndex returns the stable bit position assigned to neighbor n.
	PathIndex(n node.ID) int
}

// LinkSender is the subset of *itlink.Link the engine needs to forward a
// message and register interest in a neighbor's free capacity.
type LinkSender interface {
	Send(s *core.Scatter) (itlink.SendResult, error)
	RequestResources(dissemID string, cb func() bool)
}

// Engine is the Priority-Flood dissemination engine (spec.md §4.2): one
// per daemon, driving every origin's belly and every neighbor's fair
// queue.
type Engine struct {
	self   node.ID
	cfg    *cmn.PrioFloodConfig
	kpaths int
	router Router
	priv   *rsa.PrivateKey
	pubKey func(node.ID) (*rsa.PublicKey, error)

	pool  *core.Pool
	belly *Belly

	queues map[node.ID]*NeighborQueue
	links  map[node.ID]LinkSender

	originIncarnation map[node.ID]uint32
	seqNo             uint32
	myIncarnation     uint32

	deliver func(origin node.ID, payload []byte)
}

func NewEngine(self node.ID, myIncarnation uint32, cfg *cmn.PrioFloodConfig, kpaths int, router Router,
	priv *rsa.PrivateKey, pubKey func(node.ID) (*rsa.PublicKey, error), pool *core.Pool,
	deliver func(origin node.ID, payload []byte),
) *Engine {
	return &Engine{
		self: self, cfg: cfg, kpaths: kpaths, router: router, priv: priv, pubKey: pubKey,
		pool: pool, belly: NewBelly(), queues: make(map[node.ID]*NeighborQueue),
		links: make(map[node.ID]LinkSender), originIncarnation: make(map[node.ID]uint32),
		myIncarnation: myIncarnation, deliver: deliver,
	}
}

// AddNeighbor wires a live IT-Link into the engine; called by the owning
// Engine (the "central Engine" of spec.md §9) as links come up.
func (e *Engine) AddNeighbor(n node.ID, l LinkSender) {
	e.links[n] = l
	e.queueFor(n) // keep anything already queued toward n before its link came up
}

func (e *Engine) queueFor(n node.ID) *NeighborQueue {
	q, ok := e.queues[n]
	if !ok {
		q = NewNeighborQueue()
		e.queues[n] = q
	}
	return q
}

// Inject implements spec.md §4.2.2: the origin fills incarnation/seqNum,
// stamps a k-path bitmask toward dst, signs, and enqueues toward every
// neighbor on the chosen paths.
func (e *Engine) Inject(dst node.ID, priority uint8, payload []byte, neighbors []node.ID) (Key, Result, error) {
	if priority < 1 || priority > MaxPriority {
		return Key{}, ResultBadPriority, errors.Errorf("prioflood: priority %d out of range", priority)
	}
	now := time.Now()
	expire := now.Add(time.Duration(e.cfg.DefaultExpireSec)*time.Second + time.Duration(e.cfg.DefaultExpireUsec)*time.Microsecond)
	e.seqNo++
	hdr := epochHeader(uint32(e.self), e.myIncarnation, e.seqNo, priority, now, expire)
	mask := e.router.KPaths(dst, e.kpaths)

	sig, err := ourcrypto.Sign(e.priv, signedBytes(hdr, mask, payload))
	if err != nil {
		return Key{}, ResultOK, errors.Wrap(err, "prioflood: sign")
	}
	envelope := marshalEnvelope(hdr, mask, payload, sig)
	scat := e.pool.GetElements([][]byte{envelope})

	key := Key{Origin: e.self, Incarnation: e.myIncarnation, SeqNum: e.seqNo}
	v := &Value{
		Key: key, Arrival: now, Expire: expire, Priority: priority, OriginTime: now,
		Scatter: scat, Bitmask: mask, status: make(map[node.ID]NeighborStatus),
	}
	res := e.admit(v, neighbors, node.ID(0), false)
	return key, res, nil
}

// OnReceive implements spec.md §4.2.3: validates an incoming envelope,
// then stores it as new or reconciles it against a duplicate. The origin
// is read from the header itself (wire.PrioFloodHeader.Origin) rather
// than supplied by the caller, since a receiver has no other way to know
// which public key to verify against without prior topology knowledge of
// the packet's path.
func (e *Engine) OnReceive(from node.ID, envelope []byte, neighbors []node.ID) (Key, Result, error) {
	var hdr wire.PrioFloodHeader
	rest, err := hdr.Unmarshal(envelope)
	if err != nil {
		return Key{}, ResultBadSig, errors.Wrap(err, "prioflood: malformed header")
	}
	origin := node.ID(hdr.Origin)
	mask, rest, err := wire.UnmarshalKPathBitmask(rest)
	if err != nil {
		return Key{}, ResultBadSig, errors.Wrap(err, "prioflood: malformed bitmask")
	}
	if !mask.Contains(e.router.PathIndex(e.self)) {
		return Key{}, ResultNotOnPath, errors.New("prioflood: this node is not on the message's k-path mask")
	}

	payload, sig, err := splitPayloadSig(rest)
	if err != nil {
		return Key{}, ResultBadSig, err
	}

	pub, err := e.pubKey(origin)
	if err != nil {
		return Key{}, ResultBadSig, errors.Wrap(err, "prioflood: unknown origin public key")
	}
	if err := ourcrypto.Verify(pub, signedBytes(hdr, mask, payload), sig); err != nil {
		return Key{}, ResultBadSig, errors.Wrap(err, "prioflood: signature verification failed")
	}

	if hdr.Incarnation < e.originIncarnation[origin] {
		return Key{}, ResultDup, nil
	}
	if hdr.Incarnation > e.originIncarnation[origin] {
		e.originIncarnation[origin] = hdr.Incarnation
	}

	key := Key{Origin: origin, Incarnation: hdr.Incarnation, SeqNum: hdr.SeqNum}
	ob := e.belly.originOf(origin)
	if existing, ok := ob.lookup(key); ok {
		if existing.markRecv(from) {
			e.queueFor(from).Remove(origin, existing.Priority, key)
			e.belly.decNeighbor(origin, from)
		}
		return key, ResultDup, nil
	}

	if hdr.Priority < 1 || hdr.Priority > MaxPriority {
		return key, ResultBadPriority, nil
	}
	now := time.Now()
	expire := expireOf(hdr)
	if !expire.After(now) {
		return key, ResultExpired, nil
	}

	scat := e.pool.GetElements([][]byte{envelope})
	v := &Value{
		Key: key, Arrival: now, Expire: expire, Priority: hdr.Priority, OriginTime: originOf(hdr),
		Scatter: scat, Bitmask: mask, status: make(map[node.ID]NeighborStatus),
	}
	res := e.admit(v, neighbors, from, true)
	return key, res, nil
}

// admit implements the NEED/RECV/DROPPED/NOT_IN_MASK classification and
// queue registration shared by Inject and OnReceive (spec.md §4.2.3).
func (e *Engine) admit(v *Value, neighbors []node.ID, cameFrom node.ID, hasCameFrom bool) Result {
	result := ResultOK
	for _, n := range neighbors {
		switch {
		case n == e.self:
			continue
		case !v.Bitmask.Contains(e.router.PathIndex(n)):
			v.status[n] = StatusNotInMask
		case hasCameFrom && n == cameFrom:
			v.status[n] = StatusRecv
		case n == v.Key.Origin:
			v.status[n] = StatusDropped
		default:
			if e.overflowing(n) {
				if e.evictForOverflow(n) {
					result = ResultBuffDrop
				}
			}
			v.status[n] = StatusNeed
			v.needCount++
			e.belly.incNeighbor(v.Key.Origin, n)
			e.queueFor(n).Enqueue(v.Key.Origin, v.Priority, v.Key)
		}
	}
	ob := e.belly.originOf(v.Key.Origin)
	ob.store(v)
	if v.needCount == 0 {
		v.release()
	}
	return result
}

func (e *Engine) overflowing(n node.ID) bool {
	return e.belly.neighborTotal[n]+1 > int(e.cfg.MaxMessStored)
}

// evictForOverflow implements spec.md §4.2.5: identify the source hogging
// neighbor n and drop its lowest-priority, oldest entry.
func (e *Engine) evictForOverflow(n node.ID) bool {
	src, ok := e.belly.hoggingSource(n)
	if !ok {
		return false
	}
	q := e.queueFor(n)
	se, ok := q.bySource[src]
	if !ok {
		return false
	}
	for p := 1; p <= MaxPriority; p++ {
		if len(se.byPrio[p]) == 0 {
			continue
		}
		key := se.byPrio[p][0]
		ob := e.belly.originOf(src)
		if v, ok := ob.lookup(key); ok {
			v.markDropped(n)
		}
		q.Remove(src, uint8(p), key)
		e.belly.decNeighbor(src, n)
		nlog.Infof("prioflood: belly overflow toward %s, evicted %s priority %d from %s", n, key, p, src)
		return true
	}
	return false
}

// packetsOf estimates how many IT-Link packets a scatter occupies, used
// as the penalty for the next round-robin slot (spec.md §4.2.4).
func packetsOf(s *core.Scatter) int {
	const maxPacketSize = 1400
	n := (s.Len() + maxPacketSize - 1) / maxPacketSize
	if n < 1 {
		n = 1
	}
	return n
}

// SendOne implements spec.md §4.2.4's Send_One(neighbor): picks from the
// urgent queue first, else normal, handles penalty pacing and expiry
// cleanup inline, and forwards exactly one message via IT-Link on success.
func (e *Engine) SendOne(n node.ID) bool {
	q := e.queueFor(n)
	link, ok := e.links[n]
	if !ok {
		return false
	}
	for {
		se, ok := q.head()
		if !ok {
			return false
		}
		if se.penalty > 0 {
			se.penalty--
			return false
		}
		prio, key, ok := se.highestNonEmpty()
		if !ok {
			q.dropSource(se)
			continue
		}
		ob := e.belly.originOf(key.Origin)
		v, ok := ob.lookup(key)
		if !ok {
			se.popHead(prio)
			continue
		}
		if v.Expired(time.Now()) {
			e.cleanupExpired(v, key, prio, n, q)
			continue
		}
		v.Scatter.Ref() // the link's Send consumes one reference; the belly keeps its own
		res, err := link.Send(v.Scatter)
		if err != nil || res != itlink.ResultOK {
			return false
		}
		se.popHead(prio)
		v.status[n] = StatusOnLink
		q.toNormalTail(se, packetsOf(v.Scatter))
		return true
	}
}

func (e *Engine) cleanupExpired(v *Value, key Key, prio uint8, n node.ID, q *NeighborQueue) {
	v.status[n] = StatusExpired
	if v.needCount > 0 {
		v.needCount--
	}
	v.release()
	q.Remove(key.Origin, prio, key)
	e.belly.decNeighbor(key.Origin, n)
}

// GarbageCollect implements spec.md §4.2.6: every Garbage_Collection_Sec,
// scan each origin's belly and remove entries whose expire has passed.
func (e *Engine) GarbageCollect(now time.Time) {
	for origin, ob := range e.belly.origins {
		var expired []Key
		ob.forEach(func(v *Value) {
			if v.Expired(now) {
				expired = append(expired, v.Key)
			}
		})
		for _, key := range expired {
			v, ok := ob.lookup(key)
			if !ok {
				continue
			}
			for n, st := range v.status {
				if st == StatusNeed {
					e.queueFor(n).Remove(origin, v.Priority, key)
					e.belly.decNeighbor(origin, n)
				}
			}
			v.markExpired()
			ob.delete(key)
		}
	}
}

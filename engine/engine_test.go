package engine

import (
	"crypto/rand"
	"crypto/rsa"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/spines-itcore/spines/cmn"
	"github.com/spines-itcore/spines/core"
	"github.com/spines-itcore/spines/hk"
	"github.com/spines-itcore/spines/node"
	"github.com/spines-itcore/spines/prioflood"
	"github.com/spines-itcore/spines/session"
	"github.com/spines-itcore/spines/wire"
)

// fakeRouter stamps every message with the full k-path mask and treats
// every listed neighbor as path index 0, mirroring prioflood/relflood's
// own test fakeRouters.
type fakeRouter struct{ adjacent map[node.ID]bool }

func (r fakeRouter) KPaths(node.ID, int) wire.KPathBitmask       { return 0b1 }
func (r fakeRouter) PathIndex(node.ID) int                       { return 0 }
func (r fakeRouter) IsAdjacent(n node.ID) bool                   { return r.adjacent[n] }
func (r fakeRouter) ApplyStatusChange(node.ID, wire.StatusChange) {}

// fakeGateway captures every delivered payload; Engine never implements
// session framing itself (SPEC_FULL.md §6), so a real daemon's Gateway is
// stood in for here.
type fakeGateway struct {
	mu        sync.Mutex
	delivered [][]byte
}

func (g *fakeGateway) Forward(*core.Scatter, session.Mode, session.Routing) session.ForwardResult {
	return session.ForwardOK
}
func (g *fakeGateway) CanFlowSend(session.SessionID, node.ID) bool { return true }
func (g *fakeGateway) BlockSession(session.SessionID, node.ID)    {}
func (g *fakeGateway) ResumeSessions(node.ID)                     {}
func (g *fakeGateway) Deliver(scat *core.Scatter, routing session.Routing) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var payload []byte
	for _, el := range scat.Elements() {
		payload = append(payload, el...)
	}
	g.delivered = append(g.delivered, payload)
}

func (g *fakeGateway) snapshot() [][]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([][]byte(nil), g.delivered...)
}

func testRSAPair(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return priv
}

func loopbackConn(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	return conn
}

// TestAddUDPLinkRoundTripsPriorityFloodOverRealSockets exercises the full
// socket-backed path (SPEC_FULL.md §2): two engines, two real loopback UDP
// sockets, a DH handshake driven over the wire, and a Priority-Flood
// message delivered end to end through the discriminator-tagged link.
func TestAddUDPLinkRoundTripsPriorityFloodOverRealSockets(t *testing.T) {
	cfg := cmn.DefaultConfig()
	priv1, priv2 := testRSAPair(t), testRSAPair(t)
	pubKey := func(n node.ID) (*rsa.PublicKey, error) {
		if n == 1 {
			return &priv1.PublicKey, nil
		}
		return &priv2.PublicKey, nil
	}
	router := fakeRouter{adjacent: map[node.ID]bool{1: true, 2: true}}
	gw1, gw2 := &fakeGateway{}, &fakeGateway{}
	h := hk.New()

	e1 := NewEngine(1, 1, cfg, router, priv1, pubKey, gw1, h)
	e2 := NewEngine(2, 1, cfg, router, priv2, pubKey, gw2, h)

	conn1, conn2 := loopbackConn(t), loopbackConn(t)
	defer conn1.Close()
	defer conn2.Close()

	l1 := e1.AddUDPLink(conn1, node.Leg{Local: 1, Remote: 2}, 2, conn2.LocalAddr().(*net.UDPAddr))
	l2 := e2.AddUDPLink(conn2, node.Leg{Local: 2, Remote: 1}, 1, conn1.LocalAddr().(*net.UDPAddr))

	if got := e1.Neighbors(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("e1.Neighbors() = %v, want [2]", got)
	}

	// Drive the handshake manually rather than through hk's timer wheel
	// (hk.Run isn't started in this test): each side's StartHandshake
	// already ran inside AddLink, so a RetryHandshake send is a real,
	// fully-signed DH packet over the loopback socket.
	l1.RetryHandshake()
	l2.RetryHandshake()
	// Give both read-loops a moment to process the exchanged DH packets.
	time.Sleep(50 * time.Millisecond)

	_, res, err := e1.SendPriority(2, 5, []byte("hello via priority-flood"), []node.ID{2})
	if err != nil {
		t.Fatalf("SendPriority: %v", err)
	}
	if res != prioflood.ResultOK {
		t.Fatalf("SendPriority result = %v, want ResultOK", res)
	}
	// Injection only enqueues the message (SPEC_FULL.md §4.2.2); actually
	// handing it to the tagged link is normally hk's dissemination timer's
	// job, driven here by hand since hk.Run isn't started in this test.
	e1.mu.Lock()
	e1.prio.SendOne(2)
	e1.mu.Unlock()

	waitFor(t, func() bool { return len(gw2.snapshot()) > 0 })
	delivered := gw2.snapshot()
	if len(delivered) == 0 {
		t.Fatalf("message never reached the destination gateway")
	}
	if string(delivered[0]) != "hello via priority-flood" {
		t.Fatalf("delivered payload = %q, want %q", delivered[0], "hello via priority-flood")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNeighborsReflectsCurrentLinkRegistry(t *testing.T) {
	cfg := cmn.DefaultConfig()
	priv := testRSAPair(t)
	pubKey := func(node.ID) (*rsa.PublicKey, error) { return &priv.PublicKey, nil }
	router := fakeRouter{adjacent: map[node.ID]bool{2: true}}
	h := hk.New()
	e := NewEngine(1, 1, cfg, router, priv, pubKey, &fakeGateway{}, h)

	conn := loopbackConn(t)
	defer conn.Close()
	raddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	l := e.AddUDPLink(conn, node.Leg{Local: 1, Remote: 2}, 2, raddr)

	if got := e.Neighbors(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("Neighbors() after AddUDPLink = %v, want [2]", got)
	}
	e.RemoveLink(l, 2)
	if got := e.Neighbors(); len(got) != 0 {
		t.Fatalf("Neighbors() after RemoveLink = %v, want empty", got)
	}
}

package relflood

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/spines-itcore/spines/cmn"
	"github.com/spines-itcore/spines/core"
	ourcrypto "github.com/spines-itcore/spines/crypto"
	"github.com/spines-itcore/spines/itlink"
	"github.com/spines-itcore/spines/node"
	"github.com/spines-itcore/spines/wire"
)

// fakeRouter is a trivial Router that stamps every message with the full
// mask and treats every listed neighbor as path index 0.
type fakeRouter struct {
	adjacent map[node.ID]bool
}

func (r *fakeRouter) KPaths(node.ID, int) wire.KPathBitmask { return 0b1 }
func (r *fakeRouter) PathIndex(node.ID) int                 { return 0 }
func (r *fakeRouter) IsAdjacent(n node.ID) bool             { return r.adjacent[n] }
func (r *fakeRouter) ApplyStatusChange(node.ID, wire.StatusChange) {}

// captureLink records every scatter handed to it, standing in for a live
// IT-Link (itlink.Link) in these engine-level tests.
type captureLink struct {
	sent [][]byte
}

func (c *captureLink) Send(s *core.Scatter) (itlink.SendResult, error) {
	var payload []byte
	for _, el := range s.Elements() {
		payload = append(payload, el...)
	}
	c.sent = append(c.sent, payload)
	return itlink.ResultOK, nil
}
func (c *captureLink) RequestResources(string, func() bool) {}

func testRSAPair(t *testing.T) (*rsa.PrivateKey, *rsa.PublicKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	return priv, &priv.PublicKey
}

func newTestEngine(t *testing.T, self node.ID, priv *rsa.PrivateKey, pubKey func(node.ID) (*rsa.PublicKey, error)) (*Engine, *fakeRouter) {
	t.Helper()
	router := &fakeRouter{adjacent: map[node.ID]bool{2: true, 3: true}}
	cfg := &cmn.ReliableFloodConfig{SAAThreshold: 10}
	delivered := func(node.ID, node.ID, []byte) {}
	e := NewEngine(self, 1, cfg, 1, 1, router, priv, pubKey, core.NewPool(), delivered)
	return e, router
}

func TestSendLocalBlockedUntilHandshakeConfirmed(t *testing.T) {
	priv, pub := testRSAPair(t)
	e, _ := newTestEngine(t, 1, priv, func(node.ID) (*rsa.PublicKey, error) { return pub, nil })

	_, res, err := e.SendLocal(2, []byte("hello"), []node.ID{3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != ResultBlocked {
		t.Fatalf("SendLocal should block before the destination's epoch is confirmed, got %v", res)
	}
}

func TestSendLocalAfterE2EConfirmationEnqueuesAndSends(t *testing.T) {
	priv, pub := testRSAPair(t)
	pubKey := func(node.ID) (*rsa.PublicKey, error) { return pub, nil }
	e, _ := newTestEngine(t, 1, priv, pubKey)

	e.e2e.byDst[2] = map[node.ID]wire.E2ECell{1: {Src: 1, SrcEpoch: 0, ARU: 0}}

	seq, res, err := e.SendLocal(2, []byte("hello"), []node.ID{3})
	if err != nil || res != ResultOK {
		t.Fatalf("SendLocal failed: res=%v err=%v", res, err)
	}
	if seq != 0 {
		t.Fatalf("first sequence should be 0, got %d", seq)
	}

	link := &captureLink{}
	e.AddNeighbor(3, link)
	e.queueFor(3).Enqueue(FlowKey{Src: 1, Dst: 2})
	if !e.SendOne(3) {
		t.Fatalf("SendOne should have forwarded the pending DATA message")
	}
	if len(link.sent) != 1 {
		t.Fatalf("expected exactly one packet sent, got %d", len(link.sent))
	}
}

func TestOnDataDeliversAtDestinationAndRejectsBadSignature(t *testing.T) {
	srcPriv, srcPub := testRSAPair(t)
	_, otherPub := testRSAPair(t)
	pubKey := func(n node.ID) (*rsa.PublicKey, error) {
		if n == 1 {
			return srcPub, nil
		}
		return otherPub, nil
	}

	dstPriv, _ := testRSAPair(t)
	dst, _ := newTestEngine(t, 2, dstPriv, pubKey)
	var delivered []byte
	dst.deliver = func(src, d node.ID, payload []byte) { delivered = payload }

	src, _ := newTestEngine(t, 1, srcPriv, pubKey)
	src.e2e.byDst[2] = map[node.ID]wire.E2ECell{1: {Src: 1}}
	_, _, err := src.SendLocal(2, []byte("payload"), []node.ID{2})
	if err != nil {
		t.Fatalf("SendLocal: %v", err)
	}

	link := &captureLink{}
	src.AddNeighbor(2, link)
	src.queueFor(2).Enqueue(FlowKey{Src: 1, Dst: 2})
	if !src.SendOne(2) {
		t.Fatalf("expected src to send the DATA packet")
	}

	_, _, res, err := dst.OnData(1, link.sent[0], []node.ID{1})
	if err != nil || res != ResultOK {
		t.Fatalf("OnData at destination failed: res=%v err=%v", res, err)
	}
	if string(delivered) != "payload" {
		t.Fatalf("delivered payload = %q, want %q", delivered, "payload")
	}

	// Flip the signature's last byte; the unsigned hop-by-hop tail follows it.
	tampered := append([]byte(nil), link.sent[0]...)
	tampered[len(tampered)-wire.RelFloodTailSize-1] ^= 0xFF
	if _, _, res, err := dst.OnData(1, tampered, []node.ID{1}); err == nil && res == ResultOK {
		t.Fatalf("a tampered signature must not be accepted")
	}
}

func TestOnStatusChangeRejectsNonAdjacentNonZeroCell(t *testing.T) {
	priv, pub := testRSAPair(t)
	pubKey := func(node.ID) (*rsa.PublicKey, error) { return pub, nil }
	e, _ := newTestEngine(t, 1, priv, pubKey)

	sc := wire.StatusChange{Creator: 9, Epoch: 1, Cells: []wire.StatusChangeCell{{Neighbor: 99, Seq: 1, Cost: 5}}}
	payload := sc.Marshal(nil)
	sig, err := ourcrypto.Sign(priv, payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	hdr := wire.RelFloodHeader{Src: 9, Dst: 9, Type: wire.RelStatusChange}
	envelope := marshalGenericEnvelope(hdr, 0, payload, sig)

	if _, res, err := e.OnStatusChange(9, envelope); err == nil || res == ResultOK {
		t.Fatalf("non-adjacent neighbor with a non-zero cell must be rejected, res=%v err=%v", res, err)
	}
}

package prioflood

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

// fakeRouter stamps every message with the full mask and treats every
// listed neighbor as path index 0, mirroring relflood's test fakeRouter.
type fakeRouter struct{}

func (fakeRouter) KPaths(node.ID, int) wire.KPathBitmask { return 0b1 }
func (fakeRouter) PathIndex(node.ID) int                 { return 0 }

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

func newTestEngine(t *testing.T, self node.ID, priv *rsa.PrivateKey, pubKey func(node.ID) (*rsa.PublicKey, error)) *Engine {
	t.Helper()
	cfg := &cmn.PrioFloodConfig{MaxMessStored: 10, DefaultExpireSec: 60}
	delivered := func(node.ID, []byte) {}
	return NewEngine(self, 1, cfg, 2, fakeRouter{}, priv, pubKey, core.NewPool(), delivered)
}

func TestInjectThenSendOneForwardsToNeedNeighbor(t *testing.T) {
	priv, pub := testRSAPair(t)
	e := newTestEngine(t, 1, priv, func(node.ID) (*rsa.PublicKey, error) { return pub, nil })

	_, res, err := e.Inject(2, 5, []byte("hello"), []node.ID{2, 3})
	if err != nil || res != ResultOK {
		t.Fatalf("Inject failed: res=%v err=%v", res, err)
	}

	link := &captureLink{}
	e.AddNeighbor(3, link)
	if !e.SendOne(3) {
		t.Fatalf("SendOne should forward the newly injected message to neighbor 3")
	}
	if len(link.sent) != 1 {
		t.Fatalf("expected exactly one packet sent, got %d", len(link.sent))
	}
}

func TestOnReceiveRejectsBadSignature(t *testing.T) {
	srcPriv, srcPub := testRSAPair(t)
	_, otherPub := testRSAPair(t)
	pubKey := func(n node.ID) (*rsa.PublicKey, error) {
		if n == 1 {
			return srcPub, nil
		}
		return otherPub, nil
	}

	dstPriv, _ := testRSAPair(t)
	dst := newTestEngine(t, 2, dstPriv, pubKey)

	src := newTestEngine(t, 1, srcPriv, pubKey)
	_, _, err := src.Inject(2, 5, []byte("payload"), []node.ID{2})
	if err != nil {
		t.Fatalf("Inject: %v", err)
	}

	link := &captureLink{}
	src.AddNeighbor(2, link)
	if !src.SendOne(2) {
		t.Fatalf("expected src to send the message")
	}

	if _, res, err := dst.OnReceive(1, link.sent[0], []node.ID{1}); err != nil {
		t.Fatalf("genuine envelope should verify, got res=%v err=%v", res, err)
	}

	tampered := append([]byte(nil), link.sent[0]...)
	tampered[len(tampered)-1] ^= 0xFF
	if _, res, err := dst.OnReceive(1, tampered, []node.ID{1}); err == nil && res == ResultOK {
		t.Fatalf("a tampered signature must not be accepted")
	}
}

func TestOnReceiveDuplicateMarksNeighborRecv(t *testing.T) {
	priv, pub := testRSAPair(t)
	pubKey := func(node.ID) (*rsa.PublicKey, error) { return pub, nil }
	e := newTestEngine(t, 1, priv, pubKey)

	key, res, err := e.Inject(2, 5, []byte("hello"), []node.ID{2, 3})
	if err != nil || res != ResultOK {
		t.Fatalf("Inject failed: res=%v err=%v", res, err)
	}

	ob := e.belly.originOf(1)
	v, ok := ob.lookup(key)
	if !ok {
		t.Fatalf("injected message must be stored in the origin's belly")
	}
	if v.status[3] != StatusNeed {
		t.Fatalf("neighbor 3 should start NEED, got %v", v.status[3])
	}

	// Re-sign and re-send the identical message as if neighbor 3 forwarded a
	// copy of it back to us; OnReceive must reconcile it as a duplicate.
	hdr := epochHeader(1, key.Incarnation, key.SeqNum, 5, v.Arrival, v.Expire)
	payload := []byte("hello")
	sig, err := ourcrypto.Sign(priv, signedBytes(hdr, v.Bitmask, payload))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	envelope := marshalEnvelope(hdr, v.Bitmask, payload, sig)

	if _, res, err := e.OnReceive(3, envelope, []node.ID{2, 3}); err != nil || res != ResultDup {
		t.Fatalf("duplicate from neighbor 3 should be recognized, res=%v err=%v", res, err)
	}
	if v.status[3] != StatusRecv {
		t.Fatalf("neighbor 3 should transition to RECV on duplicate receipt, got %v", v.status[3])
	}
}

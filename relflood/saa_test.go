package relflood

import (
	"crypto/rsa"
	"testing"

	"github.com/spines-itcore/spines/node"
	"github.com/spines-itcore/spines/wire"
)

// TestOnDataOwesSAAAndSendOneFlushesItWhenNothingElseToPiggyback covers
// spec.md §4.3.8's last-resort branch: a DATA packet's hop-by-hop ack is
// normally piggybacked on the next outgoing DATA toward the same neighbor,
// but absent one the debt must still go out as a bare SAA.
func TestOnDataOwesSAAAndSendOneFlushesItWhenNothingElseToPiggyback(t *testing.T) {
	srcPriv, srcPub := testRSAPair(t)
	dstPriv, dstPub := testRSAPair(t)
	pubKey := func(n node.ID) (*rsa.PublicKey, error) {
		if n == 1 {
			return srcPub, nil
		}
		return dstPub, nil
	}

	src, _ := newTestEngine(t, 1, srcPriv, pubKey)
	dst, _ := newTestEngine(t, 2, dstPriv, pubKey)

	src.e2e.byDst[2] = map[node.ID]wire.E2ECell{1: {Src: 1}}
	dataLink := &captureLink{}
	src.AddNeighbor(2, dataLink)
	if _, res, err := src.SendLocal(2, []byte("payload"), []node.ID{2}); err != nil || res != ResultOK {
		t.Fatalf("SendLocal: res=%v err=%v", res, err)
	}
	src.queueFor(2).Enqueue(FlowKey{Src: 1, Dst: 2})
	if !src.SendOne(2) {
		t.Fatalf("expected src to send the DATA packet")
	}

	if _, _, res, err := dst.OnData(1, dataLink.sent[0], []node.ID{1}); err != nil || res != ResultOK {
		t.Fatalf("OnData at dst failed: res=%v err=%v", res, err)
	}

	// dst now owes node 1 a hop-by-hop ack for this flow. As the flow's
	// destination it also owes node 1 a fresh E2E, which Send_One ranks
	// ahead of DATA and SAA, so the first SendOne carries the E2E. After
	// that dst has no DATA queued toward 1, so SendOne falls through to
	// sendSAA.
	saaLink := &captureLink{}
	dst.AddNeighbor(1, saaLink)
	if !dst.SendOne(1) {
		t.Fatalf("SendOne should have sent the pending E2E")
	}
	if !dst.SendOne(1) {
		t.Fatalf("SendOne should have flushed the owed SAA")
	}
	if len(saaLink.sent) != 2 {
		t.Fatalf("expected the E2E then exactly one SAA packet, got %d packets", len(saaLink.sent))
	}
	if owed := dst.pendingSAA[1]; owed[FlowKey{Src: 1, Dst: 2}] {
		t.Fatalf("the SAA debt should be cleared once sent")
	}

	if _, _, res, err := src.OnSAA(2, saaLink.sent[1]); err != nil || res != ResultOK {
		t.Fatalf("OnSAA at src failed: res=%v err=%v", res, err)
	}
}

// TestSendDataClearsOwedSAA covers the piggyback path directly against
// Engine.sendData's bookkeeping: once a DATA packet toward a neighbor goes
// out, any SAA debt owed to that neighbor for the same flow is cleared,
// since the DATA packet's own tail already carries the ack.
func TestSendDataClearsOwedSAA(t *testing.T) {
	srcPriv, srcPub := testRSAPair(t)
	pubKey := func(node.ID) (*rsa.PublicKey, error) { return srcPub, nil }
	src, _ := newTestEngine(t, 1, srcPriv, pubKey)

	src.e2e.byDst[2] = map[node.ID]wire.E2ECell{1: {Src: 1}}
	link := &captureLink{}
	src.AddNeighbor(2, link)
	if _, res, err := src.SendLocal(2, []byte("payload"), []node.ID{2}); err != nil || res != ResultOK {
		t.Fatalf("SendLocal: res=%v err=%v", res, err)
	}
	key := FlowKey{Src: 1, Dst: 2}
	src.oweSAA(2, key)

	src.queueFor(2).Enqueue(key)
	if !src.SendOne(2) {
		t.Fatalf("expected the DATA packet to send")
	}
	if owed := src.pendingSAA[2]; owed[key] {
		t.Fatalf("sendData must clear the SAA debt it piggybacked")
	}
}

package itlink

import (
	"testing"
	"time"

	"github.com/spines-itcore/spines/cmn"
	"github.com/spines-itcore/spines/core"
	"github.com/spines-itcore/spines/node"
	"github.com/spines-itcore/spines/wire"
)

// pairedLinks wires two Links' SendFuncs directly into each other's raw
// wire feed, skipping sockets entirely, and marks both sides as having an
// already-established (unencrypted) session so Preprocess doesn't bounce
// every packet back to the DH handshake.
func pairedLinks(t *testing.T) (a, b *Link, feedA, feedB *[][]byte) {
	t.Helper()
	cfg := cmn.DefaultConfig()
	// With TCPFairness on, a Link opens at cwnd 2; turning it off opens the
	// full window so one multi-fragment Send puts every fragment on the wire.
	cfg.ITLink.TCPFairness = false
	poolA, poolB := core.NewPool(), core.NewPool()

	var outA, outB [][]byte
	a = NewLink(1, node.Leg{Local: 1, Remote: 2}, 2, 1, cfg, poolA, 1, func(b []byte) error {
		outA = append(outA, append([]byte(nil), b...))
		return nil
	})
	b = NewLink(2, node.Leg{Local: 2, Remote: 1}, 1, 2, cfg, poolB, 1, func(bs []byte) error {
		outB = append(outB, append([]byte(nil), bs...))
		return nil
	})
	a.dh, b.dh = dhEstablished, dhEstablished
	return a, b, &outA, &outB
}

// deliver feeds every raw datagram b sent into a into the other side's
// Preprocess/ProcessData/ProcessAck pipeline, the way engine.OnPacket does.
func deliver(t *testing.T, recv *Link, raw []byte, out *[]byte) {
	t.Helper()
	body, hdr, ok := recv.Preprocess(raw)
	if !ok {
		t.Fatalf("Preprocess rejected a packet it should have accepted")
	}
	switch hdr.Type {
	case wire.TypeData:
		var tail wire.IntruTolPktTail
		rest, err := tail.Unmarshal(body[hdr.DataLen:])
		if err != nil {
			t.Fatalf("tail unmarshal: %v", err)
		}
		nacks, err := wire.UnmarshalNACKs(rest)
		if err != nil {
			t.Fatalf("nacks unmarshal: %v", err)
		}
		recv.ProcessAck(tail, true, time.Now())
		recv.ProcessNacks(nacks, time.Now())
		recv.ProcessData(tail, body[:hdr.DataLen], func(msg []byte) {
			*out = append(*out, msg...)
		})
	}
}

func TestSendFragmentsAndReassemblesAtomically(t *testing.T) {
	a, b, outA, _ := pairedLinks(t)

	msg := make([]byte, MaxFragmentPayload*3+17) // spans 4 fragments
	for i := range msg {
		msg[i] = byte(i)
	}
	pool := core.NewPool()
	res, err := a.Send(pool.GetElements([][]byte{msg}))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res != ResultOK {
		t.Fatalf("Send result = %v, want ResultOK", res)
	}
	if len(*outA) != 4 {
		t.Fatalf("expected 4 fragments transmitted, got %d", len(*outA))
	}

	var delivered []byte
	for _, raw := range *outA {
		deliver(t, b, raw, &delivered)
	}
	if len(delivered) != len(msg) {
		t.Fatalf("reassembled message length = %d, want %d", len(delivered), len(msg))
	}
	for i := range msg {
		if delivered[i] != msg[i] {
			t.Fatalf("reassembled message differs at byte %d", i)
		}
	}
}

func TestSendRejectsWhenFragmentsExceedRemainingWindow(t *testing.T) {
	a, _, _, _ := pairedLinks(t)
	for i := 0; i < MaxSendOnLink; i++ {
		pool := core.NewPool()
		if res, err := a.Send(pool.GetElements([][]byte{[]byte("x")})); err != nil || res != ResultOK {
			t.Fatalf("priming Send %d: res=%v err=%v", i, res, err)
		}
	}
	pool := core.NewPool()
	res, err := a.Send(pool.GetElements([][]byte{[]byte("one more")}))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res != ResultFull {
		t.Fatalf("Send result = %v, want ResultFull once the window is exhausted", res)
	}
}

func TestOutOfOrderFragmentIsNotDelivered(t *testing.T) {
	a, b, outA, _ := pairedLinks(t)

	msg := make([]byte, MaxFragmentPayload*2+1) // 3 fragments
	pool := core.NewPool()
	if _, err := a.Send(pool.GetElements([][]byte{msg})); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(*outA) != 3 {
		t.Fatalf("expected 3 fragments, got %d", len(*outA))
	}

	var delivered []byte
	// Deliver fragment 0, then skip straight to fragment 2: b's incoming
	// window stores it, but cannot drain past the missing link_seq 1, so only
	// fragment 0 reaches reassembly and no truncated message is delivered.
	deliver(t, b, (*outA)[0], &delivered)
	deliver(t, b, (*outA)[2], &delivered)
	if len(delivered) != 0 {
		t.Fatalf("an out-of-sequence fragment must not be delivered, got %d bytes", len(delivered))
	}
}

func TestNackTriggersImmediateRetransmit(t *testing.T) {
	a, _, outA, _ := pairedLinks(t)

	pool := core.NewPool()
	seq, ok := a.window.Admit(pool.Get(8))
	if !ok {
		t.Fatalf("Admit failed")
	}
	if err := a.transmitOut(seq, nil); err != nil {
		t.Fatalf("transmitOut: %v", err)
	}
	a.window.MarkSent(seq, time.Now(), time.Hour) // push the natural deadline far out
	before := len(*outA)

	a.ProcessNacks([]uint64{uint64(seq)}, time.Now())
	if len(*outA) != before+1 {
		t.Fatalf("ProcessNacks should have triggered exactly one retransmit, got %d new sends", len(*outA)-before)
	}
}

func TestPingPongRoundTripUpdatesRTTAndStatus(t *testing.T) {
	a, b, outA, outB := pairedLinks(t)
	a.setStatus(StatusLossy) // OnPong should restore StatusLive

	a.SendPing()
	if len(*outA) != 1 {
		t.Fatalf("SendPing should emit exactly one packet, got %d", len(*outA))
	}

	body, hdr, ok := b.Preprocess((*outA)[0])
	if !ok || hdr.Type != wire.TypePing {
		t.Fatalf("Preprocess of a ping failed or mistyped: ok=%v type=%v", ok, hdr.Type)
	}
	if !b.ShouldReflectPing(time.Now()) {
		t.Fatalf("first reflection of a ping must be allowed")
	}
	nonce := beUint32(body)
	b.SendPong(hdr.SeqNo, nonce)
	if len(*outB) != 1 {
		t.Fatalf("SendPong should emit exactly one packet, got %d", len(*outB))
	}

	pbody, phdr, ok := a.Preprocess((*outB)[0])
	if !ok || phdr.Type != wire.TypePong {
		t.Fatalf("Preprocess of a pong failed or mistyped: ok=%v type=%v", ok, phdr.Type)
	}
	a.OnPong(phdr.SeqNo, beUint32(pbody))
	if defaultRTT := time.Duration(cmn.DefaultConfig().ITLink.DefaultRTTMillis) * time.Millisecond; a.rtt >= defaultRTT {
		t.Fatalf("a sub-millisecond round trip should pull rtt below the %v default, got %v", defaultRTT, a.rtt)
	}
	if a.Status() != StatusLive {
		t.Fatalf("OnPong should restore StatusLive, got %v", a.Status())
	}
	if _, stillPending := a.pingHistory[phdr.SeqNo]; stillPending {
		t.Fatalf("OnPong should clear the answered ping from history")
	}
}

func TestShouldReflectPingThrottlesWithinHalfTimeout(t *testing.T) {
	_, b, _, _ := pairedLinks(t)
	now := time.Now()
	if !b.ShouldReflectPing(now) {
		t.Fatalf("first reflection must be allowed")
	}
	if b.ShouldReflectPing(now.Add(time.Microsecond)) {
		t.Fatalf("a second reflection within half of PingTimeoutUsec must be throttled")
	}
}

func beUint32(b []byte) uint32 {
	if len(b) < 4 {
		return 0
	}
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

package itlink

import (
	"crypto/rsa"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"

	ourcrypto "github.com/spines-itcore/spines/crypto"
	"github.com/spines-itcore/spines/wire"
)

// dhPacket is the signed handshake body of spec.md §4.1.7:
// {localIfaceId, remoteIfaceId, myIncarnation, ngbrIncarnation, pubKeyLen,
// pubKey, configHash, rsaSig}. It is marshaled by hand (not via the wire
// package's fixed-width structs) because pubKey and rsaSig are
// variable-length.
type dhPacket struct {
	LocalIface  uint16
	RemoteIface uint16
	MyIncar     uint32
	NgbrIncar   uint32
	PubKey      []byte
	ConfigHash  [32]byte
	Sig         []byte
}

func (p *dhPacket) signedPortion() []byte {
	buf := make([]byte, 0, 12+2+len(p.PubKey)+32)
	buf = binary.BigEndian.AppendUint16(buf, p.LocalIface)
	buf = binary.BigEndian.AppendUint16(buf, p.RemoteIface)
	buf = binary.BigEndian.AppendUint32(buf, p.MyIncar)
	buf = binary.BigEndian.AppendUint32(buf, p.NgbrIncar)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.PubKey)))
	buf = append(buf, p.PubKey...)
	buf = append(buf, p.ConfigHash[:]...)
	return buf
}

func (p *dhPacket) marshal() []byte {
	buf := p.signedPortion()
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.Sig)))
	return append(buf, p.Sig...)
}

func unmarshalDHPacket(b []byte) (*dhPacket, error) {
	if len(b) < 14 {
		return nil, wire.ErrShortBuffer
	}
	p := &dhPacket{
		LocalIface:  binary.BigEndian.Uint16(b),
		RemoteIface: binary.BigEndian.Uint16(b[2:]),
		MyIncar:     binary.BigEndian.Uint32(b[4:]),
		NgbrIncar:   binary.BigEndian.Uint32(b[8:]),
	}
	pkLen := int(binary.BigEndian.Uint16(b[12:]))
	b = b[14:]
	if len(b) < pkLen+32+2 {
		return nil, wire.ErrShortBuffer
	}
	p.PubKey = append([]byte(nil), b[:pkLen]...)
	b = b[pkLen:]
	copy(p.ConfigHash[:], b[:32])
	b = b[32:]
	sigLen := int(binary.BigEndian.Uint16(b))
	b = b[2:]
	if len(b) < sigLen {
		return nil, wire.ErrShortBuffer
	}
	p.Sig = append([]byte(nil), b[:sigLen]...)
	return p, nil
}

// StartHandshake generates a fresh local DH keypair and builds the signed
// packet retried every DH_Timeout until established (spec.md §4.1.7).
func (l *Link) StartHandshake(localIface, remoteIface uint16, priv *rsa.PrivateKey, cfg interface{ ConfigHash() [32]byte }) error {
	kp, err := ourcrypto.GenerateDHKeypair()
	if err != nil {
		return errors.Wrap(err, "itlink: generate dh keypair")
	}
	l.dhLocal = kp
	l.dh = dhGenerated

	pkt := &dhPacket{
		LocalIface:  localIface,
		RemoteIface: remoteIface,
		MyIncar:     l.myIncarnation,
		NgbrIncar:   l.ngbrIncarnation,
		PubKey:      kp.PublicBytes(),
		ConfigHash:  cfg.ConfigHash(),
	}
	sig, err := ourcrypto.Sign(priv, pkt.signedPortion())
	if err != nil {
		return errors.Wrap(err, "itlink: sign dh packet")
	}
	pkt.Sig = sig
	l.pendingDHBody = pkt.marshal()
	return nil
}

// RetryHandshake re-sends the pending signed DH packet; registered with
// hk at DH_Timeout cadence until DHEstablished cancels it.
func (l *Link) RetryHandshake() time.Duration {
	if l.dh == dhEstablished || l.pendingDHBody == nil || l.send == nil {
		return 0
	}
	hdr := wire.PacketHeader{Type: wire.TypeDH, SeqNo: 0}
	out := hdr.Marshal(make([]byte, 0, wire.PacketHeaderSize+len(l.pendingDHBody)))
	out = append(out, l.pendingDHBody...)
	if err := l.send(out); err != nil {
		return time.Duration(l.cfg.ITLink.DHTimeoutUsec) * time.Microsecond
	}
	return time.Duration(l.cfg.ITLink.DHTimeoutUsec) * time.Microsecond
}

// OnDHPacket verifies the peer's signed handshake packet against their
// RSA public key, computes the shared secret, and derives session keys
// (spec.md §4.1.7). An RSA verification failure is dropped silently; the
// handshake times out and retries on the sender's side.
func (l *Link) OnDHPacket(body []byte, peerPub *rsa.PublicKey, expectedConfigHash [32]byte) error {
	pkt, err := unmarshalDHPacket(body)
	if err != nil {
		return errors.Wrap(err, "itlink: malformed dh packet")
	}
	if pkt.ConfigHash != expectedConfigHash {
		return errors.New("itlink: dh packet config hash mismatch")
	}
	if err := ourcrypto.Verify(peerPub, pkt.signedPortion(), pkt.Sig); err != nil {
		return errors.Wrap(err, "itlink: dh signature verification failed")
	}

	if l.dhLocal == nil {
		kp, err := ourcrypto.GenerateDHKeypair()
		if err != nil {
			return errors.Wrap(err, "itlink: generate dh keypair")
		}
		l.dhLocal = kp
	}
	aesKey, hmacKey, err := l.dhLocal.SharedSecret(pkt.PubKey)
	if err != nil {
		return errors.Wrap(err, "itlink: derive shared secret")
	}
	l.aesKey, l.hmacKey = aesKey, hmacKey
	l.dh = dhGenerated // becomes dhEstablished on the first successfully decrypted message

	if pkt.MyIncar > l.ngbrIncarnation {
		l.ngbrIncarnation = pkt.MyIncar
	}
	return nil
}

// DHEstablished is called on the first successfully decrypted message
// under the new key (spec.md §4.1.7): it cancels re-sends and marks the
// link ready for ping/loss tracking.
func (l *Link) DHEstablished() {
	if l.dh == dhEstablished {
		return
	}
	l.dh = dhEstablished
	l.pendingDHBody = nil
}

func (l *Link) Established() bool { return l.dh == dhEstablished }

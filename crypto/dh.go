package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"

	"crypto/sha256"
	"io"
)

// Curve is fixed at P-256: the original daemon's DH handshake negotiates a
// classic multiplicative-group secret, but nothing in spec.md constrains the
// group beyond "Diffie-Hellman key agreement", so the agreed secret is
// carried over ECDH for constant-time scalar multiplication and to avoid
// hand-rolling safe-prime validation (no ecosystem classic-DH package was
// found among the retrieved examples; see DESIGN.md).
var Curve = ecdh.P256()

// DHKeypair is one side's ephemeral handshake keypair (spec.md §4.1.7).
type DHKeypair struct {
	priv *ecdh.PrivateKey
}

func GenerateDHKeypair() (*DHKeypair, error) {
	priv, err := Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: generate dh keypair")
	}
	return &DHKeypair{priv: priv}, nil
}

// PublicBytes returns the uncompressed point to be embedded in the signed
// handshake packet.
func (kp *DHKeypair) PublicBytes() []byte { return kp.priv.PublicKey().Bytes() }

// SharedSecret computes ECDH(priv, peerPub) and HKDF-expands it into an
// AES key and an HMAC key, replacing security.c's raw shared-secret-as-key
// scheme with proper key separation (HKDF-SHA256, RFC 5869).
func (kp *DHKeypair) SharedSecret(peerPub []byte) (aesKey, hmacKey []byte, err error) {
	pub, err := Curve.NewPublicKey(peerPub)
	if err != nil {
		return nil, nil, errors.Wrap(err, "crypto: parse peer dh public key")
	}
	secret, err := kp.priv.ECDH(pub)
	if err != nil {
		return nil, nil, errors.Wrap(err, "crypto: ecdh")
	}
	return DeriveKeys(secret)
}

// DeriveKeys expands a raw shared secret into a KeySize AES key and a
// HMACSize HMAC key via HKDF-SHA256, each bound to a distinct info label so
// the two keys are cryptographically independent.
func DeriveKeys(secret []byte) (aesKey, hmacKey []byte, err error) {
	aesKey = make([]byte, KeySize)
	hmacKey = make([]byte, HMACSize)

	aesR := hkdf.New(sha256.New, secret, nil, []byte("spines it-link aes"))
	if _, err = io.ReadFull(aesR, aesKey); err != nil {
		return nil, nil, errors.Wrap(err, "crypto: hkdf expand aes key")
	}
	hmacR := hkdf.New(sha256.New, secret, nil, []byte("spines it-link hmac"))
	if _, err = io.ReadFull(hmacR, hmacKey); err != nil {
		return nil, nil, errors.Wrap(err, "crypto: hkdf expand hmac key")
	}
	return aesKey, hmacKey, nil
}

func (kp *DHKeypair) String() string {
	return fmt.Sprintf("dh-keypair(pub=%x)", kp.PublicBytes()[:8])
}

package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"

	"github.com/pkg/errors"
)

// Sign produces an RSASSA-PKCS1-v1_5/SHA-256 signature over data. It is
// used for the handshake packet (DH public value plus config hash,
// spec.md §4.1.7, §6) and for Priority-Flood and Reliable-Flood messages;
// it checks nothing about the key beyond what rsa.SignPKCS1v15 does.
func Sign(priv *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return nil, errors.Wrap(err, "crypto: rsa sign")
	}
	return sig, nil
}

// Verify reports whether sig is a valid signature of data under pub.
func Verify(pub *rsa.PublicKey, data, sig []byte) error {
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return errors.Wrap(err, "crypto: rsa verify")
	}
	return nil
}

// ParsePrivateKeyPEM loads a PKCS#1 or PKCS#8 RSA private key from PEM,
// the format the daemon's neighbor-authentication keys are provisioned in.
func ParsePrivateKeyPEM(b []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("crypto: no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: parse rsa private key")
	}
	key, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("crypto: PEM key is not RSA")
	}
	return key, nil
}

// ParsePublicKeyPEM loads an RSA public key (PKIX, typically extracted from
// a neighbor's certificate) from PEM.
func ParsePublicKeyPEM(b []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("crypto: no PEM block found")
	}
	k, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: parse rsa public key")
	}
	key, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("crypto: PEM key is not RSA")
	}
	return key, nil
}

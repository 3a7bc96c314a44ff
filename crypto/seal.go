package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"

	"github.com/pkg/errors"
)

var (
	ErrShortCiphertext = errors.New("crypto: sealed body shorter than minimum overhead")
	ErrBadHMAC         = errors.New("crypto: hmac mismatch")
)

// Seal authenticates plaintext with hmacKey and, when encrypt is true, also
// encrypts it with aesKey under a fresh random IV. It reproduces
// Sec_lock_msg's two wire shapes:
//
//	encrypt=true:  AES-128-CBC(plaintext) || IV || HMAC-SHA256(ciphertext||IV)
//	encrypt=false: plaintext || HMAC-SHA256(plaintext)
//
// aesKey is ignored when encrypt is false.
func Seal(aesKey, hmacKey, plaintext []byte, encrypt bool) ([]byte, error) {
	if !encrypt {
		return appendHMAC(hmacKey, plaintext, plaintext), nil
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: new aes cipher")
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())
	iv := make([]byte, block.BlockSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, errors.Wrap(err, "crypto: generate iv")
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	body := make([]byte, 0, len(ciphertext)+len(iv)+HMACSize)
	body = append(body, ciphertext...)
	body = append(body, iv...)
	return appendHMAC(hmacKey, body, body), nil
}

// Unseal reverses Seal. It verifies the trailing HMAC before touching the
// ciphertext (verify-then-decrypt), then (if encrypt) strips the IV and
// decrypts.
func Unseal(aesKey, hmacKey, sealed []byte, encrypt bool) ([]byte, error) {
	body, err := verifyHMAC(hmacKey, sealed)
	if err != nil {
		return nil, err
	}
	if !encrypt {
		return body, nil
	}

	blockSize := BlockSize
	if len(body) < blockSize {
		return nil, ErrShortCiphertext
	}
	iv := body[len(body)-blockSize:]
	ciphertext := body[:len(body)-blockSize]
	if len(ciphertext)%blockSize != 0 || len(ciphertext) == 0 {
		return nil, ErrShortCiphertext
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, errors.Wrap(err, "crypto: new aes cipher")
	}
	plainPadded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plainPadded, ciphertext)

	return pkcs7Unpad(plainPadded)
}

func appendHMAC(hmacKey, mac, body []byte) []byte {
	mc := hmac.New(sha256.New, hmacKey)
	mc.Write(mac)
	sum := mc.Sum(nil)
	out := make([]byte, 0, len(body)+len(sum))
	out = append(out, body...)
	out = append(out, sum...)
	return out
}

func verifyHMAC(hmacKey, sealed []byte) ([]byte, error) {
	if len(sealed) < HMACSize {
		return nil, ErrShortCiphertext
	}
	body := sealed[:len(sealed)-HMACSize]
	want := sealed[len(sealed)-HMACSize:]

	mc := hmac.New(sha256.New, hmacKey)
	mc.Write(body)
	got := mc.Sum(nil)
	if !hmac.Equal(got, want) {
		return nil, ErrBadHMAC
	}
	return body, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrShortCiphertext
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > len(data) || pad > BlockSize {
		return nil, errors.New("crypto: invalid pkcs7 padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, errors.New("crypto: invalid pkcs7 padding")
		}
	}
	return data[:len(data)-pad], nil
}

// Package crypto provides the link-layer cryptographic primitives named by
// spec.md §4.1.2 and §4.1.7: Diffie-Hellman key agreement authenticated by
// an RSA signature, and AES-CBC+HMAC-SHA256 sealing of IT-Link packets.
//
// The wire format sealed/unsealed here is grounded on security.c's
// Sec_lock_msg/Sec_unlock_msg: when encryption is enabled a packet body is
// `ciphertext || IV || HMAC`; when it is disabled (authentication only) a
// packet body is `plaintext || HMAC`. security.h fixes SECURITY_MIN_KEY_SIZE,
// SECURITY_MAX_BLOCK_SIZE and SECURITY_MIN_HMAC_SIZE/MAX_HMAC_SIZE all at 16,
// 16 and 32 respectively, which is exactly AES-128-CBC and HMAC-SHA256.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package crypto

import "github.com/OneOfOne/xxhash"

const (
	KeySize  = 16 // SECURITY_MIN_KEY_SIZE / SECURITY_MAX_KEY_SIZE
	BlockSize = 16 // SECURITY_MAX_BLOCK_SIZE
	HMACSize = 32 // SECURITY_MIN_HMAC_SIZE / SECURITY_MAX_HMAC_SIZE
	MaxOverhead = BlockSize /* padding */ + BlockSize /* iv */ + HMACSize
)

// Hash64 is a fast, non-cryptographic digest (xxhash64). The dedup filters,
// belly-store keys and nonce chains do not use it; it is never used where
// tamper evidence is required (that's HMAC's job).
func Hash64(b []byte) uint64 {
	return xxhash.Checksum64(b)
}

// HashString64 is Hash64 for a string without an extra allocation.
func HashString64(s string) uint64 {
	return xxhash.ChecksumString64(s)
}

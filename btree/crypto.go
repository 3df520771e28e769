package btree

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/chacha20"
)

// EncryptionKeySize is the required length of a Tree's optional payload
// encryption key.
const EncryptionKeySize = chacha20.KeySize

// payloadCipher derives a unique per-sector nonce from an LBA and returns
// an XChaCha20 cipher keyed with key and that nonce. Record sectors are
// opaque, fixed-size, and written verbatim, so an AEAD construction
// can't be used here without growing the sector past 1024 bytes for its
// tag: XChaCha20 as a bare stream cipher keeps ciphertext and plaintext
// the same length, so the fixed-sector invariant holds whether or not
// encryption is configured. Because every LBA is allocated at most once,
// deriving the nonce from the LBA instead of storing one is safe: no two
// sectors ever share a nonce under the same key.
func payloadCipher(key []byte, lba uint32) (*chacha20.Cipher, error) {
	if len(key) != EncryptionKeySize {
		return nil, fmt.Errorf("btree: encryption key must be %d bytes, got %d", EncryptionKeySize, len(key))
	}

	var lbaBytes [4]byte
	lbaBytes[0] = byte(lba)
	lbaBytes[1] = byte(lba >> 8)
	lbaBytes[2] = byte(lba >> 16)
	lbaBytes[3] = byte(lba >> 24)

	digest := sha256.Sum256(lbaBytes[:])
	nonce := digest[:chacha20.NonceSizeX]

	return chacha20.NewUnauthenticatedCipher(key, nonce)
}

// encryptPayload returns the ciphertext form of a plaintext record for
// the sector at lba, in a newly allocated slice; record is not modified.
func encryptPayload(key []byte, lba uint32, record []byte) ([]byte, error) {
	c, err := payloadCipher(key, lba)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(record))
	c.XORKeyStream(out, record)
	return out, nil
}

// decryptPayload reverses encryptPayload; XChaCha20 is its own inverse
// given the same key and nonce.
func decryptPayload(key []byte, lba uint32, ciphertext []byte) ([]byte, error) {
	return encryptPayload(key, lba, ciphertext)
}

// Package crypto implements the one fixed AEAD this engine uses
// (AES-256-GCM with a 96-bit nonce) and the key-derivation oracle
// interface the engine consumes. There is no cryptographic agility:
// every caller derives a 32-byte key from a label, then seals or opens
// with that key and an explicit nonce.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/coldvault/coldvault/internal/errors"
)

// NonceSize is the length in bytes of the AEAD nonce used everywhere in
// the engine: packfile headers (the packfile id), blob data (a random
// nonce stored alongside the ciphertext), and index shards (the shard
// id, zero-padded).
const NonceSize = 12

// KeySize is the length in bytes of an AEAD key.
const KeySize = 32

// Extension is the number of bytes GCM adds to a plaintext of any
// length: the authentication tag. Unlike the nonce (which this engine
// always stores separately, as a sibling field), the tag is appended
// to the ciphertext by Seal/Open.
const Extension = 16

// ErrUnauthenticated is returned when ciphertext verification fails,
// i.e. the data was tampered with or encrypted/decrypted with the
// wrong key or nonce.
var ErrUnauthenticated = errors.New("ciphertext verification failed")

// Key is a 32-byte AES-256 key, ready to seal or open with a
// caller-supplied nonce.
type Key [KeySize]byte

func newGCM(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "aes.NewCipher")
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, errors.Wrap(err, "cipher.NewGCM")
	}

	return gcm, nil
}

// Seal encrypts and authenticates plaintext with key and nonce, with no
// associated data (every wire format in this engine uses an empty
// AAD). It returns ciphertext appended to dst, following the
// append-style convention of cipher.AEAD.Seal.
func Seal(dst []byte, key Key, nonce [NonceSize]byte, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	return gcm.Seal(dst, nonce[:], plaintext, nil), nil
}

// Open verifies and decrypts ciphertext (which must end with the GCM
// authentication tag) with key and nonce, appending the plaintext to
// dst. It returns ErrUnauthenticated if the ciphertext was tampered
// with or the key/nonce do not match how it was sealed.
func Open(dst []byte, key Key, nonce [NonceSize]byte, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(dst, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, ErrUnauthenticated
	}

	return plaintext, nil
}

// CiphertextLength returns the length of the sealed output for a
// plaintext of the given length (the tag is appended; the nonce is
// never included, since every wire format in this engine stores it as
// a separate sibling field).
func CiphertextLength(plaintextLen int) int {
	return plaintextLen + Extension
}

// PlaintextLength returns the length of the plaintext a ciphertext of
// the given length (tag included, nonce excluded) will decrypt to.
func PlaintextLength(ciphertextLen int) int {
	return ciphertextLen - Extension
}

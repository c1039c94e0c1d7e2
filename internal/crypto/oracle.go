package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/coldvault/coldvault/internal/errors"
)

// Oracle derives a 32-byte symmetric key from an arbitrary info label.
// The engine treats it as an external collaborator: it never sees or
// manages the master key the oracle derives from, and the same label
// must always yield the same key for the lifetime of a store directory
// (the engine re-derives the "header" and "index" keys, and every
// blob's per-hash key, on every open).
//
// Labels used by this engine: "header" (packfile headers), "index"
// (index shards), and the raw 32-byte BlobHash of each blob (per-blob
// data keys).
type Oracle interface {
	DeriveKey(info []byte) (Key, error)
}

// hkdfOracle is the default Oracle, standing in for whatever
// passphrase/mnemonic-derived master-key machinery the surrounding
// system uses (out of scope for this engine). It expands a master key
// into per-label subkeys with HKDF-SHA256, following the same
// extract-then-expand pattern used elsewhere in the corpus to derive
// per-purpose subkeys from a single master secret.
type hkdfOracle struct {
	masterKey []byte
}

// NewHKDFOracle returns an Oracle that derives keys from masterKey with
// HKDF-SHA256. masterKey should be at least 32 bytes of high-entropy
// material; it is never stored or logged, only read during DeriveKey.
func NewHKDFOracle(masterKey []byte) Oracle {
	// copy defensively: callers sometimes hold the master key in a
	// buffer they zero after construction.
	mk := make([]byte, len(masterKey))
	copy(mk, masterKey)
	return &hkdfOracle{masterKey: mk}
}

func (o *hkdfOracle) DeriveKey(info []byte) (Key, error) {
	var key Key

	r := hkdf.New(sha256.New, o.masterKey, nil, info)
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return Key{}, errors.Wrap(err, "hkdf expand")
	}

	return key, nil
}

// Package blobindex implements BI, the on-disk hash-to-packfile lookup
// table that sits behind the packfile engine. It is a set of small
// encrypted shard files in a single directory; loading the index
// concatenates every shard into one sorted slice so FindPackfile can
// binary-search it.
package blobindex

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/coldvault/coldvault/internal/crypto"
	"github.com/coldvault/coldvault/internal/debug"
	"github.com/coldvault/coldvault/internal/errors"
	"github.com/coldvault/coldvault/internal/wire"
)

// Hash identifies a blob by the SHA-256 (or equivalent) digest of its
// plaintext, uncompressed contents.
type Hash [32]byte

// PackfileID is the random 12-byte identifier of a packfile, doubling
// as the AEAD nonce for that packfile's header.
type PackfileID [12]byte

// MaxShardEntries bounds how many hash/packfile-id pairs accumulate in
// memory before they are forced out to a new shard file, keeping any
// single shard's plaintext around 2 MiB (entries * 44 bytes).
const MaxShardEntries = 50_000

const nonceSize = crypto.NonceSize

// keyLabel is the HKDF info string used to derive the key that
// encrypts every index shard, regardless of shard number.
var keyLabel = []byte("index")

type entry struct {
	hash       Hash
	packfileID PackfileID
}

// Handle accumulates the blob hashes written into one in-progress
// packfile, between BeginPackfile and FinalizePackfile.
type Handle struct {
	blobs []Hash
}

// Index is the sharded, encrypted blob_hash -> packfile_id index.
//
// Index is not safe for concurrent mutation: AddToPackfile,
// FinalizePackfile and Flush must be called from a single writer, the
// same constraint the packfile engine that owns an Index observes for
// itself. FindPackfile and IsBlobDuplicate may be called concurrently
// with each other and are internally synchronized, since restores are
// expected to issue concurrent lookups.
type Index struct {
	dir string

	mu          sync.Mutex
	items       []entry // loaded from disk, sorted by hash once populated
	itemsBuf    []entry // accumulated, not yet flushed to disk
	blobsQueued map[Hash]struct{}
	lastFileNum uint32
	loaded      bool
	dirty       bool
	closed      bool

	oracle          crypto.Oracle
	maxShardEntries int
}

// Open loads (but does not yet read) the index rooted at dir, creating
// the directory if it does not exist. The numeric suffix of existing
// shard files determines where new shards continue numbering from.
// maxShardEntries overrides MaxShardEntries when positive, letting
// callers exercise shard rollover without writing 50,000 real entries;
// zero or negative selects the package default.
func Open(dir string, oracle crypto.Oracle, maxShardEntries int) (*Index, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create index directory")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "read index directory")
	}

	var maxNum uint32
	for _, e := range entries {
		n, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue // ignore files that don't match our naming scheme
		}
		if uint32(n) > maxNum {
			maxNum = uint32(n)
		}
	}

	if maxShardEntries <= 0 {
		maxShardEntries = MaxShardEntries
	}

	idx := &Index{
		dir:             dir,
		blobsQueued:     make(map[Hash]struct{}),
		lastFileNum:     maxNum,
		oracle:          oracle,
		maxShardEntries: maxShardEntries,
	}

	runtime.SetFinalizer(idx, finalizeIndex)
	return idx, nil
}

func finalizeIndex(idx *Index) {
	if idx.dirty {
		fmt.Fprintln(os.Stderr, "blobindex: index was garbage collected while dirty, without calling Flush/Close")
		os.Exit(1)
	}
}

// BeginPackfile starts tracking the blobs that will belong to a new,
// not-yet-finalized packfile.
func (idx *Index) BeginPackfile() *Handle {
	return &Handle{}
}

// AddToPackfile records that hash will be written into the packfile
// tracked by h. It returns ErrDuplicateBlob if hash
// has already been queued for writing (in this or an earlier
// packfile), in which case the caller must not store the blob again.
func (idx *Index) AddToPackfile(h *Handle, hash Hash) error {
	h.blobs = append(h.blobs, hash)

	idx.mu.Lock()
	_, dup := idx.blobsQueued[hash]
	idx.blobsQueued[hash] = struct{}{}
	idx.mu.Unlock()

	if dup {
		return ErrDuplicateBlob
	}
	return nil
}

// FinalizePackfile commits every blob tracked by h to packfileID,
// pushing each (hash, packfileID) pair into the pending shard buffer.
func (idx *Index) FinalizePackfile(h *Handle, packfileID PackfileID) error {
	for _, hash := range h.blobs {
		if err := idx.push(hash, packfileID); err != nil {
			return err
		}
	}
	return nil
}

// IsBlobDuplicate reports whether hash has already been queued in this
// session, or is already present in a committed shard on disk.
func (idx *Index) IsBlobDuplicate(hash Hash) (bool, error) {
	idx.mu.Lock()
	_, queued := idx.blobsQueued[hash]
	idx.mu.Unlock()
	if queued {
		return true, nil
	}

	_, found, err := idx.FindPackfile(hash)
	if err != nil {
		return false, err
	}
	return found, nil
}

// FindPackfile looks up which packfile holds hash, loading the index
// from disk on first use only; shards flushed by this Index after that
// load are not seen until the index is reopened. It is safe to call
// concurrently.
func (idx *Index) FindPackfile(hash Hash) (PackfileID, bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if !idx.loaded {
		if err := idx.load(); err != nil {
			return PackfileID{}, false, err
		}
	}

	i := sort.Search(len(idx.items), func(i int) bool {
		return bytes.Compare(idx.items[i].hash[:], hash[:]) >= 0
	})
	if i < len(idx.items) && idx.items[i].hash == hash {
		return idx.items[i].packfileID, true, nil
	}
	return PackfileID{}, false, nil
}

func (idx *Index) push(hash Hash, packfileID PackfileID) error {
	idx.mu.Lock()
	idx.itemsBuf = append(idx.itemsBuf, entry{hash: hash, packfileID: packfileID})
	idx.dirty = true
	needsFlush := len(idx.itemsBuf) >= idx.maxShardEntries
	idx.mu.Unlock()

	if needsFlush {
		return idx.Flush()
	}
	return nil
}

// load reads every shard file in idx.dir, decrypting and decoding each
// into idx.items, then sorts the combined slice by hash so FindPackfile
// can binary-search it. Callers must hold idx.mu.
func (idx *Index) load() error {
	dirEntries, err := os.ReadDir(idx.dir)
	if err != nil {
		return errors.Wrap(err, "read index directory")
	}

	key, err := idx.oracle.DeriveKey(keyLabel)
	if err != nil {
		return errors.Wrap(err, "derive index key")
	}

	for _, de := range dirEntries {
		n, err := strconv.ParseUint(de.Name(), 10, 32)
		if err != nil {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(idx.dir, de.Name()))
		if err != nil {
			return errors.Wrapf(err, "read index shard %s", de.Name())
		}

		nonce := counterToNonce(uint32(n))
		plain, err := crypto.Open(nil, key, nonce, raw)
		if err != nil {
			return errors.Wrapf(err, "decrypt index shard %s", de.Name())
		}

		shard, err := decodeShard(plain)
		if err != nil {
			return errors.Wrapf(err, "decode index shard %s", de.Name())
		}
		idx.items = append(idx.items, shard...)
	}

	sort.Slice(idx.items, func(i, j int) bool {
		return bytes.Compare(idx.items[i].hash[:], idx.items[j].hash[:]) < 0
	})
	idx.loaded = true

	debug.Log("blobindex: loaded %d entries from %s", len(idx.items), idx.dir)
	return nil
}

// Flush writes every pending (hash, packfile id) pair out as a new,
// encrypted shard file and clears the pending buffer.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if len(idx.itemsBuf) == 0 {
		idx.dirty = false
		return nil
	}

	plain := encodeShard(idx.itemsBuf)

	newFileNum := idx.lastFileNum + 1
	if newFileNum == 0 {
		return errors.New("blobindex: shard counter overflow")
	}

	key, err := idx.oracle.DeriveKey(keyLabel)
	if err != nil {
		return errors.Wrap(err, "derive index key")
	}

	nonce := counterToNonce(newFileNum)
	ciphertext, err := crypto.Seal(nil, key, nonce, plain)
	if err != nil {
		return errors.Wrap(err, "encrypt index shard")
	}

	name := fmt.Sprintf("%010d", newFileNum)
	path := filepath.Join(idx.dir, name)
	if err := os.WriteFile(path, ciphertext, 0o600); err != nil {
		return errors.Wrapf(err, "write index shard %s", name)
	}

	idx.lastFileNum = newFileNum
	idx.itemsBuf = idx.itemsBuf[:0]
	idx.dirty = false

	debug.Log("blobindex: flushed shard %s", name)
	return nil
}

// Close flushes any pending entries and disarms the dirty-drop
// finalizer. Close must be the last call made on idx.
func (idx *Index) Close() error {
	idx.mu.Lock()
	if idx.closed {
		idx.mu.Unlock()
		return nil
	}
	idx.closed = true
	idx.mu.Unlock()

	err := idx.Flush()
	runtime.SetFinalizer(idx, nil)
	return err
}

func counterToNonce(fileNumber uint32) [nonceSize]byte {
	var nonce [nonceSize]byte
	nonce[0] = byte(fileNumber)
	nonce[1] = byte(fileNumber >> 8)
	nonce[2] = byte(fileNumber >> 16)
	nonce[3] = byte(fileNumber >> 24)
	return nonce
}

func encodeShard(entries []entry) []byte {
	var buf bytes.Buffer
	wire.PutUvarint(&buf, uint64(len(entries)))
	for _, e := range entries {
		wire.PutBytes(&buf, e.hash[:])
		wire.PutBytes(&buf, e.packfileID[:])
	}
	return buf.Bytes()
}

func decodeShard(data []byte) ([]entry, error) {
	r := bytes.NewReader(data)
	count, err := wire.ReadUvarint(r)
	if err != nil {
		return nil, err
	}

	out := make([]entry, 0, count)
	for i := uint64(0); i < count; i++ {
		var e entry
		if err := wire.ReadFull(r, e.hash[:]); err != nil {
			return nil, err
		}
		if err := wire.ReadFull(r, e.packfileID[:]); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

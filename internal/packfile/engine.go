// Package packfile implements PE, the content-addressed, deduplicating
// blob store built on top of BI (internal/blobindex). It groups
// incoming blobs into packfiles of a target size, compresses each
// blob with zstd and seals it with a key derived individually from the
// blob's own hash, then writes the packfile's header (sealed under the
// packfile's random id) and blob section to a single file under the
// output directory's pack/ subtree.
//
// This mirrors the on-disk layout and write-triggering logic of the
// reference packfile handler: a single writer accumulates a queue of
// blobs and periodically drains it into one or more packfiles, while
// concurrent readers may call GetBlob at any time.
package packfile

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/coldvault/coldvault/internal/blobindex"
	"github.com/coldvault/coldvault/internal/bloblru"
	"github.com/coldvault/coldvault/internal/crypto"
	"github.com/coldvault/coldvault/internal/debug"
	"github.com/coldvault/coldvault/internal/errors"
)

const (
	// BlobMaxUncompressedSize bounds how large a single blob's plaintext
	// may be. It exists so a single pathological blob can't blow past
	// PackfileMaxSize on its own.
	BlobMaxUncompressedSize = 3 * 1024 * 1024

	// PackfileTargetSize is the accumulated blob-data size at which the
	// engine attempts to write out a packfile.
	PackfileTargetSize = 2 * 1024 * 1024

	// PackfileMaxSize is the hard ceiling on a single packfile's size on
	// disk (header + blob section). GetBlob rejects larger files as
	// corrupt, and writing a packfile that would exceed it fails with a
	// fatal error; the write path's own bookkeeping keeps files well
	// under it in practice.
	PackfileMaxSize = 12 * 1024 * 1024

	// PackfileMaxBlobs bounds how many blobs a single packfile may hold,
	// independent of their combined size.
	PackfileMaxBlobs = 100_000
)

const (
	packfileDir = "pack"
	indexDir    = "index"
)

var headerKeyLabel = []byte("header")

// Engine is the packfile read/write path. It owns a blobindex.Index
// for hash-to-packfile lookups and is not safe for concurrent mutation
// (AddBlob/Flush/Close must come from a single writer), but GetBlob may
// be called concurrently with itself and with the writer, matching the
// concurrency model BI already assumes.
type Engine struct {
	packDir string
	oracle  crypto.Oracle
	index   *blobindex.Index
	cfg     Config

	mu     sync.Mutex
	queue  []Blob
	dirty  bool
	closed bool

	headerCache *xsync.MapOf[blobindex.PackfileID, packfileHeader]
	blobCache   *bloblru.Cache
}

// packfileHeader caches a decoded header alongside the file offset
// where its data section begins, so a cache hit can seek straight to
// the data section instead of re-reading and re-decrypting the header.
type packfileHeader struct {
	records   []blobRecord
	dataStart int64
}

// Config customizes an Engine beyond the package defaults
// (BlobMaxUncompressedSize, PackfileTargetSize, PackfileMaxSize,
// PackfileMaxBlobs). Every field left at zero keeps its default;
// overriding them lets tests exercise packfile rollover and index
// shard rollover without waiting for real-scale data.
type Config struct {
	// BlobCacheBytes bounds the size of the decrypted-blob LRU cache
	// fronting GetBlob. Zero selects a modest default.
	BlobCacheBytes int

	// BlobMaxSize, TargetSize, MaxSize and MaxBlobs override the
	// correspondingly named package constants for this engine instance.
	BlobMaxSize int
	TargetSize  int
	MaxSize     int
	MaxBlobs    int

	// IndexShardEntries overrides blobindex.MaxShardEntries for this
	// engine's index.
	IndexShardEntries int
}

func (c Config) blobMaxSize() int {
	if c.BlobMaxSize > 0 {
		return c.BlobMaxSize
	}
	return BlobMaxUncompressedSize
}

func (c Config) targetSize() int {
	if c.TargetSize > 0 {
		return c.TargetSize
	}
	return PackfileTargetSize
}

func (c Config) maxSize() int {
	if c.MaxSize > 0 {
		return c.MaxSize
	}
	return PackfileMaxSize
}

func (c Config) maxBlobs() int {
	if c.MaxBlobs > 0 {
		return c.MaxBlobs
	}
	return PackfileMaxBlobs
}

// Open opens (creating if necessary) the packfile engine rooted at
// dir, with pack/ and index/ subdirectories for packfiles and the blob
// index respectively.
func Open(dir string, oracle crypto.Oracle, cfg Config) (*Engine, error) {
	packDir := filepath.Join(dir, packfileDir)
	if err := os.MkdirAll(packDir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create pack directory")
	}

	idx, err := blobindex.Open(filepath.Join(dir, indexDir), oracle, cfg.IndexShardEntries)
	if err != nil {
		return nil, errors.Wrap(err, "open blob index")
	}

	cacheBytes := cfg.BlobCacheBytes
	if cacheBytes <= 0 {
		cacheBytes = 64 * 1024 * 1024
	}

	e := &Engine{
		packDir:     packDir,
		oracle:      oracle,
		index:       idx,
		cfg:         cfg,
		headerCache: xsync.NewMapOf[blobindex.PackfileID, packfileHeader](),
		blobCache:   bloblru.New(cacheBytes),
	}

	runtime.SetFinalizer(e, finalizeEngine)
	return e, nil
}

func finalizeEngine(e *Engine) {
	if e.dirty {
		fmt.Fprintln(os.Stderr, "packfile: engine was garbage collected while dirty, without calling Flush/Close")
		os.Exit(1)
	}
}

// AddBlob queues blob for writing. It may trigger one or more
// packfiles to be written immediately if enough data has accumulated.
func (e *Engine) AddBlob(blob Blob) error {
	if len(blob.Data) > e.cfg.blobMaxSize() {
		return ErrBlobTooLarge
	}

	e.mu.Lock()
	e.queue = append(e.queue, blob)
	e.dirty = true
	e.mu.Unlock()

	return e.triggerWriteIfDesired()
}

// GetBlob looks up hash via the blob index and, if found, reads,
// decrypts and decompresses it from its packfile. The second return
// value is false if the blob is unknown to the index.
func (e *Engine) GetBlob(hash [32]byte) (*Blob, bool, error) {
	// cache entries hold the blob's Kind as a leading byte, then its data.
	if cached, ok := e.blobCache.Get(hash); ok {
		return &Blob{Hash: hash, Kind: Kind(cached[0]), Data: cached[1:]}, true, nil
	}

	packfileID, found, err := e.index.FindPackfile(blobindex.Hash(hash))
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	path := e.packfilePath(packfileID)
	f, err := os.Open(path)
	if err != nil {
		return nil, false, errors.Wrapf(err, "open packfile %x", packfileID)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, false, errors.Wrap(err, "stat packfile")
	}
	if info.Size() > int64(e.cfg.maxSize()) {
		return nil, false, ErrPackfileTooLarge
	}

	header, err := e.readHeader(f, packfileID, info.Size())
	if err != nil {
		return nil, false, err
	}

	for _, rec := range header.records {
		if rec.hash != hash {
			continue
		}

		if _, err := f.Seek(int64(rec.offset), io.SeekCurrent); err != nil {
			return nil, false, errors.Wrap(err, "seek to blob")
		}

		var nonce [crypto.NonceSize]byte
		if err := readFull(f, nonce[:]); err != nil {
			return nil, false, errors.Wrap(err, "read blob nonce")
		}

		sealed := make([]byte, rec.length)
		if err := readFull(f, sealed); err != nil {
			return nil, false, errors.Wrap(err, "read blob data")
		}

		blobKey, err := e.oracle.DeriveKey(rec.hash[:])
		if err != nil {
			return nil, false, errors.Wrap(err, "derive blob key")
		}

		plain, err := crypto.Open(nil, blobKey, nonce, sealed)
		if err != nil {
			return nil, false, err
		}

		data := plain
		if rec.compression == CompressionZstd {
			data, err = decompress(plain, e.cfg.blobMaxSize())
			if err != nil {
				return nil, false, err
			}
		}

		e.blobCache.Add(hash, append([]byte{byte(rec.kind)}, data...))
		return &Blob{Hash: hash, Kind: rec.kind, Data: data}, true, nil
	}

	return nil, false, ErrIndexHeaderMismatch
}

func (e *Engine) readHeader(f *os.File, packfileID blobindex.PackfileID, fileSize int64) (packfileHeader, error) {
	if cached, ok := e.headerCache.Load(packfileID); ok {
		if _, err := f.Seek(cached.dataStart, io.SeekStart); err != nil {
			return packfileHeader{}, errors.Wrap(err, "seek to data section")
		}
		return cached, nil
	}

	var headerSizeBytes [8]byte
	if err := readFull(f, headerSizeBytes[:]); err != nil {
		return packfileHeader{}, errors.Wrap(err, "read header size")
	}
	headerSize := binary.LittleEndian.Uint64(headerSizeBytes[:])

	if headerSize == 0 || int64(headerSize) > fileSize {
		return packfileHeader{}, ErrInvalidHeaderSize
	}

	sealedHeader := make([]byte, headerSize)
	if err := readFull(f, sealedHeader); err != nil {
		return packfileHeader{}, errors.Wrap(err, "read header")
	}

	headerKey, err := e.oracle.DeriveKey(headerKeyLabel)
	if err != nil {
		return packfileHeader{}, errors.Wrap(err, "derive header key")
	}

	var nonce [crypto.NonceSize]byte
	copy(nonce[:], packfileID[:])

	plain, err := crypto.Open(nil, headerKey, nonce, sealedHeader)
	if err != nil {
		return packfileHeader{}, err
	}

	records, err := decodeHeader(plain)
	if err != nil {
		return packfileHeader{}, errors.Wrap(err, "decode header")
	}

	ph := packfileHeader{records: records, dataStart: int64(len(headerSizeBytes)) + int64(headerSize)}
	e.headerCache.Store(packfileID, ph)
	return ph, nil
}

// Flush writes every queued blob out to one or more packfiles and
// flushes the blob index.
func (e *Engine) Flush() error {
	if err := e.writePackfiles(); err != nil {
		return err
	}
	if err := e.index.Flush(); err != nil {
		return err
	}

	e.mu.Lock()
	e.dirty = false
	e.mu.Unlock()
	return nil
}

// Close flushes any pending writes and disarms the dirty-drop
// finalizer. Close must be the last call made on e.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	flushErr := e.Flush()
	closeErr := e.index.Close()
	runtime.SetFinalizer(e, nil)

	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// triggerWriteIfDesired scans the queue for non-duplicate blobs and
// writes out packfiles once enough data (or enough blobs) has
// accumulated.
func (e *Engine) triggerWriteIfDesired() error {
	e.mu.Lock()
	queue := e.queue
	e.mu.Unlock()

	var candidateSize, candidateCount int
	for _, blob := range queue {
		dup, err := e.index.IsBlobDuplicate(blobindex.Hash(blob.Hash))
		if err != nil {
			return err
		}
		if !dup {
			candidateSize += len(blob.Data)
			candidateCount++
		}

		if candidateSize >= e.cfg.targetSize() || candidateCount >= e.cfg.maxBlobs() {
			return e.writePackfiles()
		}
	}

	return nil
}

// writePackfiles drains the queue, writing as many packfiles as
// needed. Each packfile accumulates blobs until it reaches
// PackfileTargetSize or PackfileMaxBlobs, whichever comes first.
func (e *Engine) writePackfiles() error {
	for {
		e.mu.Lock()
		empty := len(e.queue) == 0
		e.mu.Unlock()
		if empty {
			return nil
		}

		wrote, err := e.writeOnePackfile()
		if err != nil {
			return err
		}
		if !wrote {
			// every remaining blob was a duplicate; nothing left to do.
			return nil
		}
	}
}

// writeOnePackfile pops blobs off the queue until it has enough to
// satisfy the target size or blob count, then seals and writes them as
// a single packfile. It returns false if the queue drained without
// producing a non-empty packfile (every blob was a duplicate).
func (e *Engine) writeOnePackfile() (bool, error) {
	handle := e.index.BeginPackfile()

	var (
		data         bytes.Buffer
		records      []blobRecord
		blobCount    int
		bytesWritten uint64
	)

	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.mu.Unlock()
			break
		}
		blob := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		dup, err := e.index.IsBlobDuplicate(blobindex.Hash(blob.Hash))
		if err != nil {
			return false, err
		}
		if dup {
			continue
		}

		compressed, err := compress(blob.Data)
		if err != nil {
			return false, err
		}

		blobKey, err := e.oracle.DeriveKey(blob.Hash[:])
		if err != nil {
			return false, errors.Wrap(err, "derive blob key")
		}

		var nonce [crypto.NonceSize]byte
		if _, err := rand.Read(nonce[:]); err != nil {
			return false, errors.Wrap(err, "generate blob nonce")
		}

		sealed, err := crypto.Seal(nil, blobKey, nonce, compressed)
		if err != nil {
			return false, errors.Wrap(err, "seal blob")
		}

		records = append(records, blobRecord{
			hash:        blob.Hash,
			kind:        blob.Kind,
			compression: CompressionZstd,
			length:      uint64(len(sealed)),
			offset:      bytesWritten,
		})

		bytesWritten += uint64(len(sealed)) + uint64(crypto.NonceSize)
		data.Write(nonce[:])
		data.Write(sealed)

		if err := e.index.AddToPackfile(handle, blobindex.Hash(blob.Hash)); err != nil {
			return false, err
		}

		blobCount++
		if bytesWritten >= uint64(e.cfg.targetSize()) || blobCount >= e.cfg.maxBlobs() {
			break
		}
	}

	if blobCount == 0 {
		return false, nil
	}

	var packfileID blobindex.PackfileID
	if _, err := rand.Read(packfileID[:]); err != nil {
		return false, errors.Wrap(err, "generate packfile id")
	}

	headerKey, err := e.oracle.DeriveKey(headerKeyLabel)
	if err != nil {
		return false, errors.Wrap(err, "derive header key")
	}

	var headerNonce [crypto.NonceSize]byte
	copy(headerNonce[:], packfileID[:])

	sealedHeader, err := crypto.Seal(nil, headerKey, headerNonce, encodeHeader(records))
	if err != nil {
		return false, errors.Wrap(err, "seal header")
	}

	var buf bytes.Buffer
	buf.Grow(8 + len(sealedHeader) + data.Len())

	var headerLen [8]byte
	binary.LittleEndian.PutUint64(headerLen[:], uint64(len(sealedHeader)))
	buf.Write(headerLen[:])
	buf.Write(sealedHeader)
	buf.Write(data.Bytes())

	if buf.Len() > e.cfg.maxSize() {
		return false, errors.Fatalf("packfile: wrote %d bytes, exceeding the %d byte limit", buf.Len(), e.cfg.maxSize())
	}

	path := e.packfilePath(packfileID)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, errors.Wrap(err, "create packfile directory")
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return false, errors.Wrapf(err, "create packfile %x", packfileID)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return false, errors.Wrap(err, "write packfile")
	}
	if err := f.Close(); err != nil {
		return false, errors.Wrap(err, "close packfile")
	}

	if err := e.index.FinalizePackfile(handle, packfileID); err != nil {
		return false, err
	}

	debug.Log("packfile: wrote %s, %d bytes, %d blobs", hex.EncodeToString(packfileID[:]), buf.Len(), blobCount)
	return true, nil
}

// packfilePath returns the on-disk path for a packfile id, sharded by
// the first two characters of its hex encoding to keep any single directory from
// accumulating too many entries.
func (e *Engine) packfilePath(id blobindex.PackfileID) string {
	idHex := hex.EncodeToString(id[:])
	return filepath.Join(e.packDir, idHex[:2], idHex)
}

func readFull(r io.Reader, buf []byte) error {
	_, err := io.ReadFull(r, buf)
	return err
}

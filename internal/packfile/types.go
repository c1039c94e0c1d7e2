package packfile

import "github.com/coldvault/coldvault/internal/errors"

// Kind classifies the blob's payload for the layer above the engine:
// whether it's a chunk of file content or a serialized tree/directory
// listing. The engine itself is agnostic to what's inside a blob; it
// only needs Kind to round-trip it through the packfile header.
type Kind uint8

const (
	KindFileChunk Kind = iota
	KindTree
)

// Compression identifies how a blob's data is encoded on disk. Zstd is
// the only compressed form the engine produces; None exists so a
// future caller can store already-incompressible data (e.g. blobs that
// failed to shrink) without wasting a round-trip through the codec.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
)

// Blob is a single content-addressed unit of plaintext data, as seen
// by callers of Engine.AddBlob and returned by Engine.GetBlob.
type Blob struct {
	Hash [32]byte
	Kind Kind
	Data []byte
}

// blobRecord is one entry in a packfile's header: everything needed to
// locate, decrypt and decompress a blob within that packfile's data
// section, except the blob's own content.
type blobRecord struct {
	hash        [32]byte
	kind        Kind
	compression Compression
	length      uint64 // length of the encrypted blob, in bytes
	offset      uint64 // offset from the end of the header to the blob's nonce
}

var (
	// ErrBlobTooLarge is returned by AddBlob when a blob's uncompressed
	// payload exceeds BlobMaxUncompressedSize.
	ErrBlobTooLarge = errors.New("packfile: blob exceeds maximum uncompressed size")

	// ErrPackfileTooLarge is returned when a packfile being read already
	// exceeds PackfileMaxSize; such a file cannot have been produced by
	// this engine and is treated as corrupt.
	ErrPackfileTooLarge = errors.New("packfile: packfile exceeds maximum size")

	// ErrInvalidHeaderSize is returned when a packfile's declared header
	// length is zero or larger than the file itself.
	ErrInvalidHeaderSize = errors.New("packfile: invalid header size")

	// ErrIndexHeaderMismatch is returned when the blob index points at a
	// packfile that turns out not to contain the requested blob; this
	// means the index is stale relative to the packfile it named.
	ErrIndexHeaderMismatch = errors.New("packfile: blob index entry not present in packfile header")
)

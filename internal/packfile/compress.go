package packfile

import (
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/coldvault/coldvault/internal/errors"
)

// compressionLevel is the fixed zstd level this engine always
// compresses with; EncoderLevelFromZstd maps the familiar 1-22 zstd CLI
// scale onto klauspost/compress's four encoder speed tiers.
const compressionLevel = 5

// zstdMagic is the 4-byte frame magic number klauspost/compress always
// emits. Every blob is compressed as a single, self-contained frame
// with a known plaintext length ceiling (BlobMaxUncompressedSize), so
// the magic number, content-size field and checksum are all
// reconstructable or unnecessary; stripping the magic number before
// writing saves 4 bytes per blob.
var zstdMagic = [4]byte{0x28, 0xb5, 0x2f, 0xfd}

var (
	encOnce sync.Once
	enc     *zstd.Encoder
	encErr  error

	// decoders holds one decoder per maxSize, since the decoder's
	// memory bound is fixed when it is created.
	decMu    sync.Mutex
	decoders = map[int]*zstd.Decoder{}
)

func encoder() (*zstd.Encoder, error) {
	encOnce.Do(func() {
		enc, encErr = zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)),
			zstd.WithEncoderCRC(false),
		)
	})
	return enc, encErr
}

func decoder(maxSize int) (*zstd.Decoder, error) {
	decMu.Lock()
	defer decMu.Unlock()
	if d, ok := decoders[maxSize]; ok {
		return d, nil
	}
	d, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(maxSize)))
	if err != nil {
		return nil, err
	}
	decoders[maxSize] = d
	return d, nil
}

// compress returns data compressed as a single zstd frame with the
// leading magic number stripped.
func compress(data []byte) ([]byte, error) {
	e, err := encoder()
	if err != nil {
		return nil, errors.Wrap(err, "create zstd encoder")
	}

	framed := e.EncodeAll(data, nil)
	if len(framed) < len(zstdMagic) || [4]byte(framed[:4]) != zstdMagic {
		return nil, errors.New("compress: unexpected zstd frame header")
	}
	return framed[len(zstdMagic):], nil
}

// decompress reverses compress, re-attaching the stripped magic number
// before handing the frame to the zstd decoder. maxSize bounds the
// decompressed output to guard against a corrupted or hostile frame
// claiming an unbounded size.
func decompress(data []byte, maxSize int) ([]byte, error) {
	d, err := decoder(maxSize)
	if err != nil {
		return nil, errors.Wrap(err, "create zstd decoder")
	}

	framed := make([]byte, 0, len(zstdMagic)+len(data))
	framed = append(framed, zstdMagic[:]...)
	framed = append(framed, data...)

	out, err := d.DecodeAll(framed, make([]byte, 0, min(maxSize, len(data)*4)))
	if err != nil {
		return nil, errors.Wrap(err, "zstd decode")
	}
	if len(out) > maxSize {
		return nil, errors.New("decompress: blob exceeds maximum uncompressed size")
	}
	return out, nil
}

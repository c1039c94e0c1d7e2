package packfile

import (
	"bytes"
	"testing"

	"github.com/coldvault/coldvault/internal/rtest"
)

func TestCompressRoundtrip(t *testing.T) {
	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)

	compressed, err := compress(data)
	rtest.OK(t, err)
	rtest.Assert(t, len(compressed) < len(data), "expected compression to shrink repetitive data")
	rtest.Assert(t, compressed[0] != zstdMagic[0] || compressed[1] != zstdMagic[1],
		"compressed output should not start with the zstd magic number")

	decompressed, err := decompress(compressed, len(data)*2)
	rtest.OK(t, err)
	rtest.Equals(t, data, decompressed)
}

func TestCompressEmpty(t *testing.T) {
	compressed, err := compress(nil)
	rtest.OK(t, err)

	decompressed, err := decompress(compressed, 16)
	rtest.OK(t, err)
	rtest.Equals(t, 0, len(decompressed))
}

func TestDecompressRejectsOversizedOutput(t *testing.T) {
	data := bytes.Repeat([]byte{0}, 1<<20)
	compressed, err := compress(data)
	rtest.OK(t, err)

	_, err = decompress(compressed, 10)
	rtest.Assert(t, err != nil, "expected decompress to reject output exceeding maxSize")
}

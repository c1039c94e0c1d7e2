package wire

import (
	"bytes"
	"testing"

	"github.com/coldvault/coldvault/internal/rtest"
)

func TestUvarintRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	values := []uint64{0, 1, 127, 128, 300, 1 << 20, 1 << 40}

	for _, v := range values {
		PutUvarint(&buf, v)
	}

	r := bytes.NewReader(buf.Bytes())
	for _, want := range values {
		got, err := ReadUvarint(r)
		rtest.OK(t, err)
		rtest.Equals(t, want, got)
	}
}

func TestBytesRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	PutBytes(&buf, []byte{1, 2, 3, 4})

	out := make([]byte, 4)
	rtest.OK(t, ReadFull(bytes.NewReader(buf.Bytes()), out))
	rtest.Equals(t, []byte{1, 2, 3, 4}, out)
}

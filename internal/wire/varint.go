// Package wire holds the tiny binary-encoding primitives shared by the
// packfile header codec and the blob index shard codec: both serialize
// a flat list of fixed-size hash/id fields plus a handful of
// variable-length integers, so both read/write through the same
// helpers instead of each hand-rolling their own.
package wire

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/coldvault/coldvault/internal/errors"
)

// PutUvarint appends v to buf using the standard variable-length
// integer encoding (encoding/binary.PutUvarint), which keeps small
// lengths/offsets/counts — the overwhelming majority seen in a
// packfile header or index shard — down to one or two bytes.
func PutUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

// ReadUvarint reads a variable-length integer written by PutUvarint.
func ReadUvarint(r io.ByteReader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, errors.Wrap(err, "read varint")
	}
	return v, nil
}

// PutBytes appends the raw bytes of a fixed-size field (a hash or
// packfile id) to buf. Fixed-size fields are never length-prefixed:
// both sides already know their width from the type.
func PutBytes(buf *bytes.Buffer, b []byte) {
	buf.Write(b)
}

// ReadFull reads exactly len(b) bytes into b from r.
func ReadFull(r io.Reader, b []byte) error {
	if _, err := io.ReadFull(r, b); err != nil {
		return errors.Wrap(err, "read fixed field")
	}
	return nil
}

package packfile

import (
	"bytes"

	"github.com/coldvault/coldvault/internal/wire"
)

// encodeHeader serializes a packfile's blob records into the plaintext
// that gets AEAD-sealed under the packfile id as the header's nonce.
func encodeHeader(records []blobRecord) []byte {
	var buf bytes.Buffer
	wire.PutUvarint(&buf, uint64(len(records)))
	for _, r := range records {
		wire.PutBytes(&buf, r.hash[:])
		wire.PutUvarint(&buf, uint64(r.kind))
		wire.PutUvarint(&buf, uint64(r.compression))
		wire.PutUvarint(&buf, r.length)
		wire.PutUvarint(&buf, r.offset)
	}
	return buf.Bytes()
}

// decodeHeader reverses encodeHeader.
func decodeHeader(data []byte) ([]blobRecord, error) {
	r := bytes.NewReader(data)

	count, err := wire.ReadUvarint(r)
	if err != nil {
		return nil, err
	}

	records := make([]blobRecord, 0, count)
	for i := uint64(0); i < count; i++ {
		var rec blobRecord
		if err := wire.ReadFull(r, rec.hash[:]); err != nil {
			return nil, err
		}

		kind, err := wire.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		rec.kind = Kind(kind)

		compression, err := wire.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		rec.compression = Compression(compression)

		if rec.length, err = wire.ReadUvarint(r); err != nil {
			return nil, err
		}
		if rec.offset, err = wire.ReadUvarint(r); err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, nil
}

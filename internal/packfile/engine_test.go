package packfile_test

import (
	"crypto/sha256"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/coldvault/coldvault/internal/crypto"
	"github.com/coldvault/coldvault/internal/packfile"
	"github.com/coldvault/coldvault/internal/rtest"
)

func testOracle() crypto.Oracle {
	return crypto.NewHKDFOracle([]byte("packfile-test-master-key"))
}

func openEngine(t testing.TB, dir string) *packfile.Engine {
	t.Helper()
	e, err := packfile.Open(dir, testOracle(), packfile.Config{})
	rtest.OK(t, err)
	return e
}

func TestEngineRoundtrip(t *testing.T) {
	dir := t.TempDir()

	e := openEngine(t, dir)

	blob1 := packfile.Blob{Kind: packfile.KindFileChunk, Data: []byte{1, 2, 3}}
	blob1.Hash[0] = 0

	blob2 := packfile.Blob{Kind: packfile.KindFileChunk, Data: []byte{4, 5, 6}}
	blob2.Hash[0] = 1

	rtest.OK(t, e.AddBlob(blob1))
	rtest.OK(t, e.AddBlob(blob2))
	rtest.OK(t, e.Close())

	e = openEngine(t, dir)

	got1, found, err := e.GetBlob(blob1.Hash)
	rtest.OK(t, err)
	rtest.Assert(t, found, "blob1 should be found")
	rtest.Equals(t, blob1.Data, got1.Data)
	rtest.Equals(t, blob1.Kind, got1.Kind)

	got2, found, err := e.GetBlob(blob2.Hash)
	rtest.OK(t, err)
	rtest.Assert(t, found, "blob2 should be found")
	rtest.Equals(t, blob2.Data, got2.Data)

	var missing [32]byte
	missing[0] = 2
	_, found, err = e.GetBlob(missing)
	rtest.OK(t, err)
	rtest.Assert(t, !found, "blob with hash [2, 0, ...] was never stored")

	rtest.OK(t, e.Close())
}

func TestEngineDeduplication(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)

	rng := rand.New(rand.NewSource(0))
	data := make([]byte, 1_000_000)
	rng.Read(data)

	blob := packfile.Blob{Kind: packfile.KindFileChunk, Data: data}

	for i := 0; i < 999; i++ {
		rtest.OK(t, e.AddBlob(blob))
	}
	rtest.OK(t, e.Close())

	totalSize := dirSize(t, filepath.Join(dir, "pack"))
	rtest.Assert(t, totalSize < 5_000_000, "expected deduplicated packfiles under 5MB, got %d", totalSize)

	e = openEngine(t, dir)
	for i := 0; i < 999; i++ {
		rtest.OK(t, e.AddBlob(blob))
	}
	rtest.OK(t, e.Close())

	totalSize = dirSize(t, filepath.Join(dir, "pack"))
	rtest.Assert(t, totalSize < 5_000_000, "expected deduplicated packfiles to stay under 5MB, got %d", totalSize)

	e = openEngine(t, dir)
	got, found, err := e.GetBlob(blob.Hash)
	rtest.OK(t, err)
	rtest.Assert(t, found, "deduplicated blob should still be retrievable")
	rtest.Equals(t, blob.Data, got.Data)
	rtest.OK(t, e.Close())
}

func TestEngineManyRandomBlobs(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)
	rng := rand.New(rand.NewSource(0))

	var blobs []packfile.Blob
	addRandomBlobs := func(n, maxSize int) {
		for i := 0; i < n; i++ {
			size := 1 + rng.Intn(maxSize-1)
			data := make([]byte, size)
			rng.Read(data)
			hash := sha256.Sum256(data)

			blob := packfile.Blob{Hash: hash, Kind: packfile.KindFileChunk, Data: data}
			blobs = append(blobs, blob)
			rtest.OK(t, e.AddBlob(blob))
		}
	}

	addRandomBlobs(50, 10_000)
	rtest.OK(t, e.Close())

	e = openEngine(t, dir)
	for _, blob := range blobs {
		got, found, err := e.GetBlob(blob.Hash)
		rtest.OK(t, err)
		rtest.Assert(t, found, "blob %x should be found", blob.Hash)
		rtest.Equals(t, blob.Data, got.Data)
	}

	addRandomBlobs(200, 10_000)
	rtest.OK(t, e.Close())

	e = openEngine(t, dir)
	for _, blob := range blobs {
		got, found, err := e.GetBlob(blob.Hash)
		rtest.OK(t, err)
		rtest.Assert(t, found, "blob %x should be found after second batch", blob.Hash)
		rtest.Equals(t, blob.Data, got.Data)
	}
	rtest.OK(t, e.Close())
}

func TestEngineRejectsOversizedBlob(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)

	blob := packfile.Blob{Data: make([]byte, packfile.BlobMaxUncompressedSize+1)}
	err := e.AddBlob(blob)
	rtest.Assert(t, err == packfile.ErrBlobTooLarge, "expected ErrBlobTooLarge, got %v", err)
	rtest.OK(t, e.Close())
}

func TestEngineConfigOverrideTriggersSmallerPackfiles(t *testing.T) {
	dir := t.TempDir()
	e, err := packfile.Open(dir, testOracle(), packfile.Config{
		TargetSize: 100,
		MaxBlobs:   3,
	})
	rtest.OK(t, err)

	for i := 0; i < 10; i++ {
		blob := packfile.Blob{Kind: packfile.KindFileChunk, Data: []byte{byte(i), byte(i), byte(i)}}
		blob.Hash[0] = byte(i)
		rtest.OK(t, e.AddBlob(blob))
	}
	rtest.OK(t, e.Close())

	entries, err := os.ReadDir(filepath.Join(dir, "pack"))
	rtest.OK(t, err)
	rtest.Assert(t, len(entries) > 1, "expected a low MaxBlobs override to split blobs across several directories")
}

func TestEngineDetectsTamperedBlob(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)

	blob := packfile.Blob{Kind: packfile.KindFileChunk, Data: []byte("tamper me")}
	blob.Hash[0] = 9
	rtest.OK(t, e.AddBlob(blob))
	rtest.OK(t, e.Close())

	packDir := filepath.Join(dir, "pack")
	var packfilePath string
	rtest.OK(t, filepath.Walk(packDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			packfilePath = path
		}
		return nil
	}))
	rtest.Assert(t, packfilePath != "", "expected to find a packfile")

	raw, err := os.ReadFile(packfilePath)
	rtest.OK(t, err)
	raw[len(raw)-1] ^= 0xff // corrupt the last byte of the blob ciphertext
	rtest.OK(t, os.WriteFile(packfilePath, raw, 0o600))

	e = openEngine(t, dir)
	_, _, err = e.GetBlob(blob.Hash)
	rtest.Assert(t, err != nil, "expected tampered blob data to fail authentication")
	rtest.OK(t, e.Close())
}

func TestEngineDetectsTruncatedPackfile(t *testing.T) {
	dir := t.TempDir()
	e := openEngine(t, dir)

	blob := packfile.Blob{Kind: packfile.KindFileChunk, Data: []byte("will be truncated")}
	blob.Hash[0] = 10
	rtest.OK(t, e.AddBlob(blob))
	rtest.OK(t, e.Close())

	packDir := filepath.Join(dir, "pack")
	var packfilePath string
	rtest.OK(t, filepath.Walk(packDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			packfilePath = path
		}
		return nil
	}))

	raw, err := os.ReadFile(packfilePath)
	rtest.OK(t, err)
	rtest.OK(t, os.WriteFile(packfilePath, raw[:4], 0o600))

	e = openEngine(t, dir)
	_, _, err = e.GetBlob(blob.Hash)
	rtest.Assert(t, err != nil, "expected truncated packfile to surface an error, not silent success")
	rtest.OK(t, e.Close())
}

func dirSize(t testing.TB, dir string) int64 {
	t.Helper()
	var total int64
	err := filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	rtest.OK(t, err)
	return total
}

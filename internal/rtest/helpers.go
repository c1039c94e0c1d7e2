// Package rtest collects the small assertion helpers used throughout
// this module's tests.
package rtest

import (
	"crypto/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// OK fails the test immediately if err is not nil.
func OK(t testing.TB, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
}

// Equals fails the test if expected and actual are not equal, printing
// a structural diff via go-cmp to make mismatches easy to read.
func Equals(t testing.TB, expected, actual interface{}) {
	t.Helper()
	if diff := cmp.Diff(expected, actual); diff != "" {
		t.Fatalf("values are not equal (-expected +actual):\n%s", diff)
	}
}

// Assert fails the test with the given formatted message if cond is false.
func Assert(t testing.TB, cond bool, format string, args ...interface{}) {
	t.Helper()
	if !cond {
		t.Fatalf(format, args...)
	}
}

// RandomBytes returns n cryptographically random bytes, for building
// test fixtures (blob payloads, hashes, packfile ids) that don't
// collide across test cases.
func RandomBytes(t testing.TB, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return buf
}

// RandomHash returns a random 32-byte blob hash fixture.
func RandomHash(t testing.TB) [32]byte {
	t.Helper()
	var h [32]byte
	if _, err := rand.Read(h[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return h
}

package querycache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
)

// Key is the SHA-256 fingerprint of an (endpoint, query) pair.
type Key [sha256.Size]byte

// DeriveKey fingerprints queryText for endpointID. The endpoint is length
// prefixed so ("ab", "c") and ("a", "bc") hash differently. Query text is used
// verbatim; whitespace differences yield different keys.
func DeriveKey(endpointID, queryText string) Key {
	h := sha256.New()
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(endpointID)))
	_, _ = h.Write(size[:])
	_, _ = io.WriteString(h, endpointID)
	_, _ = io.WriteString(h, queryText)

	var k Key
	h.Sum(k[:0])
	return k
}

// String renders the key as lowercase hex.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

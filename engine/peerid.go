package engine

import (
	"crypto/rand"
	"fmt"
)

// peerIDCharset is the printable alphabet random suffix characters are
// drawn from, grounded on the teacher's GeneratePeerID (torrent/utils.go).
const peerIDCharset = "0123456789abcdefghijklmnopqrstuvwxyz"

// generatePeerID builds the fixed 20-byte peer id (spec.md §4.1): prefix
// followed by random printable characters filling out the remaining bytes.
func generatePeerID(prefix string) ([20]byte, error) {
	var id [20]byte
	n := copy(id[:], prefix)

	random := make([]byte, 20-n)
	if _, err := rand.Read(random); err != nil {
		return id, fmt.Errorf("generate peer id: %w", err)
	}
	for i, b := range random {
		random[i] = peerIDCharset[int(b)%len(peerIDCharset)]
	}
	copy(id[n:], random)
	return id, nil
}

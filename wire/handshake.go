// Package wire implements the BitTorrent peer-wire handshake and framed
// message codec (spec.md §4.6).
package wire

import (
	"bytes"
	"fmt"
	"io"

	"torrentcore/metainfo"
)

const protocolName = "BitTorrent protocol"

// HandshakeLen is the fixed size of a handshake message on the wire.
const HandshakeLen = 1 + 19 + 8 + 20 + 20

// Handshake is the 68-byte opening exchange that mutually verifies torrent
// identity (spec.md §4.6).
type Handshake struct {
	Reserved [8]byte
	InfoHash metainfo.InfoHash
	PeerID   [20]byte
}

// Encode writes the 68-byte handshake to w.
func (h Handshake) Encode(w io.Writer) error {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(protocolName)))
	buf = append(buf, protocolName...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	_, err := w.Write(buf)
	return err
}

// DecodeHandshake reads exactly 68 bytes from r and decodes them.
func DecodeHandshake(r io.Reader) (Handshake, error) {
	var buf [HandshakeLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Handshake{}, fmt.Errorf("read handshake: %w", err)
	}

	nameLen := int(buf[0])
	if nameLen != len(protocolName) {
		return Handshake{}, fmt.Errorf("unexpected protocol name length %d", nameLen)
	}
	if !bytes.Equal(buf[1:1+len(protocolName)], []byte(protocolName)) {
		return Handshake{}, fmt.Errorf("unexpected protocol name %q", buf[1:1+len(protocolName)])
	}

	var h Handshake
	copy(h.Reserved[:], buf[20:28])
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}

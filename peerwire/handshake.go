// Package peerwire speaks the BitTorrent peer wire protocol: the handshake,
// length-prefixed messages and the extension protocol carrying
// ut_metadata and ut_pex.
package peerwire

import (
	"crypto/rand"
	"fmt"
	"io"

	"torrent-vault/torrentmeta"
)

const (
	Protocol = "BitTorrent protocol"

	// PeerIDPrefix is the Azureus-style client tag at the head of our peer id.
	PeerIDPrefix = "-TV0100-"

	handshakeLen = 49 + len(Protocol)
)

type PeerID [20]byte

// NewPeerID returns PeerIDPrefix followed by 12 random alphanumerics.
func NewPeerID() PeerID {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	var id PeerID
	copy(id[:], PeerIDPrefix)
	random := make([]byte, len(id)-len(PeerIDPrefix))
	if _, err := rand.Read(random); err != nil {
		panic(err)
	}
	for i, b := range random {
		id[len(PeerIDPrefix)+i] = alphabet[int(b)%len(alphabet)]
	}
	return id
}

func (id PeerID) String() string {
	return string(id[:])
}

// Handshake is the fixed first exchange on every connection:
//   - 1 byte protocol string length (19)
//   - the protocol string
//   - 8 reserved capability bytes
//   - 20 byte info hash
//   - 20 byte peer id
type Handshake struct {
	Reserved [8]byte
	InfoHash torrentmeta.InfoHash
	PeerID   PeerID
}

// NewHandshake advertises the extension protocol (reserved bit 20).
func NewHandshake(infoHash torrentmeta.InfoHash, peerID PeerID) *Handshake {
	h := &Handshake{InfoHash: infoHash, PeerID: peerID}
	h.Reserved[5] |= 0x10
	return h
}

// SupportsExtensions reports whether the sender set reserved bit 20.
func (h *Handshake) SupportsExtensions() bool {
	return h.Reserved[5]&0x10 != 0
}

func (h *Handshake) Serialize() []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(Protocol))
	curr := 1
	curr += copy(buf[curr:], Protocol)
	curr += copy(buf[curr:], h.Reserved[:])
	curr += copy(buf[curr:], h.InfoHash[:])
	copy(buf[curr:], h.PeerID[:])
	return buf
}

// ReadHandshake parses a handshake from r.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	lenBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, err
	}
	if int(lenBuf[0]) != len(Protocol) {
		return nil, fmt.Errorf("protocol string length should be %d but is %d", len(Protocol), lenBuf[0])
	}
	buf := make([]byte, handshakeLen-1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if string(buf[:len(Protocol)]) != Protocol {
		return nil, fmt.Errorf("unexpected protocol %q", buf[:len(Protocol)])
	}
	h := &Handshake{}
	curr := len(Protocol)
	curr += copy(h.Reserved[:], buf[curr:])
	curr += copy(h.InfoHash[:], buf[curr:])
	copy(h.PeerID[:], buf[curr:])
	return h, nil
}

package peerwire

import (
	"fmt"

	"torrent-vault/bencode"
)

// Extension protocol (BEP 10). Incoming extended messages carry the ids we
// advertise below; outgoing ones use the ids from the remote's handshake.
const (
	extHandshakeID byte = 0

	ExtMetadata = "ut_metadata"
	ExtPex      = "ut_pex"

	localMetadataID byte = 1
	localPexID      byte = 2

	ClientVersion = "torrent-vault 1.0"
)

const (
	// MetadataPieceSize is the ut_metadata transfer unit.
	MetadataPieceSize = 16 * 1024

	// MaxMetadataSize rejects peers announcing absurd info dicts.
	MaxMetadataSize = 8 * 1024 * 1024
)

const (
	metadataRequest = 0
	metadataData    = 1
	metadataReject  = 2
)

type ExtendedHandshake struct {
	M            map[string]int `bencode:"m"`
	MetadataSize int            `bencode:"metadata_size,omitempty"`
	Port         int            `bencode:"p,omitempty"`
	V            string         `bencode:"v,omitempty"`
}

type metadataMessage struct {
	MsgType   int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

type pexMessage struct {
	Added   []byte `bencode:"added,omitempty"`
	AddedF  []byte `bencode:"added.f,omitempty"`
	Dropped []byte `bencode:"dropped,omitempty"`
}

func localExtendedHandshake(metadataSize, port int) ExtendedHandshake {
	return ExtendedHandshake{
		M: map[string]int{
			ExtMetadata: int(localMetadataID),
			ExtPex:      int(localPexID),
		},
		MetadataSize: metadataSize,
		Port:         port,
		V:            ClientVersion,
	}
}

func parseExtendedHandshake(payload []byte) (*ExtendedHandshake, error) {
	var h ExtendedHandshake
	if err := bencode.Unmarshal(payload, &h); err != nil {
		return nil, fmt.Errorf("extended handshake: %w", err)
	}
	if h.MetadataSize < 0 || h.MetadataSize > MaxMetadataSize {
		return nil, fmt.Errorf("extended handshake: metadata_size %d out of range", h.MetadataSize)
	}
	return &h, nil
}

// splitMetadataMessage separates the bencoded header of a ut_metadata
// message from the raw piece bytes that follow it.
func splitMetadataMessage(payload []byte) (metadataMessage, []byte, error) {
	var m metadataMessage
	n, err := bencode.ValueLength(payload)
	if err != nil {
		return m, nil, fmt.Errorf("metadata message: %w", err)
	}
	if err := bencode.Unmarshal(payload[:n], &m); err != nil {
		return m, nil, fmt.Errorf("metadata message: %w", err)
	}
	return m, payload[n:], nil
}

func parsePex(payload []byte) ([]string, error) {
	var m pexMessage
	if err := bencode.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("pex message: %w", err)
	}
	return ParseCompactPeers(m.Added)
}

func encodePex(added []string) ([]byte, error) {
	var m pexMessage
	for _, a := range added {
		if b := CompactPeer(a); b != nil {
			m.Added = append(m.Added, b...)
			m.AddedF = append(m.AddedF, 0)
		}
	}
	return bencode.Marshal(m)
}

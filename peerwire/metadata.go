package peerwire

import (
	"context"
	"crypto/sha1"

	"torrent-vault/apperrors"
	"torrent-vault/bencode"
	"torrent-vault/torrentmeta"
)

// MetadataFetcher assembles an info dict received in ut_metadata pieces.
type MetadataFetcher struct {
	infoHash torrentmeta.InfoHash
	size     int
	pieces   [][]byte
	have     int
}

func NewMetadataFetcher(infoHash torrentmeta.InfoHash, size int) (*MetadataFetcher, error) {
	if size <= 0 || size > MaxMetadataSize {
		return nil, apperrors.Validationf("fetch metadata", "metadata size %d out of range", size)
	}
	n := (size + MetadataPieceSize - 1) / MetadataPieceSize
	return &MetadataFetcher{infoHash: infoHash, size: size, pieces: make([][]byte, n)}, nil
}

func (f *MetadataFetcher) NumPieces() int {
	return len(f.pieces)
}

func (f *MetadataFetcher) Done() bool {
	return f.have == len(f.pieces)
}

// Put stores one piece. Every piece but the last must be exactly
// MetadataPieceSize bytes.
func (f *MetadataFetcher) Put(piece int, data []byte) error {
	if piece < 0 || piece >= len(f.pieces) {
		return apperrors.Validationf("fetch metadata", "piece %d out of range", piece)
	}
	want := MetadataPieceSize
	if piece == len(f.pieces)-1 {
		want = f.size - piece*MetadataPieceSize
	}
	if len(data) != want {
		return apperrors.Validationf("fetch metadata", "piece %d has %d bytes, expected %d", piece, len(data), want)
	}
	if f.pieces[piece] == nil {
		f.have++
	}
	f.pieces[piece] = append([]byte(nil), data...)
	return nil
}

// Bytes returns the assembled info dict once its SHA-1 matches the info
// hash.
func (f *MetadataFetcher) Bytes() ([]byte, error) {
	if !f.Done() {
		return nil, apperrors.Validationf("fetch metadata", "%d of %d pieces missing", len(f.pieces)-f.have, len(f.pieces))
	}
	buf := make([]byte, 0, f.size)
	for _, p := range f.pieces {
		buf = append(buf, p...)
	}
	if sha1.Sum(buf) != f.infoHash {
		return nil, apperrors.Integrityf("fetch metadata", "info dict does not match info hash %s", f.infoHash.HexString())
	}
	return buf, nil
}

// FetchMetadata downloads the info dict from c. The connection is closed if
// ctx ends first.
func FetchMetadata(ctx context.Context, c *Conn) ([]byte, error) {
	const op = "fetch metadata"
	if !c.SupportsExtension(ExtMetadata) || c.MetadataSize() == 0 {
		return nil, apperrors.Transportf(op, nil, "%s does not offer metadata", c.Addr())
	}
	f, err := NewMetadataFetcher(c.cfg.InfoHash, c.MetadataSize())
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for i := 0; i < f.NumPieces(); i++ {
		hdr, err := bencode.Marshal(metadataMessage{MsgType: metadataRequest, Piece: i})
		if err != nil {
			return nil, err
		}
		if err := c.SendExtended(ExtMetadata, hdr); err != nil {
			return nil, err
		}
	}
	for !f.Done() {
		msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if msg.ID != Extended || len(msg.Payload) == 0 || msg.Payload[0] != localMetadataID {
			continue
		}
		m, data, err := splitMetadataMessage(msg.Payload[1:])
		if err != nil {
			return nil, apperrors.Transportf(op, err, "%s", c.Addr())
		}
		switch m.MsgType {
		case metadataData:
			if err := f.Put(m.Piece, data); err != nil {
				return nil, err
			}
		case metadataReject:
			return nil, apperrors.Transportf(op, nil, "%s rejected metadata piece %d", c.Addr(), m.Piece)
		}
	}
	return f.Bytes()
}

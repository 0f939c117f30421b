// Package torrentmeta holds the tagged torrent data model and its decoders.
package torrentmeta

import (
	"crypto/sha1"
	"strings"
	"time"

	"torrent-vault/apperrors"
	"torrent-vault/bencode"

	"github.com/anacrolix/torrent/metainfo"
)

// InfoHash is the SHA-1 of the canonical bencoded info dict.
type InfoHash = metainfo.Hash

const (
	DefaultPieceLength = 256 * 1024
	MaxPieceLength     = 64 * 1024 * 1024
	HashSize           = sha1.Size
)

// FileEntry is one element of the info dict's files list.
type FileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// InfoDict is the part of a torrent covered by the info hash.
type InfoDict struct {
	Files       []FileEntry `bencode:"files,omitempty"`
	Length      int64       `bencode:"length,omitempty"`
	Name        string      `bencode:"name"`
	PieceLength int64       `bencode:"piece length"`
	Pieces      []byte      `bencode:"pieces"`
	Private     int         `bencode:"private,omitempty"`
}

// MetaInfoFile is the top-level .torrent dict.
type MetaInfoFile struct {
	Announce     string      `bencode:"announce,omitempty"`
	AnnounceList [][]string  `bencode:"announce-list,omitempty"`
	Comment      string      `bencode:"comment,omitempty"`
	CreatedBy    string      `bencode:"created by,omitempty"`
	CreationDate int64       `bencode:"creation date,omitempty"`
	Info         bencode.Raw `bencode:"info"`
}

// File is a payload file relative to the torrent root.
type File struct {
	Path   []string `json:"path"`
	Length int64    `json:"length"`
}

// Metadata describes a torrent. Info and InfoBytes are nil while a magnet's
// info dict has not been fetched yet.
type Metadata struct {
	InfoHash        InfoHash  `json:"info_hash"`
	Name            string    `json:"name"`
	MagnetURI       string    `json:"magnet_uri"`
	TorrentFilePath string    `json:"torrent_file_path,omitempty"`
	Size            int64     `json:"size"`
	Files           []File    `json:"files"`
	CreatedAt       time.Time `json:"created_at"`
	CreatedBy       string    `json:"created_by,omitempty"`
	Comment         string    `json:"comment,omitempty"`
	Trackers        []string  `json:"trackers,omitempty"`
	Private         bool      `json:"private"`
	DownloadPath    string    `json:"download_path"`
	FolderPath      string    `json:"folder_path,omitempty"`

	Info      *InfoDict `json:"-"`
	InfoBytes []byte    `json:"-"`
}

// HasInfo reports whether the info dict is known.
func (m *Metadata) HasInfo() bool {
	return m.Info != nil
}

// SetInfo installs a verified info dict and derives name, size and files
// from it.
func (m *Metadata) SetInfo(info *InfoDict, raw []byte) {
	m.Info = info
	m.InfoBytes = raw
	m.Name = info.Name
	m.Size = info.TotalLength()
	m.Private = info.Private == 1
	m.Files = m.Files[:0]
	for _, fe := range info.FileList() {
		m.Files = append(m.Files, File{Path: fe.Path, Length: fe.Length})
	}
}

func (info *InfoDict) IsDir() bool {
	return len(info.Files) > 0
}

func (info *InfoDict) TotalLength() int64 {
	if !info.IsDir() {
		return info.Length
	}
	var total int64
	for _, f := range info.Files {
		total += f.Length
	}
	return total
}

func (info *InfoDict) NumPieces() int {
	return len(info.Pieces) / HashSize
}

// PieceHash returns the expected digest of piece i.
func (info *InfoDict) PieceHash(i int) (h [HashSize]byte) {
	copy(h[:], info.Pieces[i*HashSize:(i+1)*HashSize])
	return
}

// PieceSize returns the length of piece i; only the last may be short.
func (info *InfoDict) PieceSize(i int) int64 {
	total := info.TotalLength()
	begin := int64(i) * info.PieceLength
	end := begin + info.PieceLength
	if end > total {
		end = total
	}
	return end - begin
}

// FileList returns the payload files with paths rooted at the torrent name,
// in the order their bytes appear in the piece stream.
func (info *InfoDict) FileList() []FileEntry {
	if !info.IsDir() {
		return []FileEntry{{Length: info.Length, Path: []string{info.Name}}}
	}
	files := make([]FileEntry, 0, len(info.Files))
	for _, f := range info.Files {
		p := make([]string, 0, len(f.Path)+1)
		p = append(p, info.Name)
		p = append(p, f.Path...)
		files = append(files, FileEntry{Length: f.Length, Path: p})
	}
	return files
}

// Validate rejects structurally broken or path-escaping info dicts.
func (info *InfoDict) Validate() error {
	const op = "validate info"
	if err := checkSegment(info.Name); err != nil {
		return apperrors.Validationf(op, "bad name: %v", err)
	}
	if info.PieceLength <= 0 || info.PieceLength > MaxPieceLength {
		return apperrors.Validationf(op, "bad piece length %d", info.PieceLength)
	}
	if len(info.Pieces) == 0 || len(info.Pieces)%HashSize != 0 {
		return apperrors.Validationf(op, "pieces field of %d bytes is not a multiple of %d", len(info.Pieces), HashSize)
	}
	if info.IsDir() && info.Length != 0 {
		return apperrors.Validationf(op, "both length and files present")
	}
	if info.Length < 0 {
		return apperrors.Validationf(op, "negative length")
	}
	for i, f := range info.Files {
		if f.Length < 0 {
			return apperrors.Validationf(op, "file %d has negative length", i)
		}
		if len(f.Path) == 0 {
			return apperrors.Validationf(op, "file %d has empty path", i)
		}
		for _, seg := range f.Path {
			if err := checkSegment(seg); err != nil {
				return apperrors.Validationf(op, "file %d: %v", i, err)
			}
		}
	}
	total := info.TotalLength()
	if total <= 0 {
		return apperrors.Validationf(op, "torrent is empty")
	}
	want := (total + info.PieceLength - 1) / info.PieceLength
	if int64(info.NumPieces()) != want {
		return apperrors.Validationf(op, "expected %d piece hashes, got %d", want, info.NumPieces())
	}
	return nil
}

func checkSegment(seg string) error {
	switch {
	case seg == "":
		return errString("empty path segment")
	case seg == "." || seg == "..":
		return errString("path traversal segment")
	case strings.ContainsAny(seg, "/\\\x00"):
		return errString("path separator in segment")
	}
	return nil
}

type errString string

func (e errString) Error() string { return string(e) }

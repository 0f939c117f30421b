package torrentmeta

import (
	"bytes"
	"net/url"
	"strings"
	"time"

	"torrent-vault/apperrors"
	"torrent-vault/bencode"

	"github.com/anacrolix/torrent/metainfo"
)

const magnetPrefix = "magnet:?"

// MaxMagnetLength bounds magnet URIs accepted from callers.
const MaxMagnetLength = 8 * 1024

// ParseTorrent decodes .torrent bytes, validates the info dict and derives
// the metadata. The info hash is taken over the raw info bytes as they
// appear in the file.
func ParseTorrent(data []byte) (*Metadata, error) {
	const op = "parse torrent"
	if err := bencode.Validate(data); err != nil {
		return nil, err
	}
	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Validation, op, err)
	}
	if len(mi.InfoBytes) == 0 {
		return nil, apperrors.Validationf(op, "missing info dict")
	}

	info, err := ParseInfo(mi.InfoBytes)
	if err != nil {
		return nil, err
	}

	meta := &Metadata{
		InfoHash:  mi.HashInfoBytes(),
		CreatedBy: mi.CreatedBy,
		Comment:   mi.Comment,
		Trackers:  trackerList(mi.Announce, mi.AnnounceList),
	}
	if mi.CreationDate > 0 {
		meta.CreatedAt = time.Unix(mi.CreationDate, 0).UTC()
	}
	meta.SetInfo(info, mi.InfoBytes)
	if meta.Private {
		meta.MagnetURI = NewMagnetURI(meta.InfoHash, meta.Name, nil)
	} else {
		meta.MagnetURI = NewMagnetURI(meta.InfoHash, meta.Name, meta.Trackers)
	}
	return meta, nil
}

// ParseInfo decodes and validates a raw info dict.
func ParseInfo(raw []byte) (*InfoDict, error) {
	var info InfoDict
	if err := bencode.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	if err := info.Validate(); err != nil {
		return nil, err
	}
	return &info, nil
}

// ParseMagnet validates a magnet URI and returns metadata without an info
// dict.
func ParseMagnet(uri string) (*Metadata, error) {
	const op = "parse magnet"
	uri = strings.TrimSpace(uri)
	if len(uri) > MaxMagnetLength {
		return nil, apperrors.Validationf(op, "magnet uri exceeds %d bytes", MaxMagnetLength)
	}
	if !strings.HasPrefix(uri, magnetPrefix) {
		return nil, apperrors.Validationf(op, "not a magnet uri")
	}
	m, err := metainfo.ParseMagnetUri(uri)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.Validation, op, err)
	}
	if m.InfoHash == (InfoHash{}) {
		return nil, apperrors.Validationf(op, "missing btih info hash")
	}
	name := m.DisplayName
	if name == "" {
		name = m.InfoHash.HexString()
	}
	return &Metadata{
		InfoHash:  m.InfoHash,
		Name:      name,
		MagnetURI: NewMagnetURI(m.InfoHash, name, m.Trackers),
		Trackers:  m.Trackers,
	}, nil
}

// ParseSource accepts either a magnet URI or raw .torrent bytes.
func ParseSource(src []byte) (*Metadata, error) {
	if bytes.HasPrefix(bytes.TrimSpace(src), []byte(magnetPrefix)) {
		return ParseMagnet(string(src))
	}
	return ParseTorrent(src)
}

// NewMagnetURI renders magnet:?xt=urn:btih:<hex>&dn=<name>[&tr=<tracker>]*.
func NewMagnetURI(ih InfoHash, name string, trackers []string) string {
	var b strings.Builder
	b.WriteString(magnetPrefix)
	b.WriteString("xt=urn:btih:")
	b.WriteString(ih.HexString())
	if name != "" {
		b.WriteString("&dn=")
		b.WriteString(url.QueryEscape(name))
	}
	for _, tr := range trackers {
		b.WriteString("&tr=")
		b.WriteString(url.QueryEscape(tr))
	}
	return b.String()
}

// ParseInfoHash decodes a 40-character hex info hash.
func ParseInfoHash(s string) (InfoHash, error) {
	var ih InfoHash
	if err := ih.FromHexString(strings.ToLower(strings.TrimSpace(s))); err != nil {
		return ih, apperrors.Wrap(apperrors.Validation, "parse info hash", err)
	}
	return ih, nil
}

func trackerList(announce string, list [][]string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(tr string) {
		tr = strings.TrimSpace(tr)
		if tr == "" || seen[tr] {
			return
		}
		seen[tr] = true
		out = append(out, tr)
	}
	add(announce)
	for _, tier := range list {
		for _, tr := range tier {
			add(tr)
		}
	}
	return out
}

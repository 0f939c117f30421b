package composer

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"torrent-vault/apperrors"
	"torrent-vault/torrentmeta"
)

func writeRandomFile(t *testing.T, path string, size int, seed int64) []byte {
	t.Helper()
	data := make([]byte, size)
	rand.New(rand.NewSource(seed)).Read(data)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return data
}

func TestComposeFile700KiB(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	content := writeRandomFile(t, path, 700*1024, 1)

	res, err := ComposeFile(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	info := res.Metadata.Info
	if info.NumPieces() != 3 {
		t.Fatalf("expected 3 pieces, got %d", info.NumPieces())
	}
	wantSizes := []int64{256 * 1024, 256 * 1024, 188 * 1024}
	for i, w := range wantSizes {
		if got := info.PieceSize(i); got != w {
			t.Errorf("piece %d: expected %d bytes, got %d", i, w, got)
		}
	}

	hexHash := res.Metadata.InfoHash.HexString()
	if len(hexHash) != 40 {
		t.Errorf("expected 40 hex chars, got %q", hexHash)
	}
	if !strings.Contains(res.Metadata.MagnetURI, "xt=urn:btih:"+hexHash) {
		t.Errorf("magnet %q does not contain %s", res.Metadata.MagnetURI, hexHash)
	}

	// Round trip: decode the emitted .torrent and recompute piece hashes.
	parsed, err := torrentmeta.ParseTorrent(res.Torrent)
	if err != nil {
		t.Fatalf("parse composed torrent: %v", err)
	}
	if parsed.InfoHash != res.Metadata.InfoHash {
		t.Errorf("info hash changed across round trip")
	}
	var pieces []byte
	for off := 0; off < len(content); off += torrentmeta.DefaultPieceLength {
		end := off + torrentmeta.DefaultPieceLength
		if end > len(content) {
			end = len(content)
		}
		sum := sha1.Sum(content[off:end])
		pieces = append(pieces, sum[:]...)
	}
	if !bytes.Equal(pieces, parsed.Info.Pieces) {
		t.Errorf("recomputed pieces differ from composed pieces field")
	}
}

func TestComposeDeterministic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.bin")
	content := writeRandomFile(t, path, 300*1024, 7)

	first, err := ComposeFile(context.Background(), path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := ComposeFile(context.Background(), path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if first.Metadata.InfoHash != second.Metadata.InfoHash {
		t.Fatalf("identical input produced different info hashes")
	}

	content[1234] ^= 0xff
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	third, err := ComposeFile(context.Background(), path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if third.Metadata.InfoHash == first.Metadata.InfoHash {
		t.Fatalf("a single byte change must change the info hash")
	}
}

func TestComposeFolderSpansFiles(t *testing.T) {
	root := filepath.Join(t.TempDir(), "album")
	a := writeRandomFile(t, filepath.Join(root, "b", "two.bin"), 100*1024, 2)
	b := writeRandomFile(t, filepath.Join(root, "a.bin"), 200*1024, 3)

	res, err := ComposeFolder(context.Background(), root, Options{Announce: true, Trackers: []string{"http://t.example/announce"}})
	if err != nil {
		t.Fatalf("compose folder: %v", err)
	}
	info := res.Metadata.Info
	if len(info.Files) != 2 || info.Files[0].Path[0] != "a.bin" || info.Files[1].Path[0] != "b" {
		t.Fatalf("unexpected file order %+v", info.Files)
	}
	if info.Private != 0 {
		t.Errorf("announced torrent must not be private")
	}
	if !strings.Contains(res.Metadata.MagnetURI, "&tr=") {
		t.Errorf("announced magnet should carry trackers: %s", res.Metadata.MagnetURI)
	}

	all := append(append([]byte{}, b...), a...)
	first := sha1.Sum(all[:torrentmeta.DefaultPieceLength])
	if !bytes.Equal(first[:], info.Pieces[:sha1.Size]) {
		t.Errorf("first piece must hash the concatenation across the file boundary")
	}
	if res.Metadata.FolderPath != root {
		t.Errorf("expected folder path %s, got %s", root, res.Metadata.FolderPath)
	}
}

func TestComposePrivateWhenNotAnnounced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.txt")
	writeRandomFile(t, path, 1024, 4)
	res, err := ComposeFile(context.Background(), path, Options{Trackers: []string{"http://t.example/announce"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.Metadata.Info.Private != 1 {
		t.Errorf("expected private=1")
	}
	if strings.Contains(res.Metadata.MagnetURI, "&tr=") || len(res.Metadata.Trackers) != 0 {
		t.Errorf("private torrent must omit trackers")
	}
}

func TestComposeFolderRejectsSymlink(t *testing.T) {
	root := filepath.Join(t.TempDir(), "share")
	writeRandomFile(t, filepath.Join(root, "real.bin"), 4096, 5)
	if err := os.Symlink("/etc/passwd", filepath.Join(root, "escape")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	out := t.TempDir()

	_, err := ComposeFolder(context.Background(), root, Options{OutputDir: out})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "escape") {
		t.Errorf("error should name the offending entry: %v", err)
	}
	if strings.Contains(err.Error(), root) {
		t.Errorf("error must not leak absolute paths: %v", err)
	}
	left, _ := os.ReadDir(out)
	if len(left) != 0 {
		t.Errorf("expected no partial output, found %d entries", len(left))
	}
}

func TestComposeLimits(t *testing.T) {
	root := filepath.Join(t.TempDir(), "deep")
	writeRandomFile(t, filepath.Join(root, "x", "y", "z", "f.bin"), 10, 6)
	writeRandomFile(t, filepath.Join(root, "big.bin"), 5000, 6)

	cases := []struct {
		name   string
		limits Limits
	}{
		{"depth", Limits{MaxDepth: 2}},
		{"file size", Limits{MaxFileSize: 1000}},
		{"file count", Limits{MaxFileCount: 1}},
		{"total size", Limits{MaxTotalSize: 4000}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := ComposeFolder(context.Background(), root, Options{Limits: c.limits})
			if !errors.Is(err, apperrors.ErrLimitExceeded) {
				t.Fatalf("expected limit error, got %v", err)
			}
		})
	}

	if _, err := ComposeFolder(context.Background(), root, Options{}); err != nil {
		t.Fatalf("unlimited compose should succeed: %v", err)
	}
}

func TestComposeWritesTorrentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.pdf")
	writeRandomFile(t, path, 2048, 8)
	out := t.TempDir()
	res, err := ComposeFile(context.Background(), path, Options{OutputDir: out})
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(out, "doc.pdf.torrent")
	if res.Metadata.TorrentFilePath != want {
		t.Fatalf("expected %s, got %s", want, res.Metadata.TorrentFilePath)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, res.Torrent) {
		t.Errorf("written torrent differs from returned bytes")
	}
}

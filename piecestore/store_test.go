package piecestore

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"torrent-vault/apperrors"
	"torrent-vault/torrentmeta"
)

// buildInfo lays content out as a multi-file torrent with the given file
// lengths and a tiny piece length so pieces straddle file boundaries.
func buildInfo(content []byte, lengths []int64, pieceLength int64) *torrentmeta.InfoDict {
	info := &torrentmeta.InfoDict{Name: "root", PieceLength: pieceLength}
	for i, l := range lengths {
		info.Files = append(info.Files, torrentmeta.FileEntry{
			Length: l,
			Path:   []string{"sub", string(rune('a' + i))},
		})
	}
	for off := int64(0); off < int64(len(content)); off += pieceLength {
		end := min(off+pieceLength, int64(len(content)))
		sum := sha1.Sum(content[off:end])
		info.Pieces = append(info.Pieces, sum[:]...)
	}
	return info
}

func pieceOf(content []byte, info *torrentmeta.InfoDict, i int) []byte {
	begin := int64(i) * info.PieceLength
	return content[begin : begin+info.PieceSize(i)]
}

func TestSegmentsSplitAcrossFiles(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 25)
	info := buildInfo(content, []int64{7, 0, 10, 8}, 10)
	s, err := New(t.TempDir(), info)
	if err != nil {
		t.Fatal(err)
	}

	segs := s.segments(5, 10)
	var got [][3]int64
	for _, seg := range segs {
		got = append(got, [3]int64{seg.file.offset, seg.fileOffset, seg.length})
	}
	want := [][3]int64{{0, 5, 2}, {7, 0, 8}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	segs = s.segments(15, 10)
	got = got[:0]
	for _, seg := range segs {
		got = append(got, [3]int64{seg.file.offset, seg.fileOffset, seg.length})
	}
	want = [][3]int64{{7, 8, 2}, {17, 0, 8}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestWritePieceAndReadBack(t *testing.T) {
	content := []byte("0123456789abcdefghijklmnopqrstuvwxy")
	info := buildInfo(content, []int64{7, 0, 20, 8}, 10)
	root := t.TempDir()
	s, err := New(root, info)
	if err != nil {
		t.Fatal(err)
	}

	for i := s.NumPieces() - 1; i >= 0; i-- {
		if err := s.WritePiece(i, pieceOf(content, info, i)); err != nil {
			t.Fatalf("write piece %d: %v", i, err)
		}
	}
	if !s.Complete() || s.Progress() != 1 {
		t.Fatalf("expected complete store, progress %v", s.Progress())
	}

	var joined []byte
	for _, p := range s.Paths() {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		joined = append(joined, data...)
	}
	if !bytes.Equal(joined, content) {
		t.Errorf("files do not reassemble the content: %q", joined)
	}
	if _, err := os.Stat(filepath.Join(root, "root", "sub", "b")); err != nil {
		t.Errorf("zero-length file should exist: %v", err)
	}

	block, err := s.ReadBlock(0, 5, 5)
	if err != nil {
		t.Fatal(err)
	}
	if string(block) != "56789" {
		t.Errorf("unexpected block %q", block)
	}
}

func TestWritePieceRejectsBadHash(t *testing.T) {
	content := bytes.Repeat([]byte{1, 2, 3}, 10)
	info := buildInfo(content, []int64{30}, 16)
	s, err := New(t.TempDir(), info)
	if err != nil {
		t.Fatal(err)
	}
	bad := append([]byte{}, pieceOf(content, info, 0)...)
	bad[3] ^= 0xff

	err = s.WritePiece(0, bad)
	if !errors.Is(err, apperrors.ErrIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if s.Have(0) || s.Count() != 0 {
		t.Errorf("bad piece must not be marked")
	}
	if _, err := s.ReadBlock(0, 0, 4); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("expected not found for missing piece, got %v", err)
	}
}

func TestRecheckAndBitfield(t *testing.T) {
	content := make([]byte, 50)
	for i := range content {
		content[i] = byte(i)
	}
	info := buildInfo(content, []int64{20, 30}, 8)
	root := t.TempDir()
	s, _ := New(root, info)
	for _, i := range []int{0, 2, 6} {
		if err := s.WritePiece(i, pieceOf(content, info, i)); err != nil {
			t.Fatal(err)
		}
	}
	want := []byte{0b10100010}
	if got := s.Bitfield(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected bitfield %08b, got %08b", want, got)
	}

	fresh, _ := New(root, info)
	if err := fresh.Recheck(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(fresh.Bitfield(), want) {
		t.Errorf("recheck produced %08b", fresh.Bitfield())
	}
	if !reflect.DeepEqual(fresh.Missing(), []int{1, 3, 4, 5}) {
		t.Errorf("unexpected missing pieces %v", fresh.Missing())
	}
	if got := fresh.FileProgress(); !reflect.DeepEqual(got, []int64{12, 6}) {
		t.Errorf("unexpected file progress %v", got)
	}
	if fresh.CompletedBytes() != 8+8+2 {
		t.Errorf("unexpected completed bytes %d", fresh.CompletedBytes())
	}

	loaded, _ := New(root, info)
	if err := loaded.LoadBitfield(want); err != nil {
		t.Fatal(err)
	}
	if loaded.Count() != 3 {
		t.Errorf("expected 3 pieces after load, got %d", loaded.Count())
	}
	if err := loaded.LoadBitfield([]byte{1, 2}); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error for wrong bitfield size, got %v", err)
	}
}

func TestMarkAllCompleteAndDelete(t *testing.T) {
	content := []byte("seed me please")
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "local.txt"), content, 0644); err != nil {
		t.Fatal(err)
	}
	info := &torrentmeta.InfoDict{Name: "local.txt", Length: int64(len(content)), PieceLength: 16}
	sum := sha1.Sum(content)
	info.Pieces = sum[:]

	s, _ := New(dir, info)
	s.MarkAllComplete()
	data, err := s.ReadBlock(0, 5, 2)
	if err != nil || string(data) != "me" {
		t.Fatalf("unexpected read %q, %v", data, err)
	}
	if err := s.DeleteFiles(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "local.txt")); !os.IsNotExist(err) {
		t.Errorf("expected payload removed, stat err %v", err)
	}
	if s.Count() != 0 {
		t.Errorf("bitmap should be cleared after delete")
	}
}

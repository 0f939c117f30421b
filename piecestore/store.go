// Package piecestore maps torrent pieces onto destination files, verifies
// them against their expected SHA-1 and tracks completion.
package piecestore

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"torrent-vault/apperrors"
	"torrent-vault/torrentmeta"

	"github.com/bits-and-blooms/bitset"
)

type file struct {
	path   string
	offset int64 // offset of the first byte in the piece stream
	length int64
	mu     sync.Mutex
}

// segment is the part of a byte range that lands in one file.
type segment struct {
	file       *file
	fileOffset int64
	length     int64
}

type Store struct {
	info  *torrentmeta.InfoDict
	root  string
	files []*file
	total int64

	mu        sync.RWMutex
	done      *bitset.BitSet
	doneBytes int64
	prepared  bool
}

// New lays the torrent out under root. Nothing is touched on disk until the
// first write.
func New(root string, info *torrentmeta.InfoDict) (*Store, error) {
	if info == nil {
		return nil, apperrors.Validationf("open store", "info dict required")
	}
	s := &Store{
		info: info,
		root: root,
		done: bitset.New(uint(info.NumPieces())),
	}
	for _, fe := range info.FileList() {
		s.files = append(s.files, &file{
			path:   filepath.Join(append([]string{root}, fe.Path...)...),
			offset: s.total,
			length: fe.Length,
		})
		s.total += fe.Length
	}
	return s, nil
}

func (s *Store) NumPieces() int {
	return s.info.NumPieces()
}

func (s *Store) PieceSize(index int) int64 {
	return s.info.PieceSize(index)
}

func (s *Store) TotalLength() int64 {
	return s.total
}

// Paths returns the absolute destination path of every payload file.
func (s *Store) Paths() []string {
	paths := make([]string, len(s.files))
	for i, f := range s.files {
		paths[i] = f.path
	}
	return paths
}

func (s *Store) Have(index int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.done.Test(uint(index))
}

func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.done.Count())
}

func (s *Store) Complete() bool {
	return s.Count() == s.NumPieces()
}

// CompletedBytes sums the sizes of verified pieces.
func (s *Store) CompletedBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doneBytes
}

func (s *Store) Progress() float64 {
	if s.total == 0 {
		return 0
	}
	if s.Complete() {
		return 1
	}
	return float64(s.CompletedBytes()) / float64(s.total)
}

// Missing lists incomplete pieces in index order.
func (s *Store) Missing() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int
	for i := 0; i < s.info.NumPieces(); i++ {
		if !s.done.Test(uint(i)) {
			out = append(out, i)
		}
	}
	return out
}

// FileProgress returns the verified bytes held for each file, in file
// order.
func (s *Store) FileProgress() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	index := make(map[*file]int, len(s.files))
	for i, f := range s.files {
		index[f] = i
	}
	out := make([]int64, len(s.files))
	n := s.info.NumPieces()
	for i, ok := s.done.NextSet(0); ok && int(i) < n; i, ok = s.done.NextSet(i + 1) {
		begin := int64(i) * s.info.PieceLength
		for _, seg := range s.segments(begin, s.info.PieceSize(int(i))) {
			out[index[seg.file]] += seg.length
		}
	}
	return out
}

// Verify checks data against the expected digest of piece index.
func (s *Store) Verify(index int, data []byte) error {
	if err := s.checkIndex(index); err != nil {
		return err
	}
	if int64(len(data)) != s.info.PieceSize(index) {
		return apperrors.Integrityf("verify piece", "piece %d has %d bytes, expected %d", index, len(data), s.info.PieceSize(index))
	}
	want := s.info.PieceHash(index)
	got := sha1.Sum(data)
	if !bytes.Equal(got[:], want[:]) {
		return apperrors.Integrityf("verify piece", "piece %d failed hash check", index)
	}
	return nil
}

// WritePiece verifies a whole piece, flushes it to its files and marks it
// complete. A hash mismatch returns an Integrity error and writes nothing.
func (s *Store) WritePiece(index int, data []byte) error {
	if err := s.Verify(index, data); err != nil {
		return err
	}
	if err := s.prepare(); err != nil {
		return err
	}
	begin := int64(index) * s.info.PieceLength
	var written int64
	for _, seg := range s.segments(begin, int64(len(data))) {
		if err := seg.write(data[written : written+seg.length]); err != nil {
			return err
		}
		written += seg.length
	}
	s.mark(index)
	return nil
}

// ReadBlock reads length bytes at begin within a completed piece.
func (s *Store) ReadBlock(index int, begin, length int64) ([]byte, error) {
	if err := s.checkIndex(index); err != nil {
		return nil, err
	}
	size := s.info.PieceSize(index)
	if begin < 0 || length <= 0 || begin+length > size {
		return nil, apperrors.Validationf("read block", "range %d+%d outside piece %d", begin, length, index)
	}
	if !s.Have(index) {
		return nil, apperrors.NotFoundf("read block", "piece %d not available", index)
	}
	return s.readRange(int64(index)*s.info.PieceLength+begin, length)
}

// ReadPiece reads a piece from disk without consulting the bitmap.
func (s *Store) ReadPiece(index int) ([]byte, error) {
	if err := s.checkIndex(index); err != nil {
		return nil, err
	}
	return s.readRange(int64(index)*s.info.PieceLength, s.info.PieceSize(index))
}

// Recheck rebuilds the bitmap from what is on disk.
func (s *Store) Recheck(ctx context.Context) error {
	done := bitset.New(uint(s.info.NumPieces()))
	var doneBytes int64
	for i := 0; i < s.info.NumPieces(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := s.ReadPiece(i)
		if err != nil {
			continue
		}
		if s.Verify(i, data) == nil {
			done.Set(uint(i))
			doneBytes += int64(len(data))
		}
	}
	s.mu.Lock()
	s.done = done
	s.doneBytes = doneBytes
	s.mu.Unlock()
	return nil
}

// MarkAllComplete trusts the on-disk data, as for a torrent just composed
// from local files.
func (s *Store) MarkAllComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < s.info.NumPieces(); i++ {
		s.done.Set(uint(i))
	}
	s.doneBytes = s.total
}

// Bitfield exports completion in wire order: piece 0 is the high bit of the
// first byte.
func (s *Store) Bitfield() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.info.NumPieces()
	bf := make([]byte, (n+7)/8)
	for i, ok := s.done.NextSet(0); ok && int(i) < n; i, ok = s.done.NextSet(i + 1) {
		bf[i/8] |= 1 << (7 - i%8)
	}
	return bf
}

// LoadBitfield restores completion from a persisted wire-order bitfield.
// Pieces are trusted, so callers should prefer Recheck after a crash.
func (s *Store) LoadBitfield(bf []byte) error {
	n := s.info.NumPieces()
	if len(bf) != (n+7)/8 {
		return apperrors.Validationf("load bitfield", "expected %d bytes, got %d", (n+7)/8, len(bf))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done.ClearAll()
	s.doneBytes = 0
	for i := 0; i < n; i++ {
		if bf[i/8]>>(7-i%8)&1 != 0 {
			s.done.Set(uint(i))
			s.doneBytes += s.info.PieceSize(i)
		}
	}
	return nil
}

// DeleteFiles removes the payload files and, for multi-file torrents, the
// torrent's top directory.
func (s *Store) DeleteFiles() error {
	var errs []error
	for _, f := range s.files {
		f.mu.Lock()
		err := os.Remove(f.path)
		f.mu.Unlock()
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if s.info.IsDir() {
		if err := os.RemoveAll(filepath.Join(s.root, s.info.Name)); err != nil {
			errs = append(errs, err)
		}
	}
	s.mu.Lock()
	s.done.ClearAll()
	s.doneBytes = 0
	s.prepared = false
	s.mu.Unlock()
	return errors.Join(errs...)
}

func (s *Store) checkIndex(index int) error {
	if index < 0 || index >= s.info.NumPieces() {
		return apperrors.Validationf("piece store", "piece index %d out of range", index)
	}
	return nil
}

func (s *Store) mark(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done.Test(uint(index)) {
		s.done.Set(uint(index))
		s.doneBytes += s.info.PieceSize(index)
	}
}

// prepare creates directories and the zero-length files no piece will ever
// touch.
func (s *Store) prepare() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.prepared {
		return nil
	}
	for _, f := range s.files {
		if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
			return fmt.Errorf("create directory for %s: %w", apperrors.RedactPath(f.path), err)
		}
		if f.length == 0 {
			fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return fmt.Errorf("create %s: %w", apperrors.RedactPath(f.path), err)
			}
			fh.Close()
		}
	}
	s.prepared = true
	return nil
}

// segments splits the stream range [offset, offset+length) at file
// boundaries.
func (s *Store) segments(offset, length int64) []segment {
	var out []segment
	for _, f := range s.files {
		if length == 0 {
			break
		}
		if f.length == 0 || offset >= f.offset+f.length {
			continue
		}
		in := offset - f.offset
		n := min(f.length-in, length)
		out = append(out, segment{file: f, fileOffset: in, length: n})
		offset += n
		length -= n
	}
	return out
}

func (s *Store) readRange(offset, length int64) ([]byte, error) {
	buf := make([]byte, length)
	var read int64
	for _, seg := range s.segments(offset, length) {
		if err := seg.read(buf[read : read+seg.length]); err != nil {
			return nil, err
		}
		read += seg.length
	}
	if read != length {
		return nil, apperrors.Validationf("read range", "range exceeds torrent length")
	}
	return buf, nil
}

func (seg segment) write(p []byte) error {
	seg.file.mu.Lock()
	defer seg.file.mu.Unlock()
	fh, err := os.OpenFile(seg.file.path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", apperrors.RedactPath(seg.file.path), err)
	}
	if _, err := fh.WriteAt(p, seg.fileOffset); err != nil {
		fh.Close()
		return fmt.Errorf("write %s: %w", apperrors.RedactPath(seg.file.path), err)
	}
	return fh.Close()
}

func (seg segment) read(p []byte) error {
	seg.file.mu.Lock()
	defer seg.file.mu.Unlock()
	fh, err := os.Open(seg.file.path)
	if err != nil {
		return fmt.Errorf("open %s: %w", apperrors.RedactPath(seg.file.path), err)
	}
	defer fh.Close()
	if _, err := fh.ReadAt(p, seg.fileOffset); err != nil {
		return fmt.Errorf("read %s: %w", apperrors.RedactPath(seg.file.path), err)
	}
	return nil
}

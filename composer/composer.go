// Package composer builds torrent metadata from local files and folders.
package composer

import (
	"context"
	"crypto/sha1"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"torrent-vault/apperrors"
	"torrent-vault/bencode"
	"torrent-vault/torrentmeta"
)

const DefaultCreatedBy = "torrent-vault/1.0"

type Options struct {
	// Announce publishes the torrent to trackers. When false the info dict
	// carries private=1 and no trackers are embedded. Private is advisory:
	// it does not stop a peer from redistributing the data.
	Announce    bool
	Trackers    []string
	Comment     string
	CreatedBy   string
	PieceLength int64
	Limits      Limits

	// OutputDir receives <name>.torrent. Empty skips writing.
	OutputDir string

	Progress func(done, total int)
	Now      func() time.Time
}

type Result struct {
	Metadata *torrentmeta.Metadata
	Torrent  []byte
}

// ComposeFile builds a single-file torrent.
func ComposeFile(ctx context.Context, path string, opts Options) (*Result, error) {
	e, err := statFile(path, opts.Limits)
	if err != nil {
		return nil, err
	}
	if e.size == 0 {
		return nil, apperrors.Validationf("compose file", "%s is empty", apperrors.RedactPath(path))
	}
	info := &torrentmeta.InfoDict{
		Name:   filepath.Base(path),
		Length: e.size,
	}
	return compose(ctx, path, []entry{e}, info, opts)
}

// ComposeFolder builds a multi-file torrent rooted at the folder name.
func ComposeFolder(ctx context.Context, path string, opts Options) (*Result, error) {
	path = filepath.Clean(path)
	entries, err := walkDir(path, opts.Limits)
	if err != nil {
		return nil, err
	}
	info := &torrentmeta.InfoDict{Name: filepath.Base(path)}
	var total int64
	for _, e := range entries {
		info.Files = append(info.Files, torrentmeta.FileEntry{Length: e.size, Path: e.rel})
		total += e.size
	}
	if total == 0 {
		return nil, apperrors.Validationf("compose folder", "folder %s holds only empty files", apperrors.RedactPath(path))
	}
	res, err := compose(ctx, path, entries, info, opts)
	if err != nil {
		return nil, err
	}
	res.Metadata.FolderPath = path
	return res, nil
}

// Compose dispatches on whether path is a file or a folder.
func Compose(ctx context.Context, path string, opts Options) (*Result, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return nil, apperrors.Validationf("compose", "cannot stat %s", apperrors.RedactPath(path))
	}
	if fi.IsDir() {
		return ComposeFolder(ctx, path, opts)
	}
	return ComposeFile(ctx, path, opts)
}

func compose(ctx context.Context, path string, entries []entry, info *torrentmeta.InfoDict, opts Options) (*Result, error) {
	if opts.PieceLength <= 0 {
		opts.PieceLength = torrentmeta.DefaultPieceLength
	}
	if opts.CreatedBy == "" {
		opts.CreatedBy = DefaultCreatedBy
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	info.PieceLength = opts.PieceLength
	pieces, err := hashPieces(ctx, entries, opts.PieceLength, opts.Progress)
	if err != nil {
		return nil, err
	}
	info.Pieces = pieces

	trackers := opts.Trackers
	if !opts.Announce {
		info.Private = 1
		trackers = nil
	}

	raw, err := bencode.Marshal(info)
	if err != nil {
		return nil, err
	}
	created := now().UTC().Truncate(time.Second)
	file := torrentmeta.MetaInfoFile{
		Comment:      opts.Comment,
		CreatedBy:    opts.CreatedBy,
		CreationDate: created.Unix(),
		Info:         raw,
	}
	if len(trackers) > 0 {
		file.Announce = trackers[0]
		for _, tr := range trackers {
			file.AnnounceList = append(file.AnnounceList, []string{tr})
		}
	}
	data, err := bencode.Marshal(file)
	if err != nil {
		return nil, err
	}

	meta := &torrentmeta.Metadata{
		InfoHash:     sha1.Sum(raw),
		CreatedAt:    created,
		CreatedBy:    opts.CreatedBy,
		Comment:      opts.Comment,
		Trackers:     trackers,
		DownloadPath: filepath.Dir(path),
	}
	meta.SetInfo(info, raw)
	meta.MagnetURI = torrentmeta.NewMagnetURI(meta.InfoHash, meta.Name, trackers)

	if opts.OutputDir != "" {
		out, err := writeAtomic(opts.OutputDir, meta.Name+".torrent", data)
		if err != nil {
			return nil, err
		}
		meta.TorrentFilePath = out
	}
	return &Result{Metadata: meta, Torrent: data}, nil
}

// hashPieces SHA-1 hashes fixed-size slices of the concatenated entries.
func hashPieces(ctx context.Context, entries []entry, pieceLength int64, progress func(done, total int)) ([]byte, error) {
	var total int64
	for _, e := range entries {
		total += e.size
	}
	numPieces := int((total + pieceLength - 1) / pieceLength)
	pieces := make([]byte, 0, numPieces*sha1.Size)
	buf := make([]byte, pieceLength)
	fill := 0

	emit := func() {
		sum := sha1.Sum(buf[:fill])
		pieces = append(pieces, sum[:]...)
		fill = 0
		if progress != nil {
			progress(len(pieces)/sha1.Size, numPieces)
		}
	}

	var read int64
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f, err := os.Open(e.abs)
		if err != nil {
			return nil, apperrors.Validationf("hash pieces", "cannot open %s", apperrors.RedactPath(e.abs))
		}
		r := io.LimitReader(f, e.size)
		for {
			n, err := io.ReadFull(r, buf[fill:])
			fill += n
			read += int64(n)
			if fill == len(buf) {
				emit()
				if err := ctx.Err(); err != nil {
					f.Close()
					return nil, err
				}
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			if err != nil {
				f.Close()
				return nil, apperrors.Validationf("hash pieces", "reading %s: %v", apperrors.RedactPath(e.abs), err)
			}
		}
		f.Close()
	}
	if fill > 0 {
		emit()
	}
	if read != total {
		return nil, apperrors.Validationf("hash pieces", "source changed while hashing")
	}
	return pieces, nil
}

// writeAtomic writes data to dir/name via a temp file so a failed compose
// never leaves a partial .torrent behind.
func writeAtomic(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", apperrors.Validationf("write torrent", "cannot create output folder %s", apperrors.RedactPath(dir))
	}
	tmp, err := os.CreateTemp(dir, ".compose-*")
	if err != nil {
		return "", apperrors.Validationf("write torrent", "cannot create %s", name)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", apperrors.Validationf("write torrent", "writing %s: %v", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", apperrors.Validationf("write torrent", "writing %s: %v", name, err)
	}
	out := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), out); err != nil {
		return "", apperrors.Validationf("write torrent", "renaming %s: %v", name, err)
	}
	return out, nil
}

package composer

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"torrent-vault/apperrors"
)

// Limits bound what may be composed. Zero means unlimited.
type Limits struct {
	MaxFileSize  int64 `yaml:"max_file_size"`
	MaxTotalSize int64 `yaml:"max_total_size"`
	MaxFileCount int   `yaml:"max_file_count"`
	MaxDepth     int   `yaml:"max_depth"`
}

type entry struct {
	abs  string
	rel  []string
	size int64
}

func (l Limits) checkFile(op, rel string, size int64, count int, total int64) error {
	if l.MaxFileSize > 0 && size > l.MaxFileSize {
		return apperrors.LimitExceededf(op, "file %s exceeds max file size of %d bytes", rel, l.MaxFileSize)
	}
	if l.MaxFileCount > 0 && count > l.MaxFileCount {
		return apperrors.LimitExceededf(op, "more than %d files", l.MaxFileCount)
	}
	if l.MaxTotalSize > 0 && total > l.MaxTotalSize {
		return apperrors.LimitExceededf(op, "total size exceeds %d bytes", l.MaxTotalSize)
	}
	return nil
}

// walkDir lists regular files under root in lexical order. Symlinks are
// rejected wherever they appear.
func walkDir(root string, limits Limits) ([]entry, error) {
	const op = "compose folder"
	var (
		entries []entry
		total   int64
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return apperrors.Validationf(op, "cannot read %s", relName(root, path))
		}
		rel := relName(root, path)
		if d.Type()&fs.ModeSymlink != 0 {
			return apperrors.Validationf(op, "symlink not allowed: %s", rel)
		}
		if path == root {
			return nil
		}
		depth := strings.Count(filepath.ToSlash(rel), "/") + 1
		if d.IsDir() {
			if limits.MaxDepth > 0 && depth > limits.MaxDepth {
				return apperrors.LimitExceededf(op, "directory %s exceeds max depth of %d", rel, limits.MaxDepth)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return apperrors.Validationf(op, "unsupported file type: %s", rel)
		}
		info, err := d.Info()
		if err != nil {
			return apperrors.Validationf(op, "cannot stat %s", rel)
		}
		total += info.Size()
		if err := limits.checkFile(op, rel, info.Size(), len(entries)+1, total); err != nil {
			return err
		}
		entries = append(entries, entry{
			abs:  path,
			rel:  strings.Split(filepath.ToSlash(rel), "/"),
			size: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, apperrors.Validationf(op, "folder %s contains no files", apperrors.RedactPath(root))
	}
	return entries, nil
}

// statFile checks a single-file source.
func statFile(path string, limits Limits) (entry, error) {
	const op = "compose file"
	fi, err := os.Lstat(path)
	if err != nil {
		return entry{}, apperrors.Validationf(op, "cannot stat %s", apperrors.RedactPath(path))
	}
	name := apperrors.RedactPath(path)
	switch {
	case fi.Mode()&fs.ModeSymlink != 0:
		return entry{}, apperrors.Validationf(op, "symlink not allowed: %s", name)
	case fi.IsDir():
		return entry{}, apperrors.Validationf(op, "%s is a directory", name)
	case !fi.Mode().IsRegular():
		return entry{}, apperrors.Validationf(op, "unsupported file type: %s", name)
	}
	if err := limits.checkFile(op, name, fi.Size(), 1, fi.Size()); err != nil {
		return entry{}, err
	}
	return entry{abs: path, rel: []string{fi.Name()}, size: fi.Size()}, nil
}

func relName(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return filepath.Base(path)
	}
	return rel
}

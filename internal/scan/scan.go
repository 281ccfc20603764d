// Package scan enumerates and reaps the local buffer directory.
package scan

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// LocalFile is one regular file in the buffer directory. Path is relative to
// the buffer root, mtime is truncated to whole seconds to match the archive
// naming granularity.
type LocalFile struct {
	Path  string
	Mtime time.Time
	Size  int64
}

// FindFiles walks dir and returns every regular file whose mtime m satisfies
// low < m <= high. Order is unspecified; callers that care re-sort.
func FindFiles(dir string, low, high time.Time) ([]LocalFile, error) {
	var files []LocalFile
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// The buffer may not exist yet on a fresh worker.
			if path == dir && os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mtime := info.ModTime().UTC().Truncate(time.Second)
		if mtime.After(low) && !mtime.After(high) {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			files = append(files, LocalFile{
				Path:  filepath.ToSlash(rel),
				Mtime: mtime,
				Size:  info.Size(),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// TotalSize sums the sizes of files.
func TotalSize(files []LocalFile) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total
}

// SortByMtime orders files ascending by mtime, ties broken by path so the
// order is deterministic.
func SortByMtime(files []LocalFile) {
	sort.Slice(files, func(i, j int) bool {
		if !files[i].Mtime.Equal(files[j].Mtime) {
			return files[i].Mtime.Before(files[j].Mtime)
		}
		return files[i].Path < files[j].Path
	})
}

// RemoveUpTo deletes every regular file under dir with mtime <= upTo, then
// prunes directories left empty, bottom-up. Files newer than upTo are never
// touched.
func RemoveUpTo(dir string, upTo time.Time) error {
	var dirs []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir && os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			if path != dir {
				dirs = append(dirs, path)
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.ModTime().UTC().Truncate(time.Second).After(upTo) {
			if err := os.Remove(path); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Deepest first, so emptied parents fall in turn. Removal of a still
	// non-empty directory fails and is deliberately ignored.
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	for _, d := range dirs {
		if err := os.Remove(d); err == nil {
			slog.Debug("pruned empty directory", "dir", d)
		}
	}
	return nil
}

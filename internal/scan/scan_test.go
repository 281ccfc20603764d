package scan

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFileAt(t *testing.T, dir, rel string, size int, mtime time.Time) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestFindFiles_MtimeWindow(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2017, 10, 5, 12, 0, 0, 0, time.UTC)

	writeFileAt(t, dir, "2017/10/05/old.tgz", 10, base.Add(-2*time.Hour))
	writeFileAt(t, dir, "2017/10/05/edge.tgz", 20, base.Add(-time.Hour)) // exactly low, excluded
	writeFileAt(t, dir, "2017/10/05/mid.tgz", 30, base.Add(-30*time.Minute))
	writeFileAt(t, dir, "2017/10/05/high.tgz", 40, base) // exactly high, included
	writeFileAt(t, dir, "2017/10/05/new.tgz", 50, base.Add(time.Minute))

	files, err := FindFiles(dir, base.Add(-time.Hour), base)
	require.NoError(t, err)
	SortByMtime(files)

	require.Len(t, files, 2)
	assert.Equal(t, "2017/10/05/mid.tgz", files[0].Path)
	assert.Equal(t, "2017/10/05/high.tgz", files[1].Path)
	assert.Equal(t, int64(70), TotalSize(files))
}

func TestFindFiles_MissingDir(t *testing.T) {
	files, err := FindFiles(filepath.Join(t.TempDir(), "does-not-exist"), time.Time{}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestSortByMtime_TiesByPath(t *testing.T) {
	ts := time.Date(2017, 10, 5, 0, 0, 0, 0, time.UTC)
	files := []LocalFile{
		{Path: "b", Mtime: ts},
		{Path: "a", Mtime: ts},
		{Path: "c", Mtime: ts.Add(-time.Second)},
	}
	SortByMtime(files)
	assert.Equal(t, []string{"c", "a", "b"}, []string{files[0].Path, files[1].Path, files[2].Path})
}

func TestRemoveUpTo_DeletesAndPrunes(t *testing.T) {
	dir := t.TempDir()
	cut := time.Date(2017, 10, 5, 23, 59, 59, 0, time.UTC)

	writeFileAt(t, dir, "2017/10/04/a.tgz", 1, cut.Add(-24*time.Hour))
	writeFileAt(t, dir, "2017/10/05/b.tgz", 1, cut)
	writeFileAt(t, dir, "2017/10/06/c.tgz", 1, cut.Add(time.Hour))

	require.NoError(t, RemoveUpTo(dir, cut))

	assert.NoFileExists(t, filepath.Join(dir, "2017/10/04/a.tgz"))
	assert.NoFileExists(t, filepath.Join(dir, "2017/10/05/b.tgz"))
	assert.FileExists(t, filepath.Join(dir, "2017/10/06/c.tgz"))

	// Emptied day directories are pruned, the surviving one is not.
	assert.NoDirExists(t, filepath.Join(dir, "2017/10/04"))
	assert.NoDirExists(t, filepath.Join(dir, "2017/10/05"))
	assert.DirExists(t, filepath.Join(dir, "2017/10/06"))
}

func TestRemoveUpTo_MissingDir(t *testing.T) {
	assert.NoError(t, RemoveUpTo(filepath.Join(t.TempDir(), "gone"), time.Now()))
}

package utils

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePath(t *testing.T) {
	_, err := ResolvePath("")
	assert.Error(t, err)

	abs, err := ResolvePath("./somewhere")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(abs))

	abs, err = ResolvePath("/tmp/x/../y")
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean("/tmp/y"), abs)
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, EnsureDir(dir))
	assert.True(t, DirExists(dir))
	// Idempotent.
	require.NoError(t, EnsureDir(dir))

	file := filepath.Join(dir, "c", "f.txt")
	require.NoError(t, EnsureParent(file))
	assert.True(t, DirExists(filepath.Join(dir, "c")))
}

func TestLogInterceptorNumbersLines(t *testing.T) {
	var out bytes.Buffer
	li := NewLogInterceptor(&out)

	_, err := li.Write([]byte("first\nsec"))
	require.NoError(t, err)
	_, err = li.Write([]byte("ond\n"))
	require.NoError(t, err)
	require.NoError(t, li.Close())

	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "line=1 "))
	assert.Contains(t, lines[0], "first")
	assert.True(t, strings.HasPrefix(lines[1], "line=2 "))
	assert.Contains(t, lines[1], "second", "split writes reassemble into one line")
}

func TestLogInterceptorCloseFlushesPartial(t *testing.T) {
	var out bytes.Buffer
	li := NewLogInterceptor(&out)
	_, err := li.Write([]byte("no newline"))
	require.NoError(t, err)
	assert.Empty(t, out.String())
	require.NoError(t, li.Close())
	assert.Contains(t, out.String(), "no newline")
}

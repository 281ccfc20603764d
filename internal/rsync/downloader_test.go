package rsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m-lab/scraper/internal/fault"
)

// recordingRsync writes a fake rsync that appends the contents of its
// --files-from list to record, one invocation per line.
func recordingRsync(t *testing.T, record string, exitCode int) string {
	t.Helper()
	return fakeRsync(t, fmt.Sprintf(`
for arg in "$@"; do
  case "$arg" in
    --files-from=*)
      list="${arg#--files-from=}"
      tr '\0' ',' < "$list" >> %q
      echo >> %q
      ;;
  esac
done
exit %d
`, record, record, exitCode))
}

func TestDownload_EmptyIsNoop(t *testing.T) {
	d := NewDownloader("/nonexistent/rsync")
	require.NoError(t, d.Download(context.Background(), "rsync://example:7999/ndt", nil, t.TempDir()))
}

func TestDownload_PassesNullSeparatedList(t *testing.T) {
	record := filepath.Join(t.TempDir(), "invocations")
	bin := recordingRsync(t, record, 0)

	paths := []string{"2017/10/05/a.tgz", "2017/10/05/b with space.tgz"}
	err := NewDownloader(bin).Download(context.Background(), "rsync://example:7999/ndt", paths, t.TempDir())
	require.NoError(t, err)

	data, err := os.ReadFile(record)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Equal(t, "2017/10/05/a.tgz,2017/10/05/b with space.tgz,", lines[0])
}

func TestDownload_BatchesAtLimit(t *testing.T) {
	record := filepath.Join(t.TempDir(), "invocations")
	bin := recordingRsync(t, record, 0)

	paths := make([]string, DownloadBatchSize+1)
	for i := range paths {
		paths[i] = fmt.Sprintf("2017/10/05/file-%04d", i)
	}
	err := NewDownloader(bin).Download(context.Background(), "rsync://example:7999/ndt", paths, t.TempDir())
	require.NoError(t, err)

	data, err := os.ReadFile(record)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, DownloadBatchSize, strings.Count(lines[0], ","))
	assert.Equal(t, 1, strings.Count(lines[1], ","))
}

func TestDownload_ExitCode24OK(t *testing.T) {
	record := filepath.Join(t.TempDir(), "invocations")
	bin := recordingRsync(t, record, 24)
	err := NewDownloader(bin).Download(context.Background(), "rsync://example:7999/ndt",
		[]string{"2017/10/05/a.tgz"}, t.TempDir())
	assert.NoError(t, err)
}

func TestDownload_FailureIsRecoverable(t *testing.T) {
	record := filepath.Join(t.TempDir(), "invocations")
	bin := recordingRsync(t, record, 12)
	err := NewDownloader(bin).Download(context.Background(), "rsync://example:7999/ndt",
		[]string{"2017/10/05/a.tgz"}, t.TempDir())
	require.Error(t, err)
	assert.True(t, fault.IsRecoverable(err))
	assert.Equal(t, fault.LabelRsyncDownload, fault.Label(err))
}

package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_RecordAndLatest(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	latest, err := j.Latest(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	e1 := &Entry{
		Name:      "20171005T000000Z-mlab1-acc01-ndt-0000.tgz",
		ObjectKey: "ndt/2017/10/05/20171005T000000Z-mlab1-acc01-ndt-0000.tgz",
		MinMtime:  1507161600,
		MaxMtime:  1507165200,
		FileCount: 12,
		SizeBytes: 4096,
	}
	require.NoError(t, j.Record(ctx, e1))
	assert.NotEmpty(t, e1.UploadedAt)

	e2 := &Entry{
		Name:      "20171005T020000Z-mlab1-acc01-ndt-0000.tgz",
		ObjectKey: "ndt/2017/10/05/20171005T020000Z-mlab1-acc01-ndt-0000.tgz",
		MinMtime:  1507168800,
		MaxMtime:  1507172400,
		FileCount: 3,
		SizeBytes: 1024,
	}
	require.NoError(t, j.Record(ctx, e2))

	latest, err = j.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, e2.Name, latest.Name)

	n, err := j.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestJournal_ReplayOverwrites(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	e := &Entry{
		Name:       "20171005T000000Z-mlab1-acc01-ndt-0000.tgz",
		ObjectKey:  "ndt/2017/10/05/20171005T000000Z-mlab1-acc01-ndt-0000.tgz",
		MinMtime:   1507161600,
		MaxMtime:   1507165200,
		FileCount:  12,
		SizeBytes:  4096,
		UploadedAt: time.Now().UTC().Format(time.RFC3339),
	}
	require.NoError(t, j.Record(ctx, e))
	e.FileCount = 13
	require.NoError(t, j.Record(ctx, e))

	n, err := j.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "replaying an upload keeps one row per archive")

	latest, err := j.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 13, latest.FileCount)
}

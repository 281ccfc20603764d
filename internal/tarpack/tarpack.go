// Package tarpack groups a time-ordered stream of buffered files into
// size-bounded .tgz archives and hands each archive to a consumer callback.
//
// The grouping rule that matters: files sharing the same whole-second mtime
// are never split across archives, even when that overshoots the size bound.
// Archive names derive from the minimum member mtime down to whole seconds,
// so splitting a second would collide names and break the monotone
// high-water-mark property.
package tarpack

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/m-lab/scraper/internal/fault"
	"github.com/m-lab/scraper/internal/scan"
)

// Archive describes one sealed tarfile. Path points at the tarfile on disk
// and is only valid for the duration of the consumer callback.
type Archive struct {
	Name      string
	Path      string
	MinMtime  time.Time
	MaxMtime  time.Time
	FileCount int
	// Bytes is the uncompressed size of the members.
	Bytes int64
}

// Namer maps an archive's minimum member mtime to its filename.
type Namer func(min time.Time) string

// Packer creates archives with an external tar binary.
type Packer struct {
	TarBinary           string
	TarfileDir          string
	MaxUncompressedSize int64
}

// New returns a Packer writing tarfiles into tarfileDir.
func New(tarBinary, tarfileDir string, maxUncompressedSize int64) *Packer {
	return &Packer{
		TarBinary:           tarBinary,
		TarfileDir:          tarfileDir,
		MaxUncompressedSize: maxUncompressedSize,
	}
}

// Pack sorts files by mtime, groups them under the size bound, and for each
// group creates a tarfile named by namer, invokes fn, and deletes the
// tarfile once fn returns. Member paths inside the tarfile are relative to
// dataDir. Tar failures are non-recoverable.
func (p *Packer) Pack(ctx context.Context, dataDir string, files []scan.LocalFile, namer Namer, fn func(*Archive) error) error {
	for _, group := range groupFiles(files, p.MaxUncompressedSize) {
		if err := p.packOne(ctx, dataDir, group, namer, fn); err != nil {
			return err
		}
	}
	return nil
}

// groupFiles walks the mtime-sorted files keeping a running batch. A batch
// seals when it would reach maxSize AND the next file has a different mtime
// second than the previous file: equal-mtime files always land in the same
// archive so the high-water mark never splits a second.
func groupFiles(files []scan.LocalFile, maxSize int64) [][]scan.LocalFile {
	sorted := make([]scan.LocalFile, len(files))
	copy(sorted, files)
	scan.SortByMtime(sorted)

	var groups [][]scan.LocalFile
	var batch []scan.LocalFile
	var batchSize int64
	var prevMtime time.Time

	for _, f := range sorted {
		if len(batch) > 0 && batchSize+f.Size >= maxSize && !f.Mtime.Equal(prevMtime) {
			groups = append(groups, batch)
			batch = nil
			batchSize = 0
		}
		batch = append(batch, f)
		batchSize += f.Size
		prevMtime = f.Mtime
	}
	if len(batch) > 0 {
		groups = append(groups, batch)
	}
	return groups
}

func (p *Packer) packOne(ctx context.Context, dataDir string, group []scan.LocalFile, namer Namer, fn func(*Archive) error) error {
	a := &Archive{
		MinMtime:  group[0].Mtime,
		MaxMtime:  group[len(group)-1].Mtime,
		FileCount: len(group),
		Bytes:     scan.TotalSize(group),
	}
	a.Name = namer(a.MinMtime)
	a.Path = filepath.Join(p.TarfileDir, a.Name)

	if err := p.createTarfile(ctx, dataDir, a, group); err != nil {
		return err
	}
	// Scoped cleanup: the tarfile lives exactly as long as the consumer
	// needs it, whether or not the consumer succeeded.
	defer os.Remove(a.Path)

	return fn(a)
}

func (p *Packer) createTarfile(ctx context.Context, dataDir string, a *Archive, group []scan.LocalFile) error {
	if _, err := os.Stat(a.Path); err == nil {
		// Leftover from a pack interrupted mid-cycle.
		slog.Warn("removing pre-existing tarfile", "path", a.Path)
		if err := os.Remove(a.Path); err != nil {
			return fault.Fatalf(fault.LabelTarError, "remove stale %s: %w", a.Path, err)
		}
	}
	if err := os.MkdirAll(p.TarfileDir, 0o755); err != nil {
		return fault.Fatalf(fault.LabelTarError, "create %s: %w", p.TarfileDir, err)
	}

	list, err := os.CreateTemp("", "scraper-tar-files-")
	if err != nil {
		return fault.Fatalf(fault.LabelTarError, "tempfile: %w", err)
	}
	defer os.Remove(list.Name())
	defer list.Close()
	for _, f := range group {
		if _, err := fmt.Fprintf(list, "%s\x00", filepath.FromSlash(f.Path)); err != nil {
			return fault.Fatalf(fault.LabelTarError, "write member list: %w", err)
		}
	}
	if err := list.Sync(); err != nil {
		return fault.Fatalf(fault.LabelTarError, "flush member list: %w", err)
	}

	cmd := exec.CommandContext(ctx, p.TarBinary, "cfz", a.Path, "--null", "--files-from", list.Name())
	cmd.Dir = dataDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fault.Fatalf(fault.LabelTarError, "tar cfz %s: %w (%s)", a.Name, err, strings.TrimSpace(string(out)))
	}
	if _, err := os.Stat(a.Path); err != nil {
		return fault.Fatalf(fault.LabelNoTarFile, "tar exited 0 but %s is missing", a.Path)
	}
	slog.Info("created tarfile", "name", a.Name, "files", a.FileCount, "bytes", a.Bytes)
	return nil
}

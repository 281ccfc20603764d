package rsync

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/m-lab/scraper/internal/fault"
)

// mtimeFormat is rsync's %M out-format timestamp.
const mtimeFormat = "2006/01/02-15:04:05"

// Lister enumerates the remote module with a dry-run rsync and parses the
// verbose transfer log into RemoteFiles.
type Lister struct {
	Binary string
}

// NewLister returns a Lister that invokes the given rsync binary.
func NewLister(binary string) *Lister {
	return &Lister{Binary: binary}
}

// ListFiles runs `rsync -n -vv --out-format '%n %M' <url> <dest>` and returns
// every remote file with a well-formed dated path. dest matters even for a
// dry run: rsync compares against it to mark files uptodate.
//
// Stdout is consumed as a stream; listings for a backlogged node can run to
// hundreds of thousands of lines and must not be buffered whole. Stderr is
// collected separately and only inspected after the process exits.
func (l *Lister) ListFiles(ctx context.Context, url, dest string) ([]RemoteFile, error) {
	args := append(baseArgs(), "-n", "-vv", "--out-format=%n %M", url, dest)
	cmd := exec.CommandContext(ctx, l.Binary, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fault.Recoverablef(fault.LabelRsyncListing, "stdout pipe: %w", err)
	}

	slog.Info("rsync listing", "url", url)
	if err := cmd.Start(); err != nil {
		return nil, fault.Recoverablef(fault.LabelRsyncListing, "start %s: %w", l.Binary, err)
	}

	var files []RemoteFile
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			if rf, ok := parseListLine(scanner.Text()); ok {
				files = append(files, rf)
			}
		}
		return scanner.Err()
	})

	scanErr := g.Wait()
	waitErr := cmd.Wait()
	if waitErr != nil && !listingExitOK(waitErr) {
		return nil, fault.Recoverablef(fault.LabelRsyncListing, "rsync listing of %s: %w (stderr: %s)",
			url, waitErr, strings.TrimSpace(stderr.String()))
	}
	if scanErr != nil {
		return nil, fault.Recoverablef(fault.LabelRsyncListing, "read rsync listing of %s: %w", url, scanErr)
	}

	slog.Info("rsync listing done", "url", url, "files", len(files))
	return files, nil
}

// parseListLine classifies one line of `rsync -vv --out-format '%n %M'`
// output. Uptodate markers are skipped silently; dated data files are parsed;
// everything else (directories, per-run chatter) is debug-logged and dropped.
func parseListLine(line string) (RemoteFile, bool) {
	if strings.HasSuffix(line, " is uptodate") {
		return RemoteFile{}, false
	}
	idx := strings.LastIndexByte(line, ' ')
	if idx < 0 {
		slog.Debug("rsync listing: ignored line", "line", line)
		return RemoteFile{}, false
	}
	path, stamp := line[:idx], line[idx+1:]
	mtime, err := time.ParseInLocation(mtimeFormat, stamp, time.UTC)
	if err != nil || !ValidPath(path) {
		slog.Debug("rsync listing: ignored line", "line", line)
		return RemoteFile{}, false
	}
	return RemoteFile{Path: path, Mtime: mtime}, true
}

// listingExitOK accepts the exit codes that still leave the listing usable:
// 23 and 24 mean some files vanished or could not be read mid-listing, which
// is routine on a node that is actively writing.
func listingExitOK(err error) bool {
	var exit *exec.ExitError
	if !errors.As(err, &exit) {
		return false
	}
	switch exit.ExitCode() {
	case 0, 23, 24:
		return true
	}
	return false
}

package rsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/m-lab/scraper/internal/fault"
)

// Downloader fetches selected paths from the remote module into the local
// buffer directory.
type Downloader struct {
	Binary string
}

// NewDownloader returns a Downloader that invokes the given rsync binary.
func NewDownloader(binary string) *Downloader {
	return &Downloader{Binary: binary}
}

// Download transfers paths from url into dest, at most DownloadBatchSize per
// rsync invocation. The path list is passed null-separated through a
// tempfile (--from0 --files-from) so filenames are never shell-interpreted
// and command lines stay short. An empty path list is a no-op.
func (d *Downloader) Download(ctx context.Context, url string, paths []string, dest string) error {
	if len(paths) == 0 {
		slog.Warn("no files to download", "url", url)
		return nil
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fault.Recoverablef(fault.LabelRsyncDownload, "create %s: %w", dest, err)
	}

	slog.Info("rsync download", "url", url, "files", len(paths))
	for start := 0; start < len(paths); start += DownloadBatchSize {
		end := min(start+DownloadBatchSize, len(paths))
		if err := d.downloadBatch(ctx, url, paths[start:end], dest); err != nil {
			return err
		}
	}
	slog.Info("rsync download done", "url", url, "files", len(paths))
	return nil
}

func (d *Downloader) downloadBatch(ctx context.Context, url string, paths []string, dest string) error {
	list, err := os.CreateTemp("", "scraper-files-from-")
	if err != nil {
		return fault.Recoverablef(fault.LabelRsyncDownload, "tempfile: %w", err)
	}
	defer os.Remove(list.Name())
	defer list.Close()

	for _, p := range paths {
		if _, err := fmt.Fprintf(list, "%s\x00", p); err != nil {
			return fault.Recoverablef(fault.LabelRsyncDownload, "write file list: %w", err)
		}
	}
	if err := list.Sync(); err != nil {
		return fault.Recoverablef(fault.LabelRsyncDownload, "flush file list: %w", err)
	}

	args := append(baseArgs(), "--from0", "--files-from="+list.Name(), url, dest)
	cmd := exec.CommandContext(ctx, d.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil && !downloadExitOK(err) {
		return fault.Recoverablef(fault.LabelRsyncDownload, "rsync download of %d files from %s: %w (stderr: %s)",
			len(paths), url, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// downloadExitOK accepts exit code 24 (files vanished on the source before
// transfer), which is expected when scraping a live node.
func downloadExitOK(err error) bool {
	var exit *exec.ExitError
	if !errors.As(err, &exit) {
		return false
	}
	switch exit.ExitCode() {
	case 0, 24:
		return true
	}
	return false
}

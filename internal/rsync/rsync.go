// Package rsync wraps the rsync binary for listing and fetching files from a
// node's rsync module. The scraper treats rsync as a black box defined by its
// observable effects: the lister yields (path, mtime) pairs, the downloader
// populates the local buffer directory.
package rsync

import (
	"regexp"
	"time"
)

// DownloadBatchSize caps the number of paths handed to one rsync invocation.
// rsync keeps per-file state, and unbounded batches OOM the worker on large
// backlogs.
const DownloadBatchSize = 1000

// RemoteFile is one candidate file on the remote side. Path is relative to
// the module root and always has the YYYY/MM/DD/<basename> shape; Mtime is
// whole-second UTC.
type RemoteFile struct {
	Path  string
	Mtime time.Time
}

// datedPath is the shape every data file must have. Directories (trailing
// slash) and anything else fail the match and are dropped at the lister.
var datedPath = regexp.MustCompile(`^\d{4}/\d\d/\d\d/[^/].*$`)

// ValidPath reports whether p has the required YYYY/MM/DD/<basename> shape.
func ValidPath(p string) bool {
	return datedPath.MatchString(p)
}

// baseArgs are the flags common to listing and download runs: IPv4,
// archive+compress, bandwidth cap, timeouts, and a chmod that guarantees the
// scraper can re-read and delete what it fetched.
func baseArgs() []string {
	return []string{
		"-4", "-az",
		"--bwlimit=10000",
		"--timeout=300",
		"--contimeout=300",
		"--chmod=u=rwX",
	}
}

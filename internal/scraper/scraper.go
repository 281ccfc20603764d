// Package scraper implements the per-endpoint sync loop: list remote files,
// download the quiescent portion, pack aged files into archives, upload them,
// and advance the endpoint's high-water mark in the sync record.
package scraper

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/m-lab/scraper/internal/fault"
	"github.com/m-lab/scraper/internal/journal"
	"github.com/m-lab/scraper/internal/metrics"
	"github.com/m-lab/scraper/internal/rsync"
	"github.com/m-lab/scraper/internal/scan"
	"github.com/m-lab/scraper/internal/tarpack"
)

// Lister enumerates remote files without transferring them.
type Lister interface {
	ListFiles(ctx context.Context, url, dest string) ([]rsync.RemoteFile, error)
}

// Downloader transfers the named remote paths into dest.
type Downloader interface {
	Download(ctx context.Context, url string, paths []string, dest string) error
}

// Packer groups local files into archives and hands each to fn.
type Packer interface {
	Pack(ctx context.Context, dataDir string, files []scan.LocalFile, namer tarpack.Namer, fn func(*tarpack.Archive) error) error
}

// Uploader pushes one archive into the object store.
type Uploader interface {
	Upload(ctx context.Context, key, path string) error
}

// Status is the endpoint's remote sync record.
type Status interface {
	GetLastArchivedMtime(ctx context.Context, def time.Time) (time.Time, error)
	UpdateLastCollectionAttempt(ctx context.Context) error
	UpdateLastArchived(ctx context.Context, date, mtime time.Time) error
	UpdateError(ctx context.Context, message string) error
}

// Journal records uploaded archives locally for operator forensics.
type Journal interface {
	Record(ctx context.Context, e *journal.Entry) error
}

// Deps are the controller's collaborators.
type Deps struct {
	Lister     Lister
	Downloader Downloader
	Packer     Packer
	Uploader   Uploader
	Status     Status
	Journal    Journal // optional
}

// Scraper runs the sync loop for a single endpoint.
type Scraper struct {
	cfg  Config
	deps Deps

	// Injected for tests.
	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rng   *rand.Rand
}

func New(cfg Config, deps Deps) (*Scraper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scraper{
		cfg:   cfg,
		deps:  deps,
		clock: time.Now,
		sleep: sleepCtx,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Run executes cycles until ctx is cancelled or NumRuns cycles have finished.
// Cycle errors never terminate the loop; they are logged, written to the sync
// record, and followed by the ordinary inter-cycle sleep.
func (s *Scraper) Run(ctx context.Context) error {
	// Files left over from an interrupted previous run may already satisfy
	// the upload policy; drain them before the first download.
	if err := s.drainStaleDisk(ctx); err != nil {
		s.settle(ctx, err)
	}

	for run := 0; s.cfg.NumRuns == 0 || run < s.cfg.NumRuns; run++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.settle(ctx, s.cycle(ctx))
	}
	return ctx.Err()
}

// cycle is one pass: record the attempt, list, filter, download, then apply
// the upload policy. A nil return means the error field may be cleared.
func (s *Scraper) cycle(ctx context.Context) error {
	if err := s.deps.Status.UpdateLastCollectionAttempt(ctx); err != nil {
		return err
	}
	high, err := s.deps.Status.GetLastArchivedMtime(ctx, time.Unix(0, 0).UTC())
	if err != nil {
		return err
	}
	metrics.HighWaterMark.Set(float64(high.Unix()))

	now := s.clock().UTC()
	rsyncStart := time.Now()
	remote, err := s.deps.Lister.ListFiles(ctx, s.cfg.Endpoint.URL(), s.cfg.DataDir)
	if err != nil {
		return err
	}

	quiescent := now.Add(-quiescenceWindow)
	var paths []string
	for _, f := range remote {
		if f.Mtime.After(high) && !f.Mtime.After(quiescent) {
			paths = append(paths, f.Path)
		}
	}
	slog.Info("remote listing filtered",
		"endpoint", s.cfg.Endpoint, "listed", len(remote), "eligible", len(paths))

	if err := s.deps.Downloader.Download(ctx, s.cfg.Endpoint.URL(), paths, s.cfg.DataDir); err != nil {
		return err
	}
	metrics.RsyncRuns.Observe(time.Since(rsyncStart).Seconds())

	if err := s.archiveIfReady(ctx, high, now); err != nil {
		return err
	}
	return s.deps.Status.UpdateError(ctx, "")
}

func (s *Scraper) drainStaleDisk(ctx context.Context) error {
	high, err := s.deps.Status.GetLastArchivedMtime(ctx, time.Unix(0, 0).UTC())
	if err != nil {
		return err
	}
	return s.archiveIfReady(ctx, high, s.clock().UTC())
}

// archiveIfReady applies the upload policy and, when it fires, packs and
// uploads everything in (high, boundary], advances the high-water mark, and
// deletes the archived local files.
func (s *Scraper) archiveIfReady(ctx context.Context, high, now time.Time) error {
	boundary, ok, err := s.uploadBoundary(high, now)
	if err != nil {
		return err
	}
	if !ok {
		slog.Info("upload policy not met, buffering", "endpoint", s.cfg.Endpoint)
		return nil
	}

	files, err := scan.FindFiles(s.cfg.DataDir, high, boundary)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		// No data, no progress: the high-water mark only moves when an
		// archive has actually been uploaded.
		slog.Info("nothing to archive", "endpoint", s.cfg.Endpoint, "boundary", boundary)
		return nil
	}
	scan.SortByMtime(files)

	uploadStart := time.Now()
	err = s.deps.Packer.Pack(ctx, s.cfg.DataDir, files, s.cfg.Endpoint.ArchiveName, func(a *tarpack.Archive) error {
		key := s.cfg.Endpoint.ObjectKey(a.MinMtime)
		if err := s.deps.Uploader.Upload(ctx, key, a.Path); err != nil {
			return err
		}
		metrics.BytesUploaded.Add(float64(a.Bytes))
		if s.deps.Journal != nil {
			if jerr := s.deps.Journal.Record(ctx, &journal.Entry{
				Name:      a.Name,
				ObjectKey: key,
				MinMtime:  a.MinMtime.Unix(),
				MaxMtime:  a.MaxMtime.Unix(),
				FileCount: a.FileCount,
				SizeBytes: a.Bytes,
			}); jerr != nil {
				// The journal is advisory; losing a row must not fail a
				// cycle whose archive is already durable.
				slog.Warn("journal write failed", "archive", a.Name, "error", jerr)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	metrics.UploadRuns.Observe(time.Since(uploadStart).Seconds())

	newHigh := files[len(files)-1].Mtime
	if err := s.deps.Status.UpdateLastArchived(ctx, newHigh, newHigh); err != nil {
		return err
	}
	metrics.HighWaterMark.Set(float64(newHigh.Unix()))

	if err := scan.RemoveUpTo(s.cfg.DataDir, newHigh); err != nil {
		return err
	}
	slog.Info("archived and advanced",
		"endpoint", s.cfg.Endpoint, "files", len(files), "high_water", newHigh)
	return nil
}

// settle is the tail of every cycle: dispose of the cycle's error, then sleep.
func (s *Scraper) settle(ctx context.Context, err error) {
	switch {
	case ctx.Err() != nil:
		return
	case err == nil:
		metrics.CycleOutcomes.WithLabelValues("success").Inc()
	default:
		label := fault.Label(err)
		slog.Error("cycle failed",
			"endpoint", s.cfg.Endpoint, "label", label,
			"recoverable", fault.IsRecoverable(err), "error", err)
		metrics.CycleOutcomes.WithLabelValues(label).Inc()
		if uerr := s.deps.Status.UpdateError(ctx, err.Error()); uerr != nil {
			slog.Error("recording cycle error failed", "error", uerr)
		}
	}

	d := s.sleepDuration()
	slog.Info("sleeping", "endpoint", s.cfg.Endpoint, "duration", d)
	metrics.Sleeps.Observe(d.Seconds())
	_ = s.sleep(ctx, d)
}

// sleepDuration draws from an exponential distribution with the configured
// mean, clamped so the tail cannot stall the worker past an hour.
func (s *Scraper) sleepDuration() time.Duration {
	d := time.Duration(s.rng.ExpFloat64() * float64(s.cfg.ExpectedWaitTime))
	if d > maxSleep {
		d = maxSleep
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package scraper

import (
	"log/slog"
	"time"

	"github.com/m-lab/scraper/internal/metrics"
	"github.com/m-lab/scraper/internal/scan"
)

// uploadBoundary decides whether this cycle may archive, and up to what mtime.
//
// Two triggers, checked in order: if more than DataBufferThreshold bytes of
// local files are older than DataWaitTime (and newer than the high-water
// mark), upload early up to now-DataWaitTime; otherwise upload up to the
// daily boundary when it lies beyond the high-water mark. Neither trigger
// firing means the cycle skips the upload phase.
func (s *Scraper) uploadBoundary(high, now time.Time) (time.Time, bool, error) {
	eligible := now.Add(-s.cfg.DataWaitTime)
	aged, err := scan.FindFiles(s.cfg.DataDir, high, eligible)
	if err != nil {
		return time.Time{}, false, err
	}
	buffered := scan.TotalSize(aged)
	metrics.BytesBuffered.Set(float64(buffered))

	if buffered > s.cfg.DataBufferThreshold {
		slog.Info("early upload triggered",
			"buffered_bytes", buffered, "threshold", s.cfg.DataBufferThreshold)
		return eligible, true, nil
	}

	daily := dailyBoundary(now)
	if daily.After(high) {
		return daily, true, nil
	}
	return time.Time{}, false, nil
}

// dailyBoundary is 23:59:59 UTC of the most recent fully-collectable day:
// yesterday once the clock passes 08:00 UTC, the day before until then. The
// eight-hour grace period gives slow nodes time to finish writing a day's
// files before we declare the day complete.
func dailyBoundary(now time.Time) time.Time {
	day := now.UTC().Add(-32 * time.Hour)
	return time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 59, 0, time.UTC)
}

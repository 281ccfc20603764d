package blob

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/m-lab/scraper/internal/fault"
)

// maxBackoffSleep caps a single retry sleep.
const maxBackoffSleep = 300 * time.Second

// ObjectPutter is the slice of Client the retrying uploader needs.
type ObjectPutter interface {
	Upload(ctx context.Context, key, path string) error
}

// Uploader retries transient upload failures forever with exponential
// backoff. The worker makes no useful forward progress while the object store
// is down, so giving up buys nothing; correctness upstream depends on
// eventual success. Non-transient errors surface immediately as
// non-recoverable faults.
type Uploader struct {
	store ObjectPutter

	// test seams
	sleep func(ctx context.Context, d time.Duration) error
	rng   *rand.Rand
}

// NewUploader wraps store with the retry policy.
func NewUploader(store ObjectPutter) *Uploader {
	return &Uploader{
		store: store,
		sleep: sleepCtx,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Upload pushes path to key, retrying transient failures until ctx is
// cancelled. Object names are deterministic, so replays overwrite the same
// key and are safe.
func (u *Uploader) Upload(ctx context.Context, key, path string) error {
	for attempt := 1; ; attempt++ {
		err := u.store.Upload(ctx, key, path)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !IsTransient(err) {
			return fault.Fatalf(fault.LabelUploadError, "upload %s: %w", key, err)
		}

		d := u.backoff(attempt)
		slog.Error("transient upload failure, backing off",
			"key", key, "attempt", attempt, "sleep", d, "error", err)
		if serr := u.sleep(ctx, d); serr != nil {
			return serr
		}
	}
}

// backoff returns 2^attempt seconds capped at maxBackoffSleep, plus 1-5 s of
// uniform jitter to keep a fleet of workers from synchronizing.
func (u *Uploader) backoff(attempt int) time.Duration {
	base := time.Duration(1<<uint(attempt)) * time.Second
	if attempt > 8 || base > maxBackoffSleep {
		base = maxBackoffSleep
	}
	jitter := time.Second + time.Duration(u.rng.Int63n(int64(4*time.Second)))
	return base + jitter
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

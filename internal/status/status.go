// Package status maintains the per-endpoint sync record: the durable resume
// point for the worker and the signal that tells the node how much of its
// buffer is safely archived and deletable.
//
// The record lives in a namespaced remote key/value store keyed by the
// endpoint's rsync URL. Field names are fixed; the fleet mirror and the
// node-side deleters parse them.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/m-lab/scraper/internal/fault"
)

const (
	// Kind is the record family inside a namespace, kept from the legacy
	// datastore layout.
	Kind = "rsync_url"

	// Timestamps carry a leading "x" so spreadsheet consumers treat them as
	// strings rather than reformatting them as dates.
	attemptFormat = "x2006-01-02-15:04"
	dateFormat    = "x2006-01-02"

	// maxErrorLen bounds the persisted error message.
	maxErrorLen = 1400

	// kvAttempts is how many times a single read or write is tried over
	// transient store errors before surfacing.
	kvAttempts = 5
)

// ErrNotFound reports an absent record or key.
var ErrNotFound = errors.New("status: record not found")

// KV is the remote key/value store the records live in. Implementations must
// return ErrNotFound (possibly wrapped) for absent keys.
type KV interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Put(ctx context.Context, namespace, key string, value []byte) error
}

// Record is the wire form of one endpoint's sync state.
type Record struct {
	DropboxRsyncAddress      string `json:"dropboxrsyncaddress"`
	LastSuccessfulCollection string `json:"lastsuccessfulcollection,omitempty"`
	ErrorSinceLastSuccessful string `json:"errorsincelastsuccessful,omitempty"`
	LastCollectionAttempt    string `json:"lastcollectionattempt,omitempty"`
	MaxRawFileMtimeArchived  int64  `json:"maxrawfilemtimearchived,omitempty"`
}

// Store reads and writes the sync record of a single endpoint.
//
// Store is the error sink for the controller, not a logging handler: writes
// here never feed back into the logging subsystem, so a failing store cannot
// recurse.
type Store struct {
	kv        KV
	namespace string
	key       string

	clock func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewStore returns a Store for the endpoint identified by rsyncURL.
func NewStore(kv KV, namespace, rsyncURL string) *Store {
	return &Store{
		kv:        kv,
		namespace: namespace,
		key:       rsyncURL,
		clock:     func() time.Time { return time.Now().UTC() },
		sleep:     sleepCtx,
	}
}

// GetLastArchivedMtime returns the stored high-water mtime, or def when the
// record is absent or the field unset.
func (s *Store) GetLastArchivedMtime(ctx context.Context, def time.Time) (time.Time, error) {
	rec, err := s.get(ctx)
	if err != nil {
		return time.Time{}, err
	}
	if rec.MaxRawFileMtimeArchived == 0 {
		return def, nil
	}
	if rec.MaxRawFileMtimeArchived < 0 {
		return time.Time{}, fault.Fatalf(fault.LabelBadMtime,
			"stored mtime %d for %s is negative", rec.MaxRawFileMtimeArchived, s.key)
	}
	return time.Unix(rec.MaxRawFileMtimeArchived, 0).UTC(), nil
}

// UpdateLastCollectionAttempt stamps the record with the current wall clock.
// Run at the top of every cycle; downstream health checks treat a recent
// attempt plus an empty error field as "healthy".
func (s *Store) UpdateLastCollectionAttempt(ctx context.Context) error {
	return s.update(ctx, func(rec *Record) {
		rec.LastCollectionAttempt = s.clock().UTC().Format(attemptFormat)
	})
}

// UpdateLastArchived records a successful upload: both the day stamp and the
// new high-water mtime, written together. mtime must never regress; the
// caller guarantees monotonicity by only advancing past uploaded data.
func (s *Store) UpdateLastArchived(ctx context.Context, date, mtime time.Time) error {
	return s.update(ctx, func(rec *Record) {
		rec.LastSuccessfulCollection = date.UTC().Format(dateFormat)
		rec.MaxRawFileMtimeArchived = mtime.UTC().Unix()
	})
}

// UpdateError persists the last error message, truncated to fit the record.
// An empty message clears the field.
func (s *Store) UpdateError(ctx context.Context, message string) error {
	if len(message) > maxErrorLen {
		// Back up to a rune boundary so the stored JSON stays valid UTF-8.
		cut := maxErrorLen
		for cut > 0 && !utf8.RuneStart(message[cut]) {
			cut--
		}
		message = message[:cut]
	}
	return s.update(ctx, func(rec *Record) {
		rec.ErrorSinceLastSuccessful = message
	})
}

func (s *Store) get(ctx context.Context) (*Record, error) {
	var data []byte
	err := s.withRetry(ctx, "get", func() error {
		var err error
		data, err = s.kv.Get(ctx, s.namespace, s.key)
		if errors.Is(err, ErrNotFound) {
			data = nil
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	rec := &Record{DropboxRsyncAddress: s.key}
	if len(data) == 0 {
		return rec, nil
	}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fault.Fatalf(fault.LabelBadMtime, "corrupt record for %s: %w", s.key, err)
	}
	rec.DropboxRsyncAddress = s.key
	return rec, nil
}

func (s *Store) update(ctx context.Context, mutate func(*Record)) error {
	rec, err := s.get(ctx)
	if err != nil {
		return err
	}
	mutate(rec)
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.withRetry(ctx, "put", func() error {
		return s.kv.Put(ctx, s.namespace, s.key, data)
	})
}

func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= kvAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		slog.Warn("sync record store error", "op", op, "attempt", attempt, "error", err)
		if attempt < kvAttempts {
			if serr := s.sleep(ctx, time.Duration(attempt)*time.Second); serr != nil {
				break
			}
		}
	}
	return fault.Recoverablef(fault.LabelStatusStore, "%s sync record for %s: %w", op, s.key, err)
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

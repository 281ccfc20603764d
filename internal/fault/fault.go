// Package fault defines the two-kind error taxonomy used across the scraper.
//
// Every error that reaches the controller carries a short stable label (used
// as a metrics dimension and surfaced in the sync record) and a recoverable
// bit. Recoverable faults are retried on the next cycle; non-recoverable
// faults are logged and recorded but never crash the worker either, because a
// fresh cycle may heal them.
package fault

import (
	"errors"
	"fmt"
)

// Well-known labels. Components must reuse these rather than invent variants,
// so that metrics series stay stable across releases.
const (
	LabelRsyncListing  = "rsync_listing"
	LabelRsyncDownload = "rsync_download"
	LabelTarError      = "tar_error"
	LabelNoTarFile     = "no_tar_file"
	LabelUpload5xx     = "upload_5xx"
	LabelUploadError   = "upload_error"
	LabelStatusStore   = "status_store"
	LabelBadHostname   = "bad_hostname"
	LabelBadMtime      = "bad_mtime"
)

// Fault wraps an error with a stable label and a recoverability hint.
type Fault struct {
	Label       string
	Recoverable bool
	Err         error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %v", f.Label, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// Recoverablef wraps err as a recoverable fault.
func Recoverablef(label string, format string, args ...any) error {
	return &Fault{Label: label, Recoverable: true, Err: fmt.Errorf(format, args...)}
}

// Fatalf wraps err as a non-recoverable fault.
func Fatalf(label string, format string, args ...any) error {
	return &Fault{Label: label, Recoverable: false, Err: fmt.Errorf(format, args...)}
}

// IsRecoverable reports whether err is (or wraps) a recoverable fault.
// Unlabeled errors are treated as non-recoverable.
func IsRecoverable(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Recoverable
	}
	return false
}

// Label returns the stable label attached to err, or "unknown" for errors
// that escaped without one.
func Label(err error) string {
	var f *Fault
	if errors.As(err, &f) {
		return f.Label
	}
	return "unknown"
}

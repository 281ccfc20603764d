package scraper

import (
	"fmt"
	"time"

	"github.com/m-lab/scraper/internal/endpoint"
)

const (
	// quiescenceWindow is the trailing interval in which remote files are
	// considered still-being-written and must not be downloaded.
	quiescenceWindow = 15 * time.Minute

	// maxSleep clamps the exponentially-distributed inter-cycle sleep so a
	// long tail cannot stall the worker for hours.
	maxSleep = time.Hour

	defaultExpectedWaitTime    = 30 * time.Minute
	defaultDataWaitTime        = time.Hour
	defaultDataBufferThreshold = 100_000_000
)

// Config carries the controller tunables. Zero durations and thresholds are
// replaced with defaults by Validate.
type Config struct {
	Endpoint *endpoint.Endpoint

	// DataDir is the local buffer directory this worker exclusively owns.
	DataDir string

	// ExpectedWaitTime is the mean of the inter-cycle sleep distribution.
	ExpectedWaitTime time.Duration

	// DataWaitTime is the minimum file age before a file counts toward the
	// early-upload threshold.
	DataWaitTime time.Duration

	// DataBufferThreshold is the byte budget of aged-but-unarchived data
	// above which an early upload triggers.
	DataBufferThreshold int64

	// NumRuns bounds the number of cycles; 0 means run until cancelled.
	NumRuns int
}

func (c *Config) Validate() error {
	if c.Endpoint == nil {
		return fmt.Errorf("scraper: endpoint is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("scraper: data directory is required")
	}
	if c.ExpectedWaitTime <= 0 {
		c.ExpectedWaitTime = defaultExpectedWaitTime
	}
	if c.DataWaitTime <= 0 {
		c.DataWaitTime = defaultDataWaitTime
	}
	if c.DataBufferThreshold <= 0 {
		c.DataBufferThreshold = defaultDataBufferThreshold
	}
	return nil
}

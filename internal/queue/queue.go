// Package queue holds the pure scheduling rules shared by every durable,
// relational job table in the gateway: the exponential backoff law, the
// stale-claim threshold, and the notification channel naming convention.
// The actual claim/complete/fail SQL lives alongside each table's model in
// internal/repository, since the generic job queue and the forward-job
// queue have different columns; this package is what keeps their retry
// arithmetic identical.
package queue

import (
	"fmt"
	"math"
	"time"
)

const (
	// DefaultStaleThreshold is how long after its claim (locked_at) a job may
	// sit in processing before the sweep reclaims it.
	DefaultStaleThreshold = 30 * time.Minute
	// DefaultSweepInterval is how often the stale-claim sweep runs.
	DefaultSweepInterval = 5 * time.Minute
	// DefaultPollInterval is the fallback poll cadence used when a worker's
	// LISTEN subscription is unavailable or drops.
	DefaultPollInterval = 5 * time.Second
	// DefaultBatchMaxRows is the default number of rows a worker claims per
	// round. No component reads DefaultBatchMaxLatency.
	DefaultBatchMaxRows    = 100
	DefaultBatchMaxLatency = 5 * time.Second
	// DefaultShutdownGrace is how long in-flight jobs are given to finish
	// after a shutdown signal. Claims still held when it elapses are not
	// released; the stale-claim sweep reclaims them.
	DefaultShutdownGrace = 30 * time.Second
)

// AllChannel is the notification channel every worker, regardless of job
// type, may subscribe to for a coarse wake-up.
const AllChannel = "job_queue_all"

// Channel returns the per-job-type notification channel name.
func Channel(jobType string) string {
	return fmt.Sprintf("job_queue_%s", jobType)
}

// Backoff returns the retry delay for a job whose attempts counter has just
// been incremented to attempts. attempts=1 (first failure) backs off 1s,
// attempts=2 backs off 2s, attempts=3 backs off 4s, and so on: 2^(k-1).
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	seconds := math.Pow(2, float64(attempts-1))
	return time.Duration(seconds) * time.Second
}

// NextAvailableAt computes the available_at timestamp for a retried job.
func NextAvailableAt(now time.Time, attempts int) time.Time {
	return now.Add(Backoff(attempts))
}

// Package jobqueue configuration - tunable parameters for the River-based
// summary backfill queue.
package jobqueue

import (
	"time"

	"github.com/riverqueue/river"
)

// QueueConfig holds the configurable parameters for the backfill queue.
type QueueConfig struct {
	// MaxWorkers is the number of concurrent workers running backfill jobs.
	// Each worker holds one in-flight model call, so keep this below the
	// provider's concurrency allowance.
	MaxWorkers int

	// JobTimeout bounds a single model call.
	JobTimeout time.Duration
}

// DefaultQueueConfig returns the default configuration.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxWorkers: 4,
		JobTimeout: 2 * time.Minute,
	}
}

// RiverQueueConfig converts our config to River's queue configuration format.
func (c *QueueConfig) RiverQueueConfig() map[string]river.QueueConfig {
	return map[string]river.QueueConfig{
		river.QueueDefault: {
			MaxWorkers: c.MaxWorkers,
		},
	}
}

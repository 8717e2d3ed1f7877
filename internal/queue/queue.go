// Package queue carries usage snapshots from the selection path to the
// storage writer without making selection wait on the database.
//
// Two backends:
//
//  1. MemoryQueue: a buffered channel. Nothing survives a restart, which is
//     fine for a single broker process because the live counters are in
//     memory anyway.
//  2. RedisQueue: a Redis list. Snapshots survive a broker restart and can be
//     drained by whichever replica runs the writer.
//
// Items that cannot be written after retries go to a DeadLetterQueue.
package queue

import (
	"context"
	"time"
)

// Queue is a FIFO of typed items.
type Queue[T any] interface {
	// Enqueue adds an item to the queue
	Enqueue(ctx context.Context, item T) error

	// Dequeue retrieves up to maxItems items, blocking until at least one
	// is available or ctx is done
	Dequeue(ctx context.Context, maxItems int) ([]T, error)

	// DequeueWithTimeout is Dequeue that gives up after timeout and returns
	// an empty slice
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]T, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue
	Close() error
}

// DeadLetterQueue holds items that could not be processed.
type DeadLetterQueue[T any] interface {
	Add(ctx context.Context, item T, err error) error
	List(ctx context.Context, maxItems int) ([]DeadLetterItem[T], error)
	Remove(ctx context.Context, id string) error
	Close() error
}

// DeadLetterItem is a failed item with its last error.
type DeadLetterItem[T any] struct {
	ID        string    `json:"id"`
	Item      T         `json:"item"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	Retries   int       `json:"retries"`
}

// Config holds queue configuration
type Config struct {
	// BatchSize is the maximum number of items handed to a consumer at once
	BatchSize int

	// BatchTimeout is how long a consumer waits for a partial batch
	BatchTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration

	// QueueName is the name/key for the queue
	QueueName string
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		BatchSize:    100,
		BatchTimeout: 2 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 500 * time.Millisecond,
		QueueName:    queueName,
	}
}

package queue

import "errors"

// Sentinel errors shared by the memory and Redis queues.
var (
	ErrQueueClosed        = errors.New("queue: closed")
	ErrItemNotFound       = errors.New("queue: dead letter item not found")
	ErrMaxRetriesExceeded = errors.New("queue: persist retries exhausted")
)

package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"keybroker/internal/metrics"
	"keybroker/internal/models"
	"keybroker/internal/queue"
	"keybroker/internal/utils"
)

// UsageSnapshot is the usage document of one binding at one point in time.
// Seq increases with every change made by the process that took it.
type UsageSnapshot struct {
	BindingID uuid.UUID            `json:"bindingId"`
	Seq       uint64               `json:"seq"`
	Usage     models.UsageDocument `json:"usage"`
	TakenAt   time.Time            `json:"takenAt"`
}

// newerThan orders snapshots of the same binding
func (s UsageSnapshot) newerThan(o UsageSnapshot) bool {
	if !s.TakenAt.Equal(o.TakenAt) {
		return s.TakenAt.After(o.TakenAt)
	}
	return s.Seq > o.Seq
}

// UsageWriterConfig holds writer settings
type UsageWriterConfig struct {
	BatchSize      int
	BatchTimeout   time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	EnqueueTimeout time.Duration
}

// DefaultUsageWriterConfig returns default writer settings
func DefaultUsageWriterConfig() UsageWriterConfig {
	return UsageWriterConfig{
		BatchSize:      100,
		BatchTimeout:   2 * time.Second,
		MaxRetries:     3,
		RetryBackoff:   500 * time.Millisecond,
		EnqueueTimeout: 50 * time.Millisecond,
	}
}

// UsageWriter persists usage snapshots asynchronously. Snapshots of the same
// binding are coalesced so only the newest one is written.
type UsageWriter struct {
	queue       queue.Queue[UsageSnapshot]
	dlq         queue.DeadLetterQueue[UsageSnapshot]
	store       BindingStore
	config      UsageWriterConfig
	logger      *utils.Logger
	stopChan    chan struct{}
	stoppedChan chan struct{}
	stopOnce    sync.Once

	mu      sync.Mutex
	written map[uuid.UUID]UsageSnapshot
}

// NewUsageWriter creates a new usage writer
func NewUsageWriter(q queue.Queue[UsageSnapshot], dlq queue.DeadLetterQueue[UsageSnapshot], store BindingStore, config UsageWriterConfig) *UsageWriter {
	def := DefaultUsageWriterConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = def.BatchTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.EnqueueTimeout <= 0 {
		config.EnqueueTimeout = def.EnqueueTimeout
	}

	return &UsageWriter{
		queue:       q,
		dlq:         dlq,
		store:       store,
		config:      config,
		logger:      utils.NewLogger("usage-writer"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
		written:     make(map[uuid.UUID]UsageSnapshot),
	}
}

// PersistUsage enqueues a snapshot. It never waits longer than the enqueue
// timeout; a dropped snapshot is superseded by the binding's next one.
func (w *UsageWriter) PersistUsage(ctx context.Context, bindingID uuid.UUID, seq uint64, doc models.UsageDocument, takenAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, w.config.EnqueueTimeout)
	defer cancel()

	snap := UsageSnapshot{BindingID: bindingID, Seq: seq, Usage: doc, TakenAt: takenAt}
	if err := w.queue.Enqueue(ctx, snap); err != nil {
		metrics.UsageWritesTotal.WithLabelValues("dropped").Inc()
		return fmt.Errorf("failed to enqueue usage snapshot: %w", err)
	}
	return nil
}

// Start starts the worker goroutine
func (w *UsageWriter) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop stops the worker and writes whatever is still queued
func (w *UsageWriter) Stop() error {
	w.stopOnce.Do(func() { close(w.stopChan) })
	<-w.stoppedChan
	return nil
}

func (w *UsageWriter) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Usage writer stopping, flushing queue")
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := w.Flush(flushCtx); err != nil {
				w.logger.Error("Final usage flush failed", "error", err)
			}
			cancel()
			return
		case <-ctx.Done():
			w.logger.Info("Usage writer context cancelled")
			return
		default:
			if _, err := w.processBatch(ctx, w.config.BatchTimeout); err != nil {
				if errors.Is(err, queue.ErrQueueClosed) {
					return
				}
				if ctx.Err() == nil {
					w.logger.Error("Failed to dequeue usage snapshots", "error", err)
					w.sleep(ctx, time.Second)
				}
			}
		}
	}
}

// Flush writes queued snapshots until the queue is empty
func (w *UsageWriter) Flush(ctx context.Context) error {
	for {
		n, err := w.processBatch(ctx, 10*time.Millisecond)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

// processBatch dequeues, coalesces and writes one batch. It returns the
// number of snapshots dequeued.
func (w *UsageWriter) processBatch(ctx context.Context, timeout time.Duration) (int, error) {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, timeout)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	if n, err := w.queue.Length(ctx); err == nil {
		metrics.UsageQueueLength.Set(float64(n))
	}

	latest := w.coalesce(items)
	if len(latest) == 0 {
		return len(items), nil
	}
	metrics.UsageWritesTotal.WithLabelValues("coalesced").Add(float64(len(items) - len(latest)))

	w.logger.Debug("Writing usage batch", "dequeued", len(items), "bindings", len(latest))
	if err := w.writeWithRetry(ctx, latest); err != nil {
		w.deadLetter(ctx, latest, err)
		return len(items), nil
	}

	w.mu.Lock()
	for _, s := range latest {
		w.written[s.BindingID] = s
	}
	w.mu.Unlock()
	metrics.UsageWritesTotal.WithLabelValues("written").Add(float64(len(latest)))
	return len(items), nil
}

// coalesce keeps the newest snapshot per binding, dropping anything older
// than what has already been written
func (w *UsageWriter) coalesce(items []UsageSnapshot) []UsageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	byBinding := make(map[uuid.UUID]int, len(items))
	var latest []UsageSnapshot
	for _, s := range items {
		if prev, ok := w.written[s.BindingID]; ok && !s.newerThan(prev) {
			metrics.UsageWritesTotal.WithLabelValues("stale").Inc()
			continue
		}
		if i, ok := byBinding[s.BindingID]; ok {
			if s.newerThan(latest[i]) {
				latest[i] = s
			}
			continue
		}
		byBinding[s.BindingID] = len(latest)
		latest = append(latest, s)
	}
	return latest
}

func (w *UsageWriter) writeWithRetry(ctx context.Context, snaps []UsageSnapshot) error {
	updates := make([]UsageUpdate, len(snaps))
	for i, s := range snaps {
		updates[i] = UsageUpdate{BindingID: s.BindingID, Usage: s.Usage}
	}

	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("Retrying usage batch", "attempt", attempt, "backoff", backoff)
			if !w.sleep(ctx, backoff) {
				return ctx.Err()
			}
		}

		if err := w.store.UpdateUsageBatch(ctx, updates); err != nil {
			lastErr = err
			w.logger.Warn("Failed to write usage batch", "attempt", attempt, "error", err)
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", queue.ErrMaxRetriesExceeded, lastErr)
}

func (w *UsageWriter) deadLetter(ctx context.Context, snaps []UsageSnapshot, cause error) {
	metrics.UsageWritesTotal.WithLabelValues("failed").Add(float64(len(snaps)))
	if w.dlq == nil {
		w.logger.Error("Dropping usage snapshots", "count", len(snaps), "error", cause)
		return
	}
	for _, s := range snaps {
		if err := w.dlq.Add(context.WithoutCancel(ctx), s, cause); err != nil {
			w.logger.Error("Failed to add to dead letter queue", "binding_id", s.BindingID, "error", err)
			continue
		}
	}
	w.logger.Warn("Usage snapshots moved to DLQ", "count", len(snaps), "error", cause)
}

func (w *UsageWriter) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-w.stopChan:
		return true
	case <-ctx.Done():
		return false
	}
}

// GetQueueLength returns the current queue length
func (w *UsageWriter) GetQueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// GetDeadLetterItems returns items from the dead letter queue
func (w *UsageWriter) GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem[UsageSnapshot], error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetterItem re-enqueues a failed snapshot
func (w *UsageWriter) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}

	items, err := w.dlq.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead letter items: %w", err)
	}

	for _, dlItem := range items {
		if dlItem.ID != id {
			continue
		}
		if err := w.queue.Enqueue(ctx, dlItem.Item); err != nil {
			return fmt.Errorf("failed to re-enqueue item: %w", err)
		}
		if err := w.dlq.Remove(ctx, id); err != nil {
			return fmt.Errorf("failed to remove from DLQ: %w", err)
		}
		return nil
	}

	return queue.ErrItemNotFound
}

package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keybroker/internal/models"
	"keybroker/internal/queue"
)

// flakyBindings fails the first failures batch writes
type flakyBindings struct {
	*MemoryBindings
	mu       sync.Mutex
	failures int
	batches  [][]UsageUpdate
}

func (f *flakyBindings) UpdateUsageBatch(ctx context.Context, updates []UsageUpdate) error {
	f.mu.Lock()
	f.batches = append(f.batches, updates)
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("simulated database error")
	}
	f.mu.Unlock()
	return f.MemoryBindings.UpdateUsageBatch(ctx, updates)
}

func newTestWriter(store BindingStore, dlq queue.DeadLetterQueue[UsageSnapshot]) (*UsageWriter, *queue.MemoryQueue[UsageSnapshot]) {
	q := queue.NewMemoryQueue[UsageSnapshot](queue.DefaultConfig("usage-test"))
	w := NewUsageWriter(q, dlq, store, UsageWriterConfig{
		BatchSize:    50,
		BatchTimeout: 20 * time.Millisecond,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
	})
	return w, q
}

func usedDoc(rpm int64) models.UsageDocument {
	doc := models.NewUsageDocument(models.UsageLimits{RPM: 100})
	doc.RPM.Used = rpm
	return doc
}

func TestUsageWriter_CoalescesLatestSnapshot(t *testing.T) {
	s, _, b := seedMemory(t)
	store := &flakyBindings{MemoryBindings: s.Bindings()}
	w, _ := newTestWriter(store, nil)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, w.PersistUsage(ctx, b.ID, 1, usedDoc(1), at))
	require.NoError(t, w.PersistUsage(ctx, b.ID, 3, usedDoc(3), at))
	require.NoError(t, w.PersistUsage(ctx, b.ID, 2, usedDoc(2), at))

	require.NoError(t, w.Flush(ctx))

	got, err := s.Bindings().GetByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Usage.RPM.Used)
	require.Len(t, store.batches, 1)
	assert.Len(t, store.batches[0], 1)

	// an older snapshot arriving late is ignored
	require.NoError(t, w.PersistUsage(ctx, b.ID, 2, usedDoc(2), at))
	require.NoError(t, w.Flush(ctx))
	got, _ = s.Bindings().GetByID(ctx, b.ID)
	assert.Equal(t, int64(3), got.Usage.RPM.Used)
}

func TestUsageWriter_RetriesThenSucceeds(t *testing.T) {
	s, _, b := seedMemory(t)
	store := &flakyBindings{MemoryBindings: s.Bindings(), failures: 2}
	dlq := queue.NewMemoryDeadLetterQueue[UsageSnapshot]()
	w, _ := newTestWriter(store, dlq)
	ctx := context.Background()

	require.NoError(t, w.PersistUsage(ctx, b.ID, 1, usedDoc(5), time.Now()))
	require.NoError(t, w.Flush(ctx))

	got, _ := s.Bindings().GetByID(ctx, b.ID)
	assert.Equal(t, int64(5), got.Usage.RPM.Used)
	items, err := w.GetDeadLetterItems(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestUsageWriter_DeadLettersAndRetry(t *testing.T) {
	s, _, b := seedMemory(t)
	store := &flakyBindings{MemoryBindings: s.Bindings(), failures: 3}
	dlq := queue.NewMemoryDeadLetterQueue[UsageSnapshot]()
	w, _ := newTestWriter(store, dlq)
	ctx := context.Background()

	require.NoError(t, w.PersistUsage(ctx, b.ID, 1, usedDoc(7), time.Now()))
	require.NoError(t, w.Flush(ctx))

	items, err := w.GetDeadLetterItems(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, b.ID, items[0].Item.BindingID)
	assert.Contains(t, items[0].Error, "max retries exceeded")

	require.NoError(t, w.RetryDeadLetterItem(ctx, items[0].ID))
	require.NoError(t, w.Flush(ctx))

	got, _ := s.Bindings().GetByID(ctx, b.ID)
	assert.Equal(t, int64(7), got.Usage.RPM.Used)
	assert.ErrorIs(t, w.RetryDeadLetterItem(ctx, "missing"), queue.ErrItemNotFound)
}

func TestUsageWriter_StopFlushes(t *testing.T) {
	s, _, b := seedMemory(t)
	w, _ := newTestWriter(s.Bindings(), nil)

	ctx := context.Background()
	w.Start(ctx)
	require.NoError(t, w.PersistUsage(ctx, b.ID, 1, usedDoc(9), time.Now()))
	require.NoError(t, w.Stop())

	got, _ := s.Bindings().GetByID(ctx, b.ID)
	assert.Equal(t, int64(9), got.Usage.RPM.Used)
	require.NoError(t, w.Stop(), "stop is idempotent")
}

func TestUsageWriter_PersistOnClosedQueue(t *testing.T) {
	s, _, _ := seedMemory(t)
	w, q := newTestWriter(s.Bindings(), nil)
	require.NoError(t, q.Close())

	err := w.PersistUsage(context.Background(), uuid.New(), 1, usedDoc(1), time.Now())
	assert.ErrorIs(t, err, queue.ErrQueueClosed)
}

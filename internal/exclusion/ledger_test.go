package exclusion

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keybroker/internal/models"
	"keybroker/internal/storage"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestLedger_ExpiryAfterCooldown(t *testing.T) {
	c := newClock()
	l := NewLedger(storage.NewMemoryStore().Exclusions(), DefaultBackoffPolicy(), WithClock(c.Now))
	ctx := context.Background()
	id := uuid.New()

	entry := l.Exclude(ctx, id, models.ReasonRateLimited, 60*time.Second)
	assert.Equal(t, 1, entry.RetryCount)
	assert.Equal(t, c.now.Add(60*time.Second), entry.RetryAt)

	c.Advance(30 * time.Second)
	assert.True(t, l.IsExcluded(id))

	c.Advance(31 * time.Second)
	assert.False(t, l.IsExcluded(id), "expired entries no longer exclude even before a sweep")

	n, err := l.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := l.Get(id)
	assert.False(t, ok)
}

func TestLedger_BackoffGrowsAndResets(t *testing.T) {
	c := newClock()
	l := NewLedger(nil, DefaultBackoffPolicy(), WithClock(c.Now))
	ctx := context.Background()
	id := uuid.New()

	first := l.Exclude(ctx, id, models.ReasonRateLimited, 0)
	c.Advance(61 * time.Second)
	_, _ = l.SweepExpired(ctx)

	second := l.Exclude(ctx, id, models.ReasonRateLimited, 0)
	assert.Equal(t, 2, second.RetryCount, "history survives the sweep")
	assert.Equal(t, 2*first.RetryAt.Sub(first.ExcludedAt), second.RetryAt.Sub(second.ExcludedAt))

	c.Advance(2 * time.Hour)
	third := l.Exclude(ctx, id, models.ReasonRateLimited, 0)
	assert.Equal(t, 1, third.RetryCount, "calm period restarts the count")
}

func TestLedger_TransientIsShortAndFixed(t *testing.T) {
	c := newClock()
	l := NewLedger(nil, DefaultBackoffPolicy(), WithClock(c.Now))
	ctx := context.Background()
	id := uuid.New()

	for i := 0; i < 4; i++ {
		e := l.Exclude(ctx, id, models.ReasonTransient, 0)
		assert.Equal(t, 15*time.Second, e.RetryAt.Sub(c.now))
		c.Advance(16 * time.Second)
	}
}

func TestLedger_NeverShortensActiveBan(t *testing.T) {
	c := newClock()
	l := NewLedger(nil, DefaultBackoffPolicy(), WithClock(c.Now))
	ctx := context.Background()
	id := uuid.New()

	long := l.Exclude(ctx, id, models.ReasonQuotaExhausted, time.Hour)
	short := l.Exclude(ctx, id, models.ReasonTransient, 0)
	assert.Equal(t, long.RetryAt, short.RetryAt)
	assert.Equal(t, models.ReasonTransient, short.Reason)
}

func TestLedger_ClearAndActive(t *testing.T) {
	c := newClock()
	store := storage.NewMemoryStore().Exclusions()
	l := NewLedger(store, DefaultBackoffPolicy(), WithClock(c.Now))
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	l.Exclude(ctx, a, models.ReasonRateLimited, 10*time.Minute)
	l.Exclude(ctx, b, models.ReasonTransient, 0)

	active := l.Active()
	require.Len(t, active, 2)
	assert.Equal(t, b, active[0].BindingID)

	assert.True(t, l.Clear(ctx, a))
	assert.False(t, l.Clear(ctx, a))
	assert.False(t, l.IsExcluded(a))

	stored, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, b, stored[0].BindingID)

	// a cleared binding starts its backoff over
	e := l.Exclude(ctx, a, models.ReasonRateLimited, 0)
	assert.Equal(t, 1, e.RetryCount)
}

func TestLedger_LoadMergesStoredEntries(t *testing.T) {
	c := newClock()
	store := storage.NewMemoryStore().Exclusions()
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, store.Upsert(ctx, &models.ExclusionEntry{
		BindingID: id, Reason: models.ReasonQuotaExhausted, ExcludedAt: c.now, RetryAt: c.now.Add(5 * time.Minute), RetryCount: 3,
	}))

	l := NewLedger(store, DefaultBackoffPolicy(), WithClock(c.Now))
	n, err := l.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, l.IsExcluded(id))

	c.Advance(time.Minute)
	e := l.Exclude(ctx, id, models.ReasonRateLimited, 0)
	assert.Equal(t, 4, e.RetryCount, "retry history is restored from the store")
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	c := newClock()
	store := NewRedisStore(client, "")
	l := NewLedger(store, DefaultBackoffPolicy(), WithClock(c.Now))
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	l.Exclude(ctx, a, models.ReasonRateLimited, 60*time.Second)
	l.Exclude(ctx, b, models.ReasonTransient, 0)
	assert.True(t, mr.Exists("keybroker:exclusions"))

	// a second replica sees the same bans
	other := NewLedger(store, DefaultBackoffPolicy(), WithClock(c.Now))
	_, err := other.Load(ctx)
	require.NoError(t, err)
	assert.True(t, other.IsExcluded(a))
	assert.True(t, other.IsExcluded(b))

	mr.HSet("keybroker:exclusions", "garbage", "{")
	c.Advance(20 * time.Second)
	n, err := store.DeleteExpired(ctx, c.now)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "expired transient entry and undecodable field")

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, a, entries[0].BindingID)

	l.Clear(ctx, a)
	entries, err = store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// refreshAfterRead rewrites one hash field right after the first HGETALL,
// as another replica refreshing a ban would.
type refreshAfterRead struct {
	once  sync.Once
	mr    *miniredis.Miniredis
	key   string
	field string
	value string
}

func (h *refreshAfterRead) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *refreshAfterRead) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if cmd.Name() == "hgetall" {
			h.once.Do(func() { h.mr.HSet(h.key, h.field, h.value) })
		}
		return err
	}
}

func (h *refreshAfterRead) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisStore_DeleteExpiredKeepsRefreshedBan(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewRedisStore(client, "")
	id, gone := uuid.New(), uuid.New()

	for _, bid := range []uuid.UUID{id, gone} {
		require.NoError(t, store.Upsert(ctx, &models.ExclusionEntry{
			BindingID: bid, Reason: models.ReasonRateLimited,
			ExcludedAt: now.Add(-2 * time.Minute), RetryAt: now.Add(-time.Minute), RetryCount: 1,
		}))
	}

	refreshed := models.ExclusionEntry{
		BindingID: id, Reason: models.ReasonRateLimited,
		ExcludedAt: now, RetryAt: now.Add(2 * time.Minute), RetryCount: 2,
	}
	data, err := json.Marshal(refreshed)
	require.NoError(t, err)
	client.AddHook(&refreshAfterRead{mr: mr, key: "keybroker:exclusions", field: id.String(), value: string(data)})

	n, err := store.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only the untouched expired entry goes")

	entries, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].BindingID)
	assert.Equal(t, 2, entries[0].RetryCount)
	assert.True(t, entries[0].Active(now))
}

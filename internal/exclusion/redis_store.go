package exclusion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"keybroker/internal/models"
)

// RedisStore keeps exclusion entries in one Redis hash so that every broker
// replica sees the same bans.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore creates a store under the given hash key
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "keybroker:exclusions"
	}
	return &RedisStore{client: client, key: key}
}

// List returns every stored entry. Undecodable fields are skipped.
func (s *RedisStore) List(ctx context.Context) ([]*models.ExclusionEntry, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list exclusions: %w", err)
	}

	entries := make([]*models.ExclusionEntry, 0, len(raw))
	for _, data := range raw {
		var e models.ExclusionEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			continue
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// Upsert writes an entry
func (s *RedisStore) Upsert(ctx context.Context, e *models.ExclusionEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal exclusion: %w", err)
	}
	if err := s.client.HSet(ctx, s.key, e.BindingID.String(), data).Err(); err != nil {
		return fmt.Errorf("failed to upsert exclusion: %w", err)
	}
	return nil
}

// Delete removes a binding's entry
func (s *RedisStore) Delete(ctx context.Context, bindingID uuid.UUID) error {
	if err := s.client.HDel(ctx, s.key, bindingID.String()).Err(); err != nil {
		return fmt.Errorf("failed to delete exclusion: %w", err)
	}
	return nil
}

// deleteIfUnchangedScript removes hash fields only while they still hold
// the value read by the caller. ARGV is field, value pairs.
var deleteIfUnchangedScript = redis.NewScript(`
local removed = 0
for i = 1, #ARGV, 2 do
	if redis.call('HGET', KEYS[1], ARGV[i]) == ARGV[i + 1] then
		removed = removed + redis.call('HDEL', KEYS[1], ARGV[i])
	end
end
return removed
`)

// DeleteExpired removes entries whose retry time has passed, as well as
// entries that no longer decode. An entry rewritten by another replica after
// it was read is kept.
func (s *RedisStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list exclusions: %w", err)
	}

	var stale []any
	for field, data := range raw {
		var e models.ExclusionEntry
		if err := json.Unmarshal([]byte(data), &e); err != nil || !e.Active(now) {
			stale = append(stale, field, data)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	n, err := deleteIfUnchangedScript.Run(ctx, s.client, []string{s.key}, stale...).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired exclusions: %w", err)
	}
	return n, nil
}

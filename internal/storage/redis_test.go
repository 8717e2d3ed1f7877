package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisClient_Health(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := DefaultRedisConfig()
	cfg.Address = mr.Addr()
	rc, err := NewRedisClient(cfg)
	require.NoError(t, err)
	defer rc.Close()

	ctx := context.Background()
	require.NoError(t, rc.Health(ctx))
	assert.True(t, mr.Exists("health:check"))
	assert.NotNil(t, rc.Client())
	assert.GreaterOrEqual(t, rc.GetStats().TotalConns, uint32(1))

	mr.Close()
	assert.Error(t, rc.Ping(ctx))
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := DefaultRedisConfig()
	cfg.Address = addr
	cfg.MaxRetries = -1
	_, err := NewRedisClient(cfg)
	assert.Error(t, err)
}

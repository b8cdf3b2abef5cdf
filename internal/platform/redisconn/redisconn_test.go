package redisconn

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)

	rdb, err := Open(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer rdb.Close()

	require.NoError(t, rdb.Set(context.Background(), "k", "v", 0).Err())
	got, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestOpenErrors(t *testing.T) {
	t.Run("invalid url", func(t *testing.T) {
		_, err := Open(context.Background(), "not a url")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid redis url")
	})

	t.Run("unreachable server", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		_, err := Open(context.Background(), "redis://"+addr+"/0")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to connect to redis")
	})
}

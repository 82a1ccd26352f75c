package blacklist

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlacklist(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now()
	b := New(NewMemRepository())
	b.now = func() time.Time { return now }

	require.NoError(t, b.Add(ctx, "perm", "fraud", time.Time{}))
	require.NoError(t, b.AddFor(ctx, "cool", "unavailable", time.Minute))
	require.NoError(t, b.Add(ctx, "edge", "unavailable", now))
	require.Error(t, b.Add(ctx, "", "no id", time.Time{}))
	require.Error(t, b.AddFor(ctx, "neg", "bad", -time.Second))

	for id, expected := range map[string]bool{"perm": true, "cool": true, "edge": false, "none": false} {
		ok, err := b.IsBlacklisted(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, expected, ok, id)
	}

	t.Run("upsert refreshes", func(t *testing.T) {
		require.NoError(t, b.AddFor(ctx, "edge", "unavailable again", time.Hour))
		ok, err := b.IsBlacklisted(ctx, "edge")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("cleanup", func(t *testing.T) {
		n, err := b.CleanupExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		now = now.Add(2 * time.Minute)
		n, err = b.CleanupExpired(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		l, err := b.List(ctx)
		require.NoError(t, err)
		require.Len(t, l, 2)
		assert.Equal(t, "edge", l[0].ProviderID)
		assert.Equal(t, "perm", l[1].ProviderID)
	})
}

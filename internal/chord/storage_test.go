package chord

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zde37/ringkv/pkg"
)

func TestChordStorage_Items(t *testing.T) {
	cs := NewDefaultChordStorage(time.Minute)
	defer cs.Close()
	ctx := context.Background()

	_, err := cs.GetItem(ctx, "/dynamic/a")
	assert.ErrorIs(t, err, pkg.ErrKeyNotFound)

	created, err := cs.PutItem(ctx, "/dynamic/a", []byte("one"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = cs.PutItem(ctx, "/dynamic/a", []byte("two"))
	require.NoError(t, err)
	assert.False(t, created)

	value, err := cs.GetItem(ctx, "/dynamic/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), value)

	require.NoError(t, cs.DeleteItem(ctx, "/dynamic/a"))
	assert.ErrorIs(t, cs.DeleteItem(ctx, "/dynamic/a"), pkg.ErrKeyNotFound)
}

func TestChordStorage_LookupCache(t *testing.T) {
	ctx := context.Background()
	peer := testPeer(0x8000, 4008)

	t.Run("miss", func(t *testing.T) {
		cs := NewDefaultChordStorage(time.Minute)
		defer cs.Close()

		cached, err := cs.CachedResponsible(ctx, 0x6a50)
		require.NoError(t, err)
		assert.Nil(t, cached)
	})

	t.Run("hit and forget", func(t *testing.T) {
		cs := NewDefaultChordStorage(time.Minute)
		defer cs.Close()

		require.NoError(t, cs.CacheResponsible(ctx, 0x6a50, peer))
		cached, err := cs.CachedResponsible(ctx, 0x6a50)
		require.NoError(t, err)
		require.NotNil(t, cached)
		assert.Equal(t, peer, *cached)

		cs.ForgetResponsible(ctx, 0x6a50)
		cached, err = cs.CachedResponsible(ctx, 0x6a50)
		require.NoError(t, err)
		assert.Nil(t, cached)
	})

	t.Run("zero TTL never expires", func(t *testing.T) {
		cs := NewDefaultChordStorage(0)
		defer cs.Close()

		require.NoError(t, cs.CacheResponsible(ctx, 0x6a50, peer))
		cached, err := cs.CachedResponsible(ctx, 0x6a50)
		require.NoError(t, err)
		require.NotNil(t, cached)
		assert.Equal(t, peer, *cached)
	})

	t.Run("cache entries never shadow items", func(t *testing.T) {
		cs := NewDefaultChordStorage(time.Minute)
		defer cs.Close()

		require.NoError(t, cs.CacheResponsible(ctx, 0x6a50, peer))
		_, err := cs.GetItem(ctx, "/a")
		assert.ErrorIs(t, err, pkg.ErrKeyNotFound)
	})
}

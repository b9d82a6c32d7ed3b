package pebble_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/chatsync/internal/local"
	"github.com/and161185/chatsync/internal/local/pebble"
	"github.com/and161185/chatsync/internal/local/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) local.Store {
		s, err := pebble.OpenInMemory()
		require.NoError(t, err)
		return s
	})
}

func TestStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := pebble.Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, local.CursorKey("c"), []byte("42")))
	require.NoError(t, s.Close())

	s, err = pebble.Open(dir)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get(ctx, local.CursorKey("c"))
	require.NoError(t, err)
	require.Equal(t, []byte("42"), v)
}

package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/chatsync/internal/local"
	"github.com/and161185/chatsync/internal/local/sqlite"
	"github.com/and161185/chatsync/internal/local/storetest"
)

func open(t *testing.T) local.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "chatsync.db"))
	require.NoError(t, err)
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, open)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatsync.db")
	ctx := context.Background()

	s, err := sqlite.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, local.DeviceKey, []byte("dev-1")))
	require.NoError(t, s.Close())

	s, err = sqlite.Open(path)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get(ctx, local.DeviceKey)
	require.NoError(t, err)
	require.Equal(t, []byte("dev-1"), v)
}

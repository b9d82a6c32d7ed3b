package migrate

import (
	"io/fs"
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/chatsync/migrations"
)

func TestMigrationsAreEmbeddedAndOrdered(t *testing.T) {
	require.NoError(t, prepare())

	files, err := fs.Glob(migrations.FS, "*.sql")
	require.NoError(t, err)
	require.Len(t, files, 2)

	ms, err := goose.CollectMigrations(".", 0, goose.MaxVersion)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	require.Equal(t, int64(1), ms[0].Version)
	require.Equal(t, int64(2), ms[1].Version)
}

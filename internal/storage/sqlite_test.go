package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	logx "groupcast/pkg/logx"
)

func setupSQLite(t *testing.T) (Store, *testClock) {
	t.Helper()
	clock := newTestClock()
	st, err := Open(context.Background(), Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "groupcast.db"),
		Now:    clock.Now,
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st, clock
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	st, clock := setupSQLite(t)
	storeContract(t, st, clock)
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "groupcast.db")
	ctx := context.Background()

	st, err := Open(ctx, Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.UpsertUser(ctx, 7, "Eve"))
	require.NoError(t, st.Close())

	st, err = Open(ctx, Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	u, err := st.GetUser(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, "Eve", u.FullName)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "mysql"}, logx.Nop())
	require.ErrorContains(t, err, "unknown storage driver")
}

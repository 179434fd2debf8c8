package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/m1nuzz/ralph-tui/internal/common/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := NewStore(filepath.Join(t.TempDir(), "history.db"), logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRecordAndGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Record(ctx, "s1", 1, "hello\n", "warn\n"))

	got, err := st.Get(ctx, "s1", 1)
	require.NoError(t, err)
	require.Equal(t, "hello\n", got.Output)
	require.Equal(t, "warn\n", got.Stderr)
}

func TestRecordReplaces(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Record(ctx, "s1", 1, "first", ""))
	require.NoError(t, st.Record(ctx, "s1", 1, "second", ""))

	got, err := st.Get(ctx, "s1", 1)
	require.NoError(t, err)
	require.Equal(t, "second", got.Output)
}

func TestGetMissing(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Get(context.Background(), "s1", 99)
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestListOrdered(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.Record(ctx, "s1", 2, "two", ""))
	require.NoError(t, st.Record(ctx, "s1", 1, "one", ""))
	require.NoError(t, st.Record(ctx, "other", 1, "x", ""))

	got, err := st.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint(1), got[0].Iteration)
	require.Equal(t, uint(2), got[1].Iteration)
}

//go:build integration

package dataset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/suraksha/internal/biometrics"
	"github.com/mbd888/suraksha/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	entries := seed(t, s)

	got, err := s.Get(t.Context(), entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, entries[0].Record.Encode(), got.Record.Encode())

	pins, err := s.List(t.Context(), biometrics.KindPin, 0)
	require.NoError(t, err)
	assert.Len(t, pins, 1)

	require.NoError(t, s.Delete(t.Context(), entries[1].ID))
	assert.ErrorIs(t, s.Delete(t.Context(), entries[1].ID), ErrNotFound)

	n, err := s.Clear(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPostgresStoreListPage(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	s := NewPostgresStore(db)
	seed(t, s)

	first, err := ListPage(t.Context(), s, "", "", 2)
	require.NoError(t, err)
	require.True(t, first.HasMore)

	second, err := ListPage(t.Context(), s, "", first.NextCursor, 2)
	require.NoError(t, err)
	assert.False(t, second.HasMore)
	require.Len(t, second.Entries, 1)
	assert.NotEqual(t, first.Entries[1].ID, second.Entries[0].ID)
}

package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 30, 0, 123456000, time.UTC)
	id := "7f0c3a52-93b1-4d55-8d8e-1f1f0b0a9c11"

	cursor, err := Decode(Encode(ts, id))
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.True(t, ts.Equal(cursor.CreatedAt))
	assert.Equal(t, id, cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	for _, s := range []string{
		"not-base64!!!",
		"bm9waXBl",    // "nopipe"
		"MTIzfA",      // "123|"
		"YWJjfGlkLTE", // "abc|id-1"
	} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestFollows(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := &Cursor{CreatedAt: base, ID: "m"}

	assert.True(t, c.Follows(base.Add(-time.Second), "z"), "older")
	assert.False(t, c.Follows(base.Add(time.Second), "a"), "newer")
	assert.True(t, c.Follows(base, "a"), "same time, lower id")
	assert.False(t, c.Follows(base, "m"), "the cursor item itself")

	var none *Cursor
	assert.True(t, none.Follows(base, "m"))
}

func TestComputePage(t *testing.T) {
	key := func(s string) (time.Time, string) {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s
	}

	items, next, more := ComputePage([]string{"a", "b", "c"}, 5, key)
	assert.Len(t, items, 3)
	assert.Empty(t, next)
	assert.False(t, more)

	items, next, more = ComputePage([]string{"d", "c", "b", "a"}, 3, key)
	assert.Equal(t, []string{"d", "c", "b"}, items)
	assert.True(t, more)
	c, err := Decode(next)
	require.NoError(t, err)
	assert.Equal(t, "b", c.ID)
}

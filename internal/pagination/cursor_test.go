package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 123, time.UTC)
	id := "inv_abc123"

	encoded := Encode(ts, id)
	assert.NotEmpty(t, encoded)
	assert.NotContains(t, encoded, "=")

	cursor, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.At)
	assert.Equal(t, id, cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	tests := map[string]string{
		"not base64":   "not-base64!!!",
		"no separator": base64.RawURLEncoding.EncodeToString([]byte("nopipe")),
		"empty id":     base64.RawURLEncoding.EncodeToString([]byte("123|")),
		"bad nanos":    base64.RawURLEncoding.EncodeToString([]byte("yesterday|btl_1")),
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(raw)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, 50, ParseLimit("", 50, 199))
	assert.Equal(t, 50, ParseLimit("abc", 50, 199))
	assert.Equal(t, 50, ParseLimit("-3", 50, 199))
	assert.Equal(t, 10, ParseLimit("10", 50, 199))
	assert.Equal(t, 199, ParseLimit("5000", 50, 199))
}

func TestComputePage_NoMore(t *testing.T) {
	items := []string{"a", "b", "c"}
	page := ComputePage(items, 5, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page.Items, 3)
	assert.Empty(t, page.NextCursor)
	assert.False(t, page.HasMore)
}

func TestComputePage_HasMore(t *testing.T) {
	items := []string{"a", "b", "c", "d"}
	page := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), s
	})
	assert.Len(t, page.Items, 3)
	assert.True(t, page.HasMore)

	// The cursor points at the last kept item
	c, err := Decode(page.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "c", c.ID)
}

func TestComputePage_ExactLimit(t *testing.T) {
	items := []string{"a", "b", "c"}
	page := ComputePage(items, 3, func(s string) (time.Time, string) {
		return time.Now(), s
	})
	assert.Len(t, page.Items, 3)
	assert.Empty(t, page.NextCursor)
	assert.False(t, page.HasMore)
}

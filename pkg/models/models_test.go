package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCrawlWindow(t *testing.T) {
	w, err := NewCrawlWindow(100, 200)
	require.NoError(t, err)

	assert.True(t, w.Contains(100))
	assert.True(t, w.Contains(200))
	assert.False(t, w.Contains(201))
	assert.True(t, w.Before(99))
	assert.True(t, w.After(201))
	assert.False(t, w.Before(100))

	_, err = NewCrawlWindow(200, 100)
	assert.Error(t, err)

	single, err := NewCrawlWindow(5, 5)
	require.NoError(t, err)
	assert.True(t, single.Contains(5))
}

func TestCursor(t *testing.T) {
	var zero Cursor
	assert.True(t, zero.IsZero())
	assert.Equal(t, "start", zero.String())

	a := Cursor{Token: "t1", Timestamp: 1700000000}
	assert.True(t, a.Equal(Cursor{Token: "t1", Timestamp: 1700000000}))
	assert.False(t, a.Equal(Cursor{Token: "t2", Timestamp: 1700000000}))
	assert.False(t, a.Equal(Cursor{Token: "t1", Timestamp: 1}))
	assert.Equal(t, "2023-11-14T22:13:20Z/t1", a.String())
}

func TestRecordJSONFields(t *testing.T) {
	rec := Record{
		ID:        "abc",
		CreatedAt: 42,
		Kind:      KindPost,
		Payload:   map[string]any{"title": "hi"},
	}
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"abc","created_at":42,"kind":"post","payload":{"title":"hi"}}`, string(data))

	rec.MediaRef = "https://suno.com/song/x"
	data, err = json.Marshal(rec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"media_ref":"https://suno.com/song/x"`)

	assert.Equal(t, "hi", rec.Field("title"))
	assert.Equal(t, "", rec.Field("missing"))
	assert.Equal(t, "", Record{}.Field("title"))
}

package eventlog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndRecent(t *testing.T) {
	store, err := New(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Append("trend", "BTCUSDT", "entry", map[string]any{"price": 100.5}))
	require.NoError(t, store.Append("trend", "ETHUSDT", "exit", map[string]any{"reasons": []string{"close < sma"}}))
	require.NoError(t, store.Append("other", "BTCUSDT", "entry", nil))

	events, err := store.Recent("trend", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	// 倒序：最后写入的在最前
	assert.Equal(t, "exit", events[0].Kind)
	assert.Equal(t, "ETHUSDT", events[0].Symbol)
	assert.JSONEq(t, `{"price": 100.5}`, string(events[1].Details))

	all, err := store.Recent("", 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestNewRejectsEmptyPath(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}

package document

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ussldb/ussl/internal/strategy"
	"github.com/ussldb/ussl/internal/value"
)

func TestNewDocumentDefaults(t *testing.T) {
	now := time.UnixMilli(1000)
	d, err := New("user:alice", strategy.LWW, now)
	require.NoError(t, err)
	assert.Equal(t, "user:alice", d.ID())
	assert.Equal(t, strategy.LWW, d.Strategy())
	assert.False(t, d.IsExpired(now))
}

func TestApplyIncrementsVersionAndUpdateCount(t *testing.T) {
	now := time.UnixMilli(1000)
	d, _ := New("user:alice", strategy.LWW, now)

	_, v1, err := d.Apply(strategy.Op{Kind: strategy.OpSet, Path: "name", Value: "Alice", Writer: "w1"}, now)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v1)

	_, v2, err := d.Apply(strategy.Op{Kind: strategy.OpSet, Path: "age", Value: int64(30), Writer: "w1"}, now)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), v2)

	assert.Equal(t, uint64(2), d.Stats().UpdateCount)
}

func TestGetWholeAndPath(t *testing.T) {
	now := time.UnixMilli(1000)
	d, _ := New("user:alice", strategy.LWW, now)
	d.Apply(strategy.Op{Kind: strategy.OpSet, Path: "name", Value: "Alice", Writer: "w1"}, now)

	whole, ok, err := d.Get("")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]value.Value{"name": "Alice"}, whole)

	leaf, ok, err := d.Get("name")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Alice", leaf)

	_, ok, err = d.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeletePathLWW(t *testing.T) {
	now := time.UnixMilli(1000)
	d, _ := New("user:alice", strategy.LWW, now)
	d.Apply(strategy.Op{Kind: strategy.OpSet, Path: "name", Value: "Alice", Writer: "w1"}, now)

	_, _, err := d.DeletePath("name", "w1", now.Add(time.Millisecond))
	require.NoError(t, err)

	_, ok, _ := d.Get("name")
	assert.False(t, ok)
}

func TestDeletePathRejectedForCounter(t *testing.T) {
	now := time.UnixMilli(1000)
	d, _ := New("counter:views", strategy.Counter, now)
	_, _, err := d.DeletePath("total", "w1", now)
	require.Error(t, err)
	var me *strategy.MismatchError
	assert.ErrorAs(t, err, &me)
}

func TestSetTTLAndRemaining(t *testing.T) {
	now := time.UnixMilli(1000)
	d, _ := New("doc:x", strategy.LWW, now)

	assert.Equal(t, int64(-1), d.TTLRemaining(now))

	d.SetTTL(100, now)
	remaining := d.TTLRemaining(now)
	assert.True(t, remaining > 0 && remaining <= 100)

	assert.True(t, d.IsExpired(now.Add(200*time.Millisecond)))
	assert.Equal(t, int64(-2), d.TTLRemaining(now.Add(200*time.Millisecond)))

	d.SetTTL(0, now)
	assert.Equal(t, int64(-1), d.TTLRemaining(now))
}

func TestCompactPreservesValueAndResetsCounters(t *testing.T) {
	now := time.UnixMilli(1000)
	d, _ := New("counter:views", strategy.Counter, now)
	d.Apply(strategy.Op{Kind: strategy.OpInc, Path: "total", Writer: "w1", Delta: 1}, now)
	d.Apply(strategy.Op{Kind: strategy.OpInc, Path: "total", Writer: "w1", Delta: 5}, now)
	d.Apply(strategy.Op{Kind: strategy.OpInc, Path: "total", Writer: "w1", Delta: 10}, now)

	before, _, err := d.Get("")
	require.NoError(t, err)

	d.Compact()

	after, _, err := d.Get("")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	stats := d.Stats()
	assert.Equal(t, uint64(0), stats.UpdateCount)
	assert.Equal(t, uint64(1), stats.CompactionCount)
}

func TestAutoCompactionFlag(t *testing.T) {
	now := time.UnixMilli(1000)
	d, _ := New("counter:views", strategy.Counter, now)
	for i := 0; i < autoCompactUpdateCount; i++ {
		_, _, err := d.Apply(strategy.Op{Kind: strategy.OpInc, Path: "total", Writer: "w1", Delta: 1}, now)
		require.NoError(t, err)
	}
	assert.True(t, d.PopCompactionFlag())
	assert.False(t, d.PopCompactionFlag(), "flag should be cleared after Pop")
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	now := time.UnixMilli(1000)
	d, _ := New("user:alice", strategy.LWW, now)
	d.Apply(strategy.Op{Kind: strategy.OpSet, Path: "name", Value: "Alice", Writer: "w1"}, now)

	snap, err := d.Snapshot()
	require.NoError(t, err)

	restored, _ := New("user:alice", strategy.LWW, now)
	require.NoError(t, restored.Restore(snap))

	a, _, _ := d.Get("")
	b, _, _ := restored.Get("")
	assert.Equal(t, a, b)
}

func TestSetPathUsesPutForMapStrategy(t *testing.T) {
	now := time.UnixMilli(1000)
	d, _ := New("settings:x", strategy.Map, now)
	_, _, err := d.SetPath("theme", "dark", "w1", now)
	require.NoError(t, err)

	v, ok, err := d.Get("theme")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "dark", v)
}

func TestPushPathAppendsToExistingLeaf(t *testing.T) {
	now := time.UnixMilli(1000)
	d, _ := New("cart:a", strategy.LWW, now)

	length, _, _, err := d.PushPath("items", map[string]value.Value{"sku": "I1"}, "w1", now)
	require.NoError(t, err)
	assert.Equal(t, 1, length)

	length, _, _, err = d.PushPath("items", map[string]value.Value{"sku": "I2"}, "w1", now)
	require.NoError(t, err)
	assert.Equal(t, 2, length)

	v, ok, err := d.Get("items")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []value.Value{
		map[string]value.Value{"sku": "I1"},
		map[string]value.Value{"sku": "I2"},
	}, v)
}

func TestPushPathOnSetStrategyAddsElement(t *testing.T) {
	now := time.UnixMilli(1000)
	d, _ := New("tags:x", strategy.Set, now)

	length, _, _, err := d.PushPath("", "alpha", "w1", now)
	require.NoError(t, err)
	assert.Equal(t, 1, length)
}

func TestPushPathRejectedForCounter(t *testing.T) {
	now := time.UnixMilli(1000)
	d, _ := New("counter:views", strategy.Counter, now)
	_, _, _, err := d.PushPath("total", int64(1), "w1", now)
	require.Error(t, err)
	var me *strategy.MismatchError
	assert.ErrorAs(t, err, &me)
}

func TestPresenceSetGetAndExpiry(t *testing.T) {
	now := time.UnixMilli(1000)
	d, _ := New("doc:x", strategy.LWW, now)

	d.SetPresence("client-1", map[string]value.Value{"cursor": int64(5)}, now)
	pairs := d.Presence(now)
	require.Len(t, pairs, 1)
	assert.Equal(t, "client-1", pairs[0].ClientID)

	later := now.Add(31 * time.Second)
	pairs = d.Presence(later)
	assert.Empty(t, pairs)
}

func TestClearPresence(t *testing.T) {
	now := time.UnixMilli(1000)
	d, _ := New("doc:x", strategy.LWW, now)
	d.SetPresence("client-1", "here", now)
	d.ClearPresence()
	assert.Empty(t, d.Presence(now))
}

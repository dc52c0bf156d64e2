package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ussldb/ussl/internal/auth"
	"github.com/ussldb/ussl/internal/snapshot"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.Clock == nil {
		now := time.UnixMilli(1_700_000_000_000)
		cfg.Clock = func() time.Time { return now }
	}
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestScenarioCreateSetGet(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	res := m.Dispatch(ctx, "c1", "CREATE", []string{"user:alice", "STRATEGY", "lww"})
	require.Equal(t, KindOK, res.Kind)

	res = m.Dispatch(ctx, "c1", "SET", []string{"user:alice", "name", `"Alice"`})
	require.Equal(t, KindOK, res.Kind)

	res = m.Dispatch(ctx, "c1", "GET", []string{"user:alice"})
	require.Equal(t, KindBulk, res.Kind)
	assert.JSONEq(t, `{"name":"Alice"}`, string(res.Bulk))
}

func TestScenarioCounterIncAndCompact(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	require.Equal(t, KindOK, m.Dispatch(ctx, "c1", "CREATE", []string{"counter:views", "STRATEGY", "crdt-counter"}).Kind)

	res := m.Dispatch(ctx, "c1", "INC", []string{"counter:views", "total", "1"})
	require.Equal(t, KindInt, res.Kind)
	assert.EqualValues(t, 1, res.Int)

	res = m.Dispatch(ctx, "c1", "INC", []string{"counter:views", "total", "5"})
	assert.EqualValues(t, 6, res.Int)

	res = m.Dispatch(ctx, "c1", "INC", []string{"counter:views", "total", "10"})
	assert.EqualValues(t, 16, res.Int)

	require.Equal(t, KindOK, m.Dispatch(ctx, "c1", "COMPACT", []string{"counter:views"}).Kind)

	res = m.Dispatch(ctx, "c1", "GET", []string{"counter:views"})
	assert.JSONEq(t, `{"total":16}`, string(res.Bulk))
}

func TestScenarioPubSubFanout(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	m.Dispatch(ctx, "c1", "SUB", []string{"user:*"})
	m.Dispatch(ctx, "c2", "SUB", []string{"user:*"})

	res := m.Dispatch(ctx, "c3", "SET", []string{"user:bob", "age", "30"})
	require.Equal(t, KindOK, res.Kind)

	frame1, ok := m.Hub().Next(ctx, "c1")
	require.True(t, ok)
	assert.Equal(t, "user:bob", frame1.DocID)

	frame2, ok := m.Hub().Next(ctx, "c2")
	require.True(t, ok)
	assert.Equal(t, "user:bob", frame2.DocID)
}

func TestScenarioTTLExpiry(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	cur := now
	m := newTestManager(t, Config{Clock: func() time.Time { return cur }})
	ctx := context.Background()

	require.Equal(t, KindOK, m.Dispatch(ctx, "c1", "CREATE", []string{"doc:x", "TTL", "100"}).Kind)

	cur = now.Add(200 * time.Millisecond)
	res := m.Dispatch(ctx, "c1", "GET", []string{"doc:x"})
	assert.Equal(t, KindNullBulk, res.Kind)

	res = m.Dispatch(ctx, "c1", "TTL", []string{"doc:x"})
	assert.EqualValues(t, -2, res.Int)
}

func TestScenarioAuthGate(t *testing.T) {
	gate, err := auth.NewPasswordGate("right")
	require.NoError(t, err)
	m := newTestManager(t, Config{PasswordGate: gate})
	ctx := context.Background()

	res := m.Dispatch(ctx, "c1", "GET", []string{"x"})
	require.Equal(t, KindError, res.Kind)
	assert.Equal(t, ErrNoAuth, res.Err.Code)

	res = m.Dispatch(ctx, "c1", "AUTH", []string{"wrong"})
	require.Equal(t, KindError, res.Kind)
	assert.Equal(t, ErrNoAuth, res.Err.Code)

	res = m.Dispatch(ctx, "c1", "AUTH", []string{"right"})
	require.Equal(t, KindOK, res.Kind)

	res = m.Dispatch(ctx, "c1", "GET", []string{"x"})
	assert.Equal(t, KindNullBulk, res.Kind)
}

func TestScenarioCartPush(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	res := m.Dispatch(ctx, "c1", "PUSH", []string{"cart:a", "items", `{"sku":"I1","qty":2}`})
	require.Equal(t, KindInt, res.Kind)
	assert.EqualValues(t, 1, res.Int)

	res = m.Dispatch(ctx, "c1", "PUSH", []string{"cart:a", "items", `{"sku":"I2","qty":1}`})
	assert.EqualValues(t, 2, res.Int)

	res = m.Dispatch(ctx, "c1", "GET", []string{"cart:a"})
	assert.JSONEq(t, `{"items":[{"sku":"I1","qty":2},{"sku":"I2","qty":1}]}`, string(res.Bulk))
}

func TestCreateExistsOnStrategyMismatch(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	require.Equal(t, KindOK, m.Dispatch(ctx, "c1", "CREATE", []string{"x", "STRATEGY", "lww"}).Kind)
	res := m.Dispatch(ctx, "c1", "CREATE", []string{"x", "STRATEGY", "crdt-counter"})
	require.Equal(t, KindError, res.Kind)
	assert.Equal(t, ErrExists, res.Err.Code)

	res = m.Dispatch(ctx, "c1", "CREATE", []string{"x", "STRATEGY", "lww"})
	assert.Equal(t, KindOK, res.Kind)
}

func TestDelWholeDocumentAndPath(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	m.Dispatch(ctx, "c1", "CREATE", []string{"d", "STRATEGY", "lww"})
	m.Dispatch(ctx, "c1", "SET", []string{"d", "a", "1"})

	res := m.Dispatch(ctx, "c1", "DEL", []string{"d", "PATH", "a"})
	assert.EqualValues(t, 1, res.Int)

	res = m.Dispatch(ctx, "c1", "DEL", []string{"d", "PATH", "a"})
	assert.EqualValues(t, 0, res.Int)

	res = m.Dispatch(ctx, "c1", "DEL", []string{"d"})
	assert.EqualValues(t, 1, res.Int)

	res = m.Dispatch(ctx, "c1", "DEL", []string{"d"})
	assert.EqualValues(t, 0, res.Int)
}

func TestIncOnWrongStrategyReturnsStrategyError(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	m.Dispatch(ctx, "c1", "CREATE", []string{"d", "STRATEGY", "lww"})
	res := m.Dispatch(ctx, "c1", "INC", []string{"d", "a", "1"})
	require.Equal(t, KindError, res.Kind)
	assert.Equal(t, ErrStrategy, res.Err.Code)
}

func TestKeysInsertionOrderAndPattern(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	m.Dispatch(ctx, "c1", "CREATE", []string{"user:bob"})
	m.Dispatch(ctx, "c1", "CREATE", []string{"user:alice"})
	m.Dispatch(ctx, "c1", "CREATE", []string{"other:x"})

	res := m.Dispatch(ctx, "c1", "KEYS", []string{"user:*"})
	require.Equal(t, KindArray, res.Kind)
	require.Len(t, res.Array, 2)
	assert.Equal(t, "user:bob", string(res.Array[0].Bulk))
	assert.Equal(t, "user:alice", string(res.Array[1].Bulk))
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	m.Dispatch(ctx, "c1", "CREATE", []string{"a", "STRATEGY", "lww"})
	m.Dispatch(ctx, "c1", "SET", []string{"a", "x", "1"})
	m.Dispatch(ctx, "c1", "CREATE", []string{"b", "STRATEGY", "crdt-counter"})
	m.Dispatch(ctx, "c1", "INC", []string{"b", "total", "3"})

	backupRes := m.Dispatch(ctx, "c1", "BACKUP", nil)
	require.Equal(t, KindBulk, backupRes.Kind)

	m2 := newTestManager(t, Config{})
	restoreRes := m2.Dispatch(ctx, "c1", "RESTORE", []string{string(backupRes.Bulk)})
	require.Equal(t, KindInt, restoreRes.Kind)
	assert.EqualValues(t, 2, restoreRes.Int)

	getA := m2.Dispatch(ctx, "c1", "GET", []string{"a"})
	assert.JSONEq(t, `{"x":1}`, string(getA.Bulk))

	getB := m2.Dispatch(ctx, "c1", "GET", []string{"b"})
	assert.JSONEq(t, `{"total":3}`, string(getB.Bulk))

	keys := m2.Dispatch(ctx, "c1", "KEYS", nil)
	require.Len(t, keys.Array, 2)
}

func TestPresenceSetAndGet(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()

	m.Dispatch(ctx, "c1", "CREATE", []string{"doc:p"})
	res := m.Dispatch(ctx, "c1", "PRESENCE", []string{"doc:p", "DATA", `{"cursor":5}`})
	require.Equal(t, KindOK, res.Kind)

	res = m.Dispatch(ctx, "c2", "PRESENCE", []string{"doc:p"})
	require.Equal(t, KindBulk, res.Kind)
	assert.JSONEq(t, `[{"client_id":"c1","data":{"cursor":5}}]`, string(res.Bulk))
}

func TestWriteThroughToStore(t *testing.T) {
	store := snapshot.NewMemoryStore()
	m := newTestManager(t, Config{Store: store})
	ctx := context.Background()

	m.Dispatch(ctx, "c1", "CREATE", []string{"a", "STRATEGY", "lww"})
	m.Dispatch(ctx, "c1", "SET", []string{"a", "x", "1"})

	recs, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a", recs[0].ID)
}

func TestRehydrationFromStore(t *testing.T) {
	store := snapshot.NewMemoryStore()
	now := time.UnixMilli(1_700_000_000_000)
	clock := func() time.Time { return now }

	m1 := newTestManager(t, Config{Store: store, Clock: clock})
	ctx := context.Background()
	m1.Dispatch(ctx, "c1", "CREATE", []string{"a", "STRATEGY", "lww"})
	m1.Dispatch(ctx, "c1", "SET", []string{"a", "x", "1"})

	m2 := newTestManager(t, Config{Store: store, Clock: clock})
	res := m2.Dispatch(ctx, "c1", "GET", []string{"a"})
	require.Equal(t, KindBulk, res.Kind)
	assert.JSONEq(t, `{"x":1}`, string(res.Bulk))
}

func TestInfoReportsCounts(t *testing.T) {
	m := newTestManager(t, Config{})
	ctx := context.Background()
	m.Dispatch(ctx, "c1", "CREATE", []string{"a"})
	res := m.Dispatch(ctx, "c1", "INFO", nil)
	require.Equal(t, KindBulk, res.Kind)
	assert.Contains(t, string(res.Bulk), "documents_live:1")
}

package nativekv

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxiofs/nativekv/internal/buffer"
	"github.com/maxiofs/nativekv/pkg/engine"
)

func region(s string) buffer.Descriptor { return buffer.RegionOf([]byte(s)) }

func getString(t *testing.T, rt *Runtime, db DBHandle, key string) (string, bool) {
	t.Helper()
	val, found, err := rt.Get(db, DefaultReadOptions(), region(key))
	require.NoError(t, err)
	return string(val), found
}

func TestScenario_BatchApplyRelease(t *testing.T) {
	forEachEngine(t, func(t *testing.T, rt *Runtime, db DBHandle) {
		b, err := rt.CreateWriteBatch(db)
		require.NoError(t, err)

		require.NoError(t, rt.BatchPut(b, region("x"), region("10")))
		require.NoError(t, rt.BatchPut(b, region("y"), region("20")))
		require.NoError(t, rt.ApplyWriteBatch(db, b, WriteOptions{Sync: true}))

		val, found := getString(t, rt, db, "x")
		assert.True(t, found)
		assert.Equal(t, "10", val)
		val, found = getString(t, rt, db, "y")
		assert.True(t, found)
		assert.Equal(t, "20", val)

		require.NoError(t, rt.ReleaseWriteBatch(b))
		assertNoLeaks(t, rt)
	})
}

func TestBatch_LaterEntriesWin(t *testing.T) {
	forEachEngine(t, func(t *testing.T, rt *Runtime, db DBHandle) {
		require.NoError(t, rt.Put(db, WriteOptions{}, region("b"), region("old")))

		b, err := rt.CreateWriteBatch(db)
		require.NoError(t, err)
		defer rt.ReleaseWriteBatch(b)

		require.NoError(t, rt.BatchPut(b, region("a"), region("1")))
		require.NoError(t, rt.BatchDelete(b, region("b")))
		require.NoError(t, rt.BatchPut(b, region("a"), region("2")))

		n, err := rt.BatchCount(b)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		require.NoError(t, rt.ApplyWriteBatch(db, b, WriteOptions{}))

		val, found := getString(t, rt, db, "a")
		assert.True(t, found)
		assert.Equal(t, "2", val)
		_, found = getString(t, rt, db, "b")
		assert.False(t, found)
	})
}

func TestBatch_NothingVisibleBeforeApply(t *testing.T) {
	forEachEngine(t, func(t *testing.T, rt *Runtime, db DBHandle) {
		b, err := rt.CreateWriteBatch(db)
		require.NoError(t, err)
		defer rt.ReleaseWriteBatch(b)

		require.NoError(t, rt.BatchPut(b, region("pending"), region("v")))
		_, found := getString(t, rt, db, "pending")
		assert.False(t, found)
	})
}

func TestBatch_BuffersReleasedPerEntry(t *testing.T) {
	rt, db, _ := setupRuntime(t, engine.Pebble, 0)
	b, err := rt.CreateWriteBatch(db)
	require.NoError(t, err)
	defer rt.ReleaseWriteBatch(b)

	key := []byte("pinned-key")
	val := []byte("pinned-value")
	require.NoError(t, rt.BatchPut(b, buffer.PinnedOf(key), buffer.PinnedOf(val)))
	assertNoLeaks(t, rt)

	// The batch holds its own copy.
	copy(key, "XXXXXXXXXX")
	copy(val, "YYYYYYYYYYYY")
	require.NoError(t, rt.ApplyWriteBatch(db, b, WriteOptions{}))

	got, found := getString(t, rt, db, "pinned-key")
	assert.True(t, found)
	assert.Equal(t, "pinned-value", got)
}

func TestBatch_ReapplyAndClear(t *testing.T) {
	forEachEngine(t, func(t *testing.T, rt *Runtime, db DBHandle) {
		b, err := rt.CreateWriteBatch(db)
		require.NoError(t, err)
		defer rt.ReleaseWriteBatch(b)

		require.NoError(t, rt.BatchPut(b, region("k"), region("v")))
		require.NoError(t, rt.ApplyWriteBatch(db, b, WriteOptions{}))
		require.NoError(t, rt.Delete(db, WriteOptions{}, region("k")))

		// Applying does not consume the batch.
		require.NoError(t, rt.ApplyWriteBatch(db, b, WriteOptions{}))
		_, found := getString(t, rt, db, "k")
		assert.True(t, found)

		require.NoError(t, rt.BatchClear(b))
		n, err := rt.BatchCount(b)
		require.NoError(t, err)
		assert.Zero(t, n)
		require.NoError(t, rt.ApplyWriteBatch(db, b, WriteOptions{}))
	})
}

func TestReleaseWriteBatch_Twice(t *testing.T) {
	rt, db, _ := setupRuntime(t, engine.Pebble, 0)

	b, err := rt.CreateWriteBatch(db)
	require.NoError(t, err)
	require.NoError(t, rt.ReleaseWriteBatch(b))

	assert.ErrorIs(t, rt.ReleaseWriteBatch(b), ErrInvalidHandle)
	assert.ErrorIs(t, rt.BatchPut(b, region("k"), region("v")), ErrInvalidHandle)
	assert.ErrorIs(t, rt.BatchDelete(b, region("k")), ErrInvalidHandle)
	assert.ErrorIs(t, rt.BatchClear(b), ErrInvalidHandle)
	assert.ErrorIs(t, rt.ApplyWriteBatch(db, b, WriteOptions{}), ErrInvalidHandle)
	_, err = rt.BatchCount(b)
	assert.ErrorIs(t, err, ErrInvalidHandle)

	// A fresh batch may reuse the slot; the stale handle must not reach it.
	fresh, err := rt.CreateWriteBatch(db)
	require.NoError(t, err)
	assert.NotEqual(t, b, fresh)
	assert.ErrorIs(t, rt.ReleaseWriteBatch(b), ErrInvalidHandle)
	require.NoError(t, rt.ReleaseWriteBatch(fresh))
}

func TestApplyWriteBatch_WrongDatabase(t *testing.T) {
	rt, db, _ := setupRuntime(t, engine.Pebble, 0)
	other, err := rt.Open(tempDir(t), DefaultOptions())
	require.NoError(t, err)

	b, err := rt.CreateWriteBatch(other)
	require.NoError(t, err)
	require.NoError(t, rt.BatchPut(b, region("k"), region("v")))

	assert.ErrorIs(t, rt.ApplyWriteBatch(db, b, WriteOptions{}), ErrInvalidHandle)
	_, found := getString(t, rt, db, "k")
	assert.False(t, found)

	// A database handle is not a batch handle.
	assert.ErrorIs(t, rt.ApplyWriteBatch(db, BatchHandle(db), WriteOptions{}), ErrInvalidHandle)
	require.NoError(t, rt.ReleaseWriteBatch(b))
}

func TestApplyWriteBatch_FailureAppliesNothing(t *testing.T) {
	rt := NewRuntime(Config{Logger: testLogger(), Engine: engine.Badger})
	defer rt.Shutdown()
	opts := DefaultOptions()
	opts.WriteBufferSize = 1 << 20
	db, err := rt.Open(tempDir(t), opts)
	require.NoError(t, err)

	b, err := rt.CreateWriteBatch(db)
	require.NoError(t, err)
	value := make([]byte, 100)
	const entries = 4000
	for i := 0; i < entries; i++ {
		require.NoError(t, rt.BatchPut(b, region(fmt.Sprintf("k%04d", i)), buffer.RegionOf(value)))
	}

	// Far more than a 1 MiB memtable accepts in one transaction.
	err = rt.ApplyWriteBatch(db, b, WriteOptions{})
	var engErr *EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, "apply_batch", engErr.Op)

	for _, key := range []string{"k0000", "k0001", "k1999", "k3999"} {
		_, found := getString(t, rt, db, key)
		assert.False(t, found, key)
	}

	// The batch survives the failure and can be trimmed and reapplied.
	n, err := rt.BatchCount(b)
	require.NoError(t, err)
	assert.Equal(t, entries, n)
	require.NoError(t, rt.BatchClear(b))
	require.NoError(t, rt.BatchPut(b, region("k0000"), region("small")))
	require.NoError(t, rt.ApplyWriteBatch(db, b, WriteOptions{}))
	val, found := getString(t, rt, db, "k0000")
	assert.True(t, found)
	assert.Equal(t, "small", val)

	require.NoError(t, rt.ReleaseWriteBatch(b))
	assertNoLeaks(t, rt)
}

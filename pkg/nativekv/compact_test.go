package nativekv

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxiofs/nativekv/internal/buffer"
	"github.com/maxiofs/nativekv/pkg/engine"
)

func TestScenario_CompactUnboundedPreservesData(t *testing.T) {
	forEachEngine(t, func(t *testing.T, rt *Runtime, db DBHandle) {
		for i := 0; i < 200; i++ {
			key := fmt.Sprintf("key-%03d", i)
			require.NoError(t, rt.Put(db, WriteOptions{}, region(key), region("value-"+key)))
		}
		for i := 0; i < 200; i += 3 {
			require.NoError(t, rt.Delete(db, WriteOptions{}, region(fmt.Sprintf("key-%03d", i))))
		}

		require.NoError(t, rt.CompactRange(db, buffer.Descriptor{}, buffer.Descriptor{}))

		for i := 0; i < 200; i++ {
			key := fmt.Sprintf("key-%03d", i)
			val, found := getString(t, rt, db, key)
			if i%3 == 0 {
				assert.False(t, found, key)
				continue
			}
			assert.True(t, found, key)
			assert.Equal(t, "value-"+key, val)
		}
		assertNoLeaks(t, rt)
	})
}

func TestCompactRange_Bounds(t *testing.T) {
	forEachEngine(t, func(t *testing.T, rt *Runtime, db DBHandle) {
		for _, k := range []string{"a", "b", "c", "d"} {
			require.NoError(t, rt.Put(db, WriteOptions{}, region(k), region(k+k)))
		}

		require.NoError(t, rt.CompactRange(db, region("b"), region("c")))
		require.NoError(t, rt.CompactRange(db, buffer.PinnedOf([]byte("a")), buffer.Descriptor{}))
		require.NoError(t, rt.CompactRange(db, buffer.Descriptor{}, region("b")))

		// start after end is an empty range.
		require.NoError(t, rt.CompactRange(db, region("d"), region("a")))

		for _, k := range []string{"a", "b", "c", "d"} {
			val, found := getString(t, rt, db, k)
			assert.True(t, found)
			assert.Equal(t, k+k, val)
		}
		assertNoLeaks(t, rt)
	})
}

func TestCompactRange_EmptyDatabase(t *testing.T) {
	forEachEngine(t, func(t *testing.T, rt *Runtime, db DBHandle) {
		assert.NoError(t, rt.CompactRange(db, buffer.Descriptor{}, buffer.Descriptor{}))
	})
}

func TestCompactRange_BadBoundAcquisition(t *testing.T) {
	rt, db, _ := setupRuntime(t, engine.Pebble, 0)

	err := rt.CompactRange(db, region("a"), buffer.Region([]byte("z"), 0, 5))
	assert.ErrorIs(t, err, ErrResourceAcquisition)
	assertNoLeaks(t, rt)
}

package buffer

import (
	"errors"
	"sync"
	"testing"

	"github.com/maxiofs/nativekv/internal/native"
	"github.com/maxiofs/nativekv/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingHeap wraps a real heap and fails every Alloc once budget is spent.
type failingHeap struct {
	*native.Heap
	budget int
}

var errInjected = errors.New("injected allocation failure")

func (f *failingHeap) Alloc(n int) (native.Block, error) {
	if f.budget <= 0 {
		return native.Block{}, errInjected
	}
	f.budget--
	return f.Heap.Alloc(n)
}

func setupScope(t *testing.T, maxPins int) (*PinTable, *native.Heap) {
	heap := native.NewHeap(0)
	t.Cleanup(func() {
		assert.NoError(t, heap.Close(), "native blocks leaked")
	})
	return NewPinTable(maxPins), heap
}

func TestScope_Strategies(t *testing.T) {
	pins, heap := setupScope(t, 0)

	direct, err := heap.Alloc(5)
	require.NoError(t, err)
	defer heap.Free(direct)
	copy(direct.Bytes(), "hello")

	arr := []byte("xxhelloyy")
	tests := []struct {
		name string
		desc Descriptor
	}{
		{"region", Region(arr, 2, 5)},
		{"pinned", Pinned(arr, 2, 5)},
		{"direct", Direct(direct.Addr, direct.Len)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope := NewScope(pins, heap)
			got, err := scope.Acquire(tt.desc)
			require.NoError(t, err)
			assert.Equal(t, "hello", string(got))
			assert.Equal(t, 5, tt.desc.Len())
			require.NoError(t, scope.Release())

			assert.Zero(t, pins.Held())
			assert.Equal(t, 1, heap.Stats().LiveBlocks, "only the direct block stays live")
		})
	}
}

func TestScope_RegionIsACopy(t *testing.T) {
	pins, heap := setupScope(t, 0)
	scope := NewScope(pins, heap)
	defer scope.Release()

	arr := []byte("abc")
	got, err := scope.Acquire(RegionOf(arr))
	require.NoError(t, err)

	arr[0] = 'z'
	assert.Equal(t, "abc", string(got))
}

func TestScope_PinnedAliasesAndIsCapLimited(t *testing.T) {
	pins, heap := setupScope(t, 0)
	scope := NewScope(pins, heap)
	defer scope.Release()

	arr := []byte("abcdef")
	got, err := scope.Acquire(Pinned(arr, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, "bc", string(got))
	assert.Equal(t, 2, cap(got))

	arr[1] = 'B'
	assert.Equal(t, "Bc", string(got))
	assert.Equal(t, 1, pins.Held())
}

func TestScope_ZeroLength(t *testing.T) {
	pins, heap := setupScope(t, 0)
	scope := NewScope(pins, heap)

	arr := make([]byte, 4)
	for _, d := range []Descriptor{Region(arr, 0, 0), Pinned(arr, 4, 0), Direct(0, 0)} {
		got, err := scope.Acquire(d)
		require.NoError(t, err, d.String())
		assert.NotNil(t, got)
		assert.Empty(t, got)
	}
	require.NoError(t, scope.Release())
	assert.Zero(t, pins.Held())
}

func TestScope_SameArrayTwice(t *testing.T) {
	pins, heap := setupScope(t, 0)
	scope := NewScope(pins, heap)

	arr := []byte("keyvalue")
	k, err := scope.Acquire(Pinned(arr, 0, 3))
	require.NoError(t, err)
	v, err := scope.Acquire(Pinned(arr, 3, 5))
	require.NoError(t, err)
	assert.Equal(t, "key", string(k))
	assert.Equal(t, "value", string(v))
	assert.Equal(t, 1, pins.Held())
	assert.Equal(t, 2, scope.Held())

	require.NoError(t, scope.Release())
	assert.Zero(t, pins.Held())
}

func TestScope_ScopesSharePins(t *testing.T) {
	pins, heap := setupScope(t, 1)
	arr := []byte("shared")

	first := NewScope(pins, heap)
	_, err := first.Acquire(PinnedOf(arr))
	require.NoError(t, err)

	second := NewScope(pins, heap)
	v, err := second.Acquire(PinnedOf(arr))
	require.NoError(t, err)
	assert.Equal(t, "shared", string(v))
	assert.Equal(t, 1, pins.Held())
	assert.Equal(t, uint64(1), pins.Total())

	// The array stays pinned until the last scope lets go.
	require.NoError(t, first.Release())
	assert.Equal(t, 1, pins.Held())
	require.NoError(t, second.Release())
	assert.Zero(t, pins.Held())
}

func TestPinTable_UnpinByStranger(t *testing.T) {
	pins, heap := setupScope(t, 0)
	arr := []byte("k")

	owner := NewScope(pins, heap)
	_, err := owner.Acquire(PinnedOf(arr))
	require.NoError(t, err)

	stranger := NewScope(pins, heap)
	assert.ErrorIs(t, pins.unpin(stranger, arr), ErrNotPinned)
	assert.Equal(t, 1, pins.Held())

	require.NoError(t, owner.Release())
	assert.ErrorIs(t, pins.unpin(owner, arr), ErrNotPinned)
	assert.Zero(t, pins.Held())
}

func TestPinTable_ConcurrentScopes(t *testing.T) {
	pins, heap := setupScope(t, 1)
	arr := []byte("constant-key")

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				scope := NewScope(pins, heap)
				if _, err := scope.Acquire(PinnedOf(arr)); err != nil {
					errs <- err
					return
				}
				if err := scope.Release(); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	assert.Zero(t, pins.Held())
}

func TestScope_PinFailures(t *testing.T) {
	t.Run("empty array", func(t *testing.T) {
		pins, heap := setupScope(t, 0)
		scope := NewScope(pins, heap)
		_, err := scope.Acquire(Pinned(nil, 0, 0))
		assert.ErrorIs(t, err, status.ErrResourceAcquisition)
		assert.ErrorIs(t, err, ErrPinEmpty)
		assert.Contains(t, err.Error(), "unable to pin")
		require.NoError(t, scope.Release())
	})

	t.Run("table full releases earlier pins", func(t *testing.T) {
		pins, heap := setupScope(t, 1)
		scope := NewScope(pins, heap)

		_, err := scope.Acquire(PinnedOf([]byte("a")))
		require.NoError(t, err)
		_, err = scope.Acquire(RegionOf([]byte("b")))
		require.NoError(t, err)
		_, err = scope.Acquire(PinnedOf([]byte("c")))
		assert.ErrorIs(t, err, ErrPinLimit)

		require.NoError(t, scope.Release())
		assert.Zero(t, pins.Held())
		assert.Zero(t, heap.Stats().LiveBlocks)
	})
}

func TestScope_RegionAllocationFailure(t *testing.T) {
	pins, heap := setupScope(t, 0)
	fh := &failingHeap{Heap: heap, budget: 1}
	scope := NewScope(pins, fh)

	_, err := scope.Acquire(PinnedOf([]byte("pinned")))
	require.NoError(t, err)
	_, err = scope.Acquire(RegionOf([]byte("first")))
	require.NoError(t, err)
	_, err = scope.Acquire(RegionOf([]byte("second")))
	assert.ErrorIs(t, err, status.ErrResourceAcquisition)
	assert.ErrorIs(t, err, errInjected)

	require.NoError(t, scope.Release())
	assert.Zero(t, pins.Held())
	assert.Zero(t, heap.Stats().LiveBlocks)
}

func TestScope_InvalidDescriptors(t *testing.T) {
	pins, heap := setupScope(t, 0)
	scope := NewScope(pins, heap)
	defer scope.Release()

	arr := []byte("abc")
	for _, d := range []Descriptor{
		{},
		Region(arr, 2, 2),
		Region(arr, -1, 1),
		Pinned(arr, 0, 4),
		Direct(0, 3),
		Direct(1, -1),
	} {
		_, err := scope.Acquire(d)
		assert.ErrorIs(t, err, status.ErrResourceAcquisition, d.String())
	}
	assert.Zero(t, scope.Held())
	assert.Zero(t, pins.Held())
}

func TestScope_ReleaseIsIdempotent(t *testing.T) {
	pins, heap := setupScope(t, 0)
	scope := NewScope(pins, heap)

	_, err := scope.Acquire(RegionOf([]byte("x")))
	require.NoError(t, err)
	require.NoError(t, scope.Release())
	require.NoError(t, scope.Release())

	_, err = scope.Acquire(RegionOf([]byte("y")))
	assert.ErrorIs(t, err, status.ErrResourceAcquisition)
	assert.Zero(t, heap.Stats().LiveBlocks)
}

func TestPinTable_Total(t *testing.T) {
	pins, heap := setupScope(t, 0)
	for i := 0; i < 3; i++ {
		scope := NewScope(pins, heap)
		_, err := scope.Acquire(PinnedOf([]byte("k")))
		require.NoError(t, err)
		require.NoError(t, scope.Release())
	}
	assert.Equal(t, uint64(3), pins.Total())
	assert.Zero(t, pins.Held())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "none", KindNone.String())
	assert.Equal(t, "region", KindRegion.String())
	assert.Equal(t, "pinned", KindPinned.String())
	assert.Equal(t, "direct", KindDirect.String())
	assert.True(t, Descriptor{}.IsNone())
	assert.False(t, Direct(0, 0).IsNone())
}

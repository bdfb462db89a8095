package kv

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	bunt, err := NewBuntStore(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bunt.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"buntdb": bunt,
	}
}

func TestStorePutGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(ctx, "missing")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, store.Put(ctx, "a", []byte("1")))
			require.NoError(t, store.Put(ctx, "a", []byte("2")))

			v, err := store.Get(ctx, "a")
			require.NoError(t, err)
			require.Equal(t, []byte("2"), v)

			require.NoError(t, store.Delete(ctx, "a"))
			_, err = store.Get(ctx, "a")
			require.ErrorIs(t, err, ErrNotFound)

			// Deleting a missing key is not an error.
			require.NoError(t, store.Delete(ctx, "a"))
		})
	}
}

func TestStoreScanPrefixSorted(t *testing.T) {
	ctx := context.Background()
	for name, store := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, i := range []int{3, 1, 2, 10} {
				key := fmt.Sprintf("stream/node.n1/%020d", i)
				require.NoError(t, store.Put(ctx, key, []byte(fmt.Sprintf("v%d", i))))
			}
			require.NoError(t, store.Put(ctx, "stream/node.n2/"+fmt.Sprintf("%020d", 1), []byte("other")))
			require.NoError(t, store.Put(ctx, "task/t1", []byte("t")))

			pairs, err := store.ScanPrefix(ctx, "stream/node.n1/")
			require.NoError(t, err)
			require.Len(t, pairs, 4)
			require.Equal(t, []byte("v1"), pairs[0].Value)
			require.Equal(t, []byte("v2"), pairs[1].Value)
			require.Equal(t, []byte("v3"), pairs[2].Value)
			require.Equal(t, []byte("v10"), pairs[3].Value)
			for i := 1; i < len(pairs); i++ {
				require.Less(t, pairs[i-1].Key, pairs[i].Key)
			}
		})
	}
}

func TestFactoryDefaultsToMemory(t *testing.T) {
	store, err := New(context.Background(), Config{})
	require.NoError(t, err)
	_, ok := store.(*MemoryStore)
	require.True(t, ok)
}

func TestPrefixUpperBound(t *testing.T) {
	require.Equal(t, "stream/node.n1/", prefixUpperBound("stream/node.n1."))
	require.Equal(t, "b", prefixUpperBound("a"))
}

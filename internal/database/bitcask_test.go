package database

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPutGetDelete(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Put([]byte("dfl:1"), []byte(`{"id":1}`)))
	assert.True(t, db.Has([]byte("dfl:1")))

	value, err := db.Get([]byte("dfl:1"))
	require.NoError(t, err)
	assert.Equal(t, `{"id":1}`, string(value))

	require.NoError(t, db.Delete([]byte("dfl:1")))
	_, err = db.Get([]byte("dfl:1"))
	assert.True(t, errors.Is(err, ErrNotFound))

	err = db.Delete([]byte("dfl:1"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFoldPrefix(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Put([]byte("a:1"), []byte("one")))
	require.NoError(t, db.Put([]byte("a:2"), []byte("two")))
	require.NoError(t, db.Put([]byte("b:1"), []byte("other")))

	seen := map[string]string{}
	err := db.FoldPrefix([]byte("a:"), func(key, value []byte) error {
		seen[string(key)] = string(value)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a:1": "one", "a:2": "two"}, seen)

	stop := errors.New("stop")
	calls := 0
	err = db.FoldPrefix([]byte("a:"), func(key, value []byte) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestNextSequenceIsMonotonic(t *testing.T) {
	db := openTestDB(t)

	var (
		mu   sync.Mutex
		seen = map[int64]bool{}
		wg   sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				n, err := db.NextSequence("rows")
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, seen[n], "sequence value %d handed out twice", n)
				seen[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 200)

	n, err := db.NextSequence("rows")
	require.NoError(t, err)
	assert.Equal(t, int64(201), n)
}

func TestCompressionRoundTripOfLargeValue(t *testing.T) {
	db := openTestDB(t)
	large := make([]byte, 32*1024)
	for i := range large {
		large[i] = byte('a' + i%3)
	}
	require.NoError(t, db.Put([]byte("big"), large))

	got, err := db.Get([]byte("big"))
	require.NoError(t, err)
	assert.Equal(t, large, got)
}

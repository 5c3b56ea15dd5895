package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Database {
	t.Helper()
	level, err := NewLevelDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(level.Close)
	return map[string]Database{
		"memory":  NewMemDB(),
		"leveldb": level,
	}
}

func TestDatabaseGetMissingReturnsNotFound(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := db.Get([]byte("missing"))
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestDatabasePutGetDelete(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.Put([]byte("a"), []byte("1")))
			got, err := db.Get([]byte("a"))
			require.NoError(t, err)
			require.Equal(t, []byte("1"), got)

			require.NoError(t, db.Delete([]byte("a")))
			_, err = db.Get([]byte("a"))
			require.ErrorIs(t, err, ErrNotFound)
			require.NoError(t, db.Delete([]byte("a")))
		})
	}
}

func TestDatabaseIterateVisitsPrefixInOrder(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.Put([]byte("pos/b"), []byte("2")))
			require.NoError(t, db.Put([]byte("pos/a"), []byte("1")))
			require.NoError(t, db.Put([]byte("other"), []byte("x")))

			var keys []string
			require.NoError(t, db.Iterate([]byte("pos/"), func(key, value []byte) bool {
				keys = append(keys, string(key))
				return true
			}))
			require.Equal(t, []string{"pos/a", "pos/b"}, keys)

			var first []string
			require.NoError(t, db.Iterate([]byte("pos/"), func(key, _ []byte) bool {
				first = append(first, string(key))
				return false
			}))
			require.Len(t, first, 1)
		})
	}
}

func TestDatabaseWriteBatch(t *testing.T) {
	for name, db := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, db.Put([]byte("stale"), []byte("x")))

			batch := NewBatch()
			batch.Put([]byte("k1"), []byte("v1"))
			batch.Put([]byte("k2"), []byte("v2"))
			batch.Delete([]byte("stale"))
			require.Equal(t, 3, batch.Len())
			require.NoError(t, db.Write(batch))

			got, err := db.Get([]byte("k2"))
			require.NoError(t, err)
			require.Equal(t, []byte("v2"), got)
			_, err = db.Get([]byte("stale"))
			require.ErrorIs(t, err, ErrNotFound)

			batch.Reset()
			require.Zero(t, batch.Len())
			require.NoError(t, db.Write(batch))
		})
	}
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	value := []byte("abc")
	require.NoError(t, db.Put([]byte("k"), value))
	value[0] = 'z'
	got, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), got)
}

func TestLevelDBPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	db1, err := NewLevelDB(dir)
	require.NoError(t, err)
	require.NoError(t, db1.Put([]byte("key"), []byte("value")))
	db1.Close()

	db2, err := NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()
	got, err := db2.Get([]byte("key"))
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got)
}

func TestRedisKeyLayout(t *testing.T) {
	r := &RedisDB{namespace: "cdp"}
	require.Equal(t, "cdp:pos/a", r.key([]byte("pos/a")))
	require.Equal(t, []byte("pos/a"), r.strip("cdp:pos/a"))
	require.Equal(t, `cdp:a\*b`, escapeGlob("cdp:a*b"))

	bare := &RedisDB{}
	require.Equal(t, "pos/a", bare.key([]byte("pos/a")))
}

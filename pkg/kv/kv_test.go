package kv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStorePutGetDelete(t *testing.T) {
	s := NewMemStore()

	w, err := s.Write()
	require.NoError(t, err)
	require.NoError(t, w.Put([]byte("a"), []byte("1")))
	require.NoError(t, w.Commit())

	r, err := s.Read()
	require.NoError(t, err)
	v, err := r.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(v))

	w2, err := s.Write()
	require.NoError(t, err)
	require.NoError(t, w2.Delete([]byte("a")))
	require.NoError(t, w2.Commit())

	r2, err := s.Read()
	require.NoError(t, err)
	_, err = r2.Get([]byte("a"))
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemStoreReadSnapshotIsolation(t *testing.T) {
	s := NewMemStore()
	w, _ := s.Write()
	_ = w.Put([]byte("k"), []byte("v1"))
	_ = w.Commit()

	r, _ := s.Read()

	w2, _ := s.Write()
	_ = w2.Put([]byte("k"), []byte("v2"))
	_ = w2.Commit()

	v, _ := r.Get([]byte("k"))
	require.Equal(t, "v1", string(v), "reader snapshot should not see later writes")
}

func TestMemStoreScanPrefix(t *testing.T) {
	s := NewMemStore()
	w, _ := s.Write()
	_ = w.Put([]byte("a/1"), []byte("1"))
	_ = w.Put([]byte("a/2"), []byte("2"))
	_ = w.Put([]byte("b/1"), []byte("3"))
	_ = w.Commit()

	r, _ := s.Read()
	var keys []string
	require.NoError(t, r.ScanPrefix([]byte("a/"), func(k, v []byte) bool {
		keys = append(keys, string(k))
		return true
	}))
	require.Equal(t, []string{"a/1", "a/2"}, keys)
}

func TestBoltStorePersistsAcrossOpen(t *testing.T) {
	dir := t.TempDir()
	s1, err := OpenBolt(dir, "test")
	require.NoError(t, err)
	w, err := s1.Write()
	require.NoError(t, err)
	require.NoError(t, w.Put([]byte("k"), []byte("v")))
	require.NoError(t, w.Commit())
	require.NoError(t, s1.Close())

	s2, err := OpenBolt(dir, "test")
	require.NoError(t, err)
	defer s2.Close()
	r, err := s2.Read()
	require.NoError(t, err)
	v, err := r.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", string(v))
}

func TestOpenFallsBackToMemWhenDirEmpty(t *testing.T) {
	store := Open("", "whatever", KindBolt)
	defer store.Close()
	w, err := store.Write()
	require.NoError(t, err)
	require.NoError(t, w.Put([]byte("a"), []byte("b")))
	require.NoError(t, w.Commit())
}

package kv

import (
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// defaultBucket is the single bucket each BoltStore keeps its namespace's
// keys in; the store name instead becomes part of the database file name so
// that per-name write serialization (spec.md §4.B) maps directly onto
// bbolt's one-writer-per-file model.
var defaultBucket = []byte("kv")

// BoltStore is a bbolt-file-backed persistent Store.
type BoltStore struct {
	db *bolt.DB
}

// OpenBolt opens (creating if absent) a bbolt database at dir/name.db.
func OpenBolt(dir, name string) (*BoltStore, error) {
	path := filepath.Join(dir, name+".db")
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(defaultBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Read() (Reader, error) {
	tx, err := s.db.Begin(false)
	if err != nil {
		return nil, err
	}
	return &boltReader{tx: tx, bucket: tx.Bucket(defaultBucket)}, nil
}

func (s *BoltStore) Write() (Writer, error) {
	tx, err := s.db.Begin(true)
	if err != nil {
		return nil, err
	}
	return &boltWriter{tx: tx, bucket: tx.Bucket(defaultBucket)}, nil
}

func (s *BoltStore) Drop() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(defaultBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(defaultBucket)
		return err
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

type boltReader struct {
	tx     *bolt.Tx
	bucket *bolt.Bucket
}

func (r *boltReader) Get(key []byte) ([]byte, error) {
	v := r.bucket.Get(key)
	if v == nil {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (r *boltReader) Has(key []byte) (bool, error) {
	return r.bucket.Get(key) != nil, nil
}

func (r *boltReader) ScanPrefix(prefix []byte, fn func(key, value []byte) bool) error {
	c := r.bucket.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		if !fn(append([]byte(nil), k...), append([]byte(nil), v...)) {
			break
		}
	}
	return nil
}

// Close ends the underlying read-only transaction; bbolt read transactions
// are released by calling Rollback.
func (r *boltReader) Close() error {
	return r.tx.Rollback()
}

type boltWriter struct {
	tx        *bolt.Tx
	bucket    *bolt.Bucket
	committed bool
}

func (w *boltWriter) Get(key []byte) ([]byte, error) {
	v := w.bucket.Get(key)
	if v == nil {
		return nil, ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (w *boltWriter) Has(key []byte) (bool, error) {
	return w.bucket.Get(key) != nil, nil
}

func (w *boltWriter) ScanPrefix(prefix []byte, fn func(key, value []byte) bool) error {
	c := w.bucket.Cursor()
	for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
		if !fn(append([]byte(nil), k...), append([]byte(nil), v...)) {
			break
		}
	}
	return nil
}

// Close is a no-op for writers; use Commit or Rollback to end the
// transaction. It exists to satisfy the Reader interface Writer embeds.
func (w *boltWriter) Close() error { return nil }

func (w *boltWriter) Put(key, value []byte) error {
	return w.bucket.Put(key, value)
}

func (w *boltWriter) Delete(key []byte) error {
	return w.bucket.Delete(key)
}

func (w *boltWriter) Commit() error {
	if w.committed {
		return nil
	}
	w.committed = true
	return w.tx.Commit()
}

func (w *boltWriter) Rollback() error {
	if w.committed {
		return nil
	}
	w.committed = true
	return w.tx.Rollback()
}

func hasPrefix(k, prefix []byte) bool {
	if len(prefix) == 0 {
		return true
	}
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

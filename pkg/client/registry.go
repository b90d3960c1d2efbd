package client

import (
	"encoding/json"
	"path/filepath"
	"time"

	"syncdb/pkg/kv"
)

// Registry is the supplemented cross-database tracker: a small persistent
// store, shared by every syncdb.Store opened against databases under the
// same base directory, recording each database's last-opened time and
// format version. It is what makes a process-world "collectIDBDatabases"
// equivalent concretely implementable, since there is no OS API here that
// enumerates "every syncdb database on disk" the way a browser's
// indexedDB.databases() does for the teacher's origin.
type Registry struct {
	store kv.Store
	dir   string
}

type databaseRecord struct {
	Path                  string `json:"path"`
	LastOpenedTimestampMs int64  `json:"lastOpenedTimestampMs"`
	FormatVersion         int    `json:"formatVersion"`
}

// CurrentFormatVersion is written into every record this Registry creates.
// A record with an older version is still tracked (never collected purely
// for being stale format), since format migration is a separate concern.
const CurrentFormatVersion = 1

// OpenRegistry opens (creating if absent) the registry database rooted at
// dir.
func OpenRegistry(dir string) (*Registry, error) {
	store := kv.Open(dir, "syncdb-registry", kv.KindBolt)
	return &Registry{store: store, dir: dir}, nil
}

// Close releases the registry's underlying store.
func (r *Registry) Close() error {
	return r.store.Close()
}

// Touch records that the database at path was just opened, creating its
// record if absent.
func (r *Registry) Touch(path string, nowMs int64) error {
	w, err := r.store.Write()
	if err != nil {
		return err
	}
	rec := databaseRecord{Path: path, LastOpenedTimestampMs: nowMs, FormatVersion: CurrentFormatVersion}
	data, err := json.Marshal(rec)
	if err != nil {
		w.Rollback()
		return err
	}
	if err := w.Put([]byte(normalizeKey(path)), data); err != nil {
		w.Rollback()
		return err
	}
	return w.Commit()
}

// CollectStaleDatabases removes every tracked database whose
// lastOpenedTimestampMs is more than staleAfterMs (spec.md's default
// cross-database retention window, 7 days) behind nowMs, returning their
// paths. The database files themselves are left untouched; only the
// registry's bookkeeping entry is dropped, mirroring
// "deleteDatabase"-from-registry rather than deleting user data, since a
// database that reappears (e.g. a reattached removable volume) should not
// have silently lost its format-version bookkeeping for longer than
// necessary but must never be destroyed by a GC sweep.
func (r *Registry) CollectStaleDatabases(nowMs int64) ([]string, error) {
	const staleAfterMs = int64(7 * 24 * time.Hour / time.Millisecond)

	reader, err := r.store.Read()
	if err != nil {
		return nil, err
	}
	var stale [][]byte
	var paths []string
	err = reader.ScanPrefix(nil, func(key, value []byte) bool {
		var rec databaseRecord
		if json.Unmarshal(value, &rec) != nil {
			return true
		}
		if nowMs-rec.LastOpenedTimestampMs > staleAfterMs {
			stale = append(stale, append([]byte(nil), key...))
			paths = append(paths, rec.Path)
		}
		return true
	})
	reader.Close()
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}

	w, err := r.store.Write()
	if err != nil {
		return nil, err
	}
	for _, key := range stale {
		if err := w.Delete(key); err != nil {
			w.Rollback()
			return nil, err
		}
	}
	if err := w.Commit(); err != nil {
		return nil, err
	}
	return paths, nil
}

// KnownDatabases returns the path of every database currently tracked.
func (r *Registry) KnownDatabases() ([]string, error) {
	reader, err := r.store.Read()
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var paths []string
	err = reader.ScanPrefix(nil, func(key, value []byte) bool {
		var rec databaseRecord
		if json.Unmarshal(value, &rec) == nil {
			paths = append(paths, rec.Path)
		}
		return true
	})
	return paths, err
}

func normalizeKey(path string) string {
	return filepath.Clean(path)
}

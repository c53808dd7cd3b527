package store

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/golang/snappy"
	"go.etcd.io/bbolt"
)

var (
	bucketChunks    = []byte("chunks")
	bucketPaths     = []byte("paths")     // path -> gob-encoded []string of chunk IDs
	bucketState     = []byte("state")     // key -> value, schema/state metadata
	bucketFileCache = []byte("filecache") // path -> gob-encoded FileCacheEntry
)

// FileCacheEntry is the syncer's change-detection fast path: a cache hit on
// (mtime, size) skips reading the file at all; a hash match after reading
// skips re-chunking and re-embedding it.
type FileCacheEntry struct {
	Hash    string
	MTimeMS int64
	Size    int64
}

// MetadataCache is the embedded ordered key-value store holding chunk records,
// the path->chunk-ID index, and schema/runtime state. Values are snappy-framed
// before being written so large text/vector payloads stay compact on disk.
type MetadataCache struct {
	db *bbolt.DB
}

// OpenMetadataCache opens (creating if necessary) the bbolt-backed metadata
// cache at path.
func OpenMetadataCache(path string) (*MetadataCache, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("open metadata cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketChunks, bucketPaths, bucketState, bucketFileCache} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MetadataCache{db: db}, nil
}

func ensureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// Close closes the underlying bbolt database.
func (m *MetadataCache) Close() error {
	return m.db.Close()
}

func encodeChunk(c *ChunkRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return snappy.Encode(nil, buf.Bytes()), nil
}

func decodeChunk(data []byte) (*ChunkRecord, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, err
	}
	var c ChunkRecord
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

func encodeStrings(ss []string) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(ss)
	return snappy.Encode(nil, buf.Bytes())
}

func decodeStrings(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil
	}
	var ss []string
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&ss); err != nil {
		return nil
	}
	return ss
}

// InsertBatch upserts chunk records and maintains the path->ID index.
func (m *MetadataCache) InsertBatch(chunks []*ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}
	byPath := make(map[string][]string)
	for _, c := range chunks {
		byPath[c.Path] = append(byPath[c.Path], c.ID)
	}

	return m.db.Update(func(tx *bbolt.Tx) error {
		cb := tx.Bucket(bucketChunks)
		pb := tx.Bucket(bucketPaths)

		for _, c := range chunks {
			data, err := encodeChunk(c)
			if err != nil {
				return fmt.Errorf("encode chunk %s: %w", c.ID, err)
			}
			if err := cb.Put([]byte(c.ID), data); err != nil {
				return err
			}
		}

		for path, ids := range byPath {
			existing := decodeStrings(pb.Get([]byte(path)))
			merged := mergeUnique(existing, ids)
			if err := pb.Put([]byte(path), encodeStrings(merged)); err != nil {
				return err
			}
		}
		return nil
	})
}

func mergeUnique(existing, add []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, s := range existing {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	for _, s := range add {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// DeletePaths removes every chunk belonging to the given paths and returns the
// deleted chunk IDs (callers use these to drop entries from the ANN/FTS indexes).
// It also clears each path's file cache entry, forcing a re-embed if the path
// reappears in a later sync.
func (m *MetadataCache) DeletePaths(paths []string) ([]string, error) {
	var deleted []string
	err := m.db.Update(func(tx *bbolt.Tx) error {
		cb := tx.Bucket(bucketChunks)
		pb := tx.Bucket(bucketPaths)
		fb := tx.Bucket(bucketFileCache)
		for _, path := range paths {
			ids := decodeStrings(pb.Get([]byte(path)))
			for _, id := range ids {
				if err := cb.Delete([]byte(id)); err != nil {
					return err
				}
				deleted = append(deleted, id)
			}
			if err := pb.Delete([]byte(path)); err != nil {
				return err
			}
			if err := fb.Delete([]byte(path)); err != nil {
				return err
			}
		}
		return nil
	})
	return deleted, err
}

// GetFileEntry returns the cached (hash, mtime, size) for path, if any.
func (m *MetadataCache) GetFileEntry(path string) (*FileCacheEntry, error) {
	var entry *FileCacheEntry
	err := m.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketFileCache).Get([]byte(path))
		if data == nil {
			return nil
		}
		raw, err := snappy.Decode(nil, data)
		if err != nil {
			return err
		}
		var e FileCacheEntry
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e); err != nil {
			return err
		}
		entry = &e
		return nil
	})
	return entry, err
}

// PutFileEntry stores path's current (hash, mtime, size).
func (m *MetadataCache) PutFileEntry(path string, entry FileCacheEntry) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return err
	}
	data := snappy.Encode(nil, buf.Bytes())
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFileCache).Put([]byte(path), data)
	})
}

// ListFileCachePaths returns every path with a file cache entry, used by the
// syncer's stale-path sweep.
func (m *MetadataCache) ListFileCachePaths() ([]string, error) {
	var paths []string
	err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFileCache).ForEach(func(k, _ []byte) error {
			paths = append(paths, string(k))
			return nil
		})
	})
	sort.Strings(paths)
	return paths, err
}

// ListPaths returns every distinct path with at least one indexed chunk.
func (m *MetadataCache) ListPaths() ([]string, error) {
	var paths []string
	err := m.db.View(func(tx *bbolt.Tx) error {
		pb := tx.Bucket(bucketPaths)
		return pb.ForEach(func(k, _ []byte) error {
			paths = append(paths, string(k))
			return nil
		})
	})
	sort.Strings(paths)
	return paths, err
}

// GetChunks retrieves chunk records by ID, skipping any ID that is missing.
func (m *MetadataCache) GetChunks(ids []string) ([]*ChunkRecord, error) {
	out := make([]*ChunkRecord, 0, len(ids))
	err := m.db.View(func(tx *bbolt.Tx) error {
		cb := tx.Bucket(bucketChunks)
		for _, id := range ids {
			data := cb.Get([]byte(id))
			if data == nil {
				continue
			}
			c, err := decodeChunk(data)
			if err != nil {
				return fmt.Errorf("decode chunk %s: %w", id, err)
			}
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

// HasAnyRows reports whether the cache holds any chunks at all, used to decide
// whether a fresh sync is a cold start or an incremental update.
func (m *MetadataCache) HasAnyRows() (bool, error) {
	has := false
	err := m.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketChunks).Cursor()
		k, _ := c.First()
		has = k != nil
		return nil
	})
	return has, err
}

// AllChunkIDs returns every chunk ID currently stored, for consistency sweeps.
func (m *MetadataCache) AllChunkIDs() ([]string, error) {
	var ids []string
	err := m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChunks).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// SetState stores a schema/runtime state value.
func (m *MetadataCache) SetState(key, value string) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketState).Put([]byte(key), []byte(value))
	})
}

// GetState loads a schema/runtime state value, returning "" if unset.
func (m *MetadataCache) GetState(key string) (string, error) {
	var val string
	err := m.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketState).Get([]byte(key))
		val = string(v)
		return nil
	})
	return val, err
}

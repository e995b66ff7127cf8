package store

import (
	"encoding/binary"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var bucketChunks = []byte("chunks")

// boltIndex is a BoltDB-backed presence index: hash+index -> (size,
// last-touched timestamp), written by PutChunk for each newly stored chunk.
// GC reads it to find long-idle staged transfers without walking the
// content tree; HaveChunks and MissingRanges do not consult it.
type boltIndex struct {
	db *bolt.DB
}

func openBoltIndex(path string) (*boltIndex, error) {
	db, err := bolt.Open(filepath.Clean(path), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketChunks)
		return e
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &boltIndex{db: db}, nil
}

func (b *boltIndex) Close() error { return b.db.Close() }

func indexKey(hash string, index uint64) []byte {
	key := make([]byte, len(hash)+1+8)
	n := copy(key, hash)
	key[n] = ':'
	binary.BigEndian.PutUint64(key[n+1:], index)
	return key
}

// markChunk records that a chunk has been durably written, with its size and
// the current time, for later GC.
func (b *boltIndex) markChunk(hash string, index uint64, size int) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketChunks)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		val := make([]byte, 16)
		binary.BigEndian.PutUint64(val[:8], uint64(size))
		binary.BigEndian.PutUint64(val[8:], uint64(time.Now().Unix()))
		return bk.Put(indexKey(hash, index), val)
	})
}

// GC removes index entries (and, via the caller, their backing chunk files)
// not touched within maxAge. It returns the hashes whose entries were
// pruned, deduplicated, so the caller can decide whether to remove the
// entire hash directory once no chunks remain indexed for it.
func (s *Store) GC(maxAge time.Duration) ([]string, error) {
	if s.index == nil {
		return nil, nil
	}
	cutoff := time.Now().Add(-maxAge).Unix()
	seen := make(map[string]bool)
	err := s.index.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketChunks)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		c := bk.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) < 16 {
				continue
			}
			ts := int64(binary.BigEndian.Uint64(v[8:]))
			if ts <= cutoff {
				hash, _, ok := splitIndexKey(k)
				if ok {
					seen[hash] = true
				}
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	return out, nil
}

func splitIndexKey(key []byte) (hash string, index uint64, ok bool) {
	if len(key) < 9 {
		return "", 0, false
	}
	sep := len(key) - 9
	if key[sep] != ':' {
		return "", 0, false
	}
	return string(key[:sep]), binary.BigEndian.Uint64(key[sep+1:]), true
}

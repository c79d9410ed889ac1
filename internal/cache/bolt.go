package cache

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketEntries = []byte("entries")

// record is the persistent-tier form of a cache entry. The payload is
// prefixed with a 16-byte header carrying the creation timestamp and TTL
// so expiry survives restarts.
type record struct {
	value     []byte
	ttl       time.Duration
	createdAt time.Time
}

func (r record) fresh(now time.Time) bool {
	return r.ttl <= 0 || now.Sub(r.createdAt) < r.ttl
}

func encodeRecord(r record) []byte {
	buf := make([]byte, 16+len(r.value))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.createdAt.UnixNano()))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.ttl))
	copy(buf[16:], r.value)
	return buf
}

func decodeRecord(data []byte) (record, error) {
	if len(data) < 16 {
		return record{}, fmt.Errorf("corrupt cache record: %d bytes", len(data))
	}
	return record{
		createdAt: time.Unix(0, int64(binary.LittleEndian.Uint64(data[0:8]))),
		ttl:       time.Duration(binary.LittleEndian.Uint64(data[8:16])),
		value:     data[16:],
	}, nil
}

// Bolt is the persistent tier backed by a bbolt file.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the cache database at path.
func OpenBolt(path string) (*Bolt, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache bucket: %w", err)
	}
	return &Bolt{db: db}, nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) get(key string) (record, bool, error) {
	var rec record
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEntries).Get([]byte(key))
		if data == nil {
			return nil
		}
		decoded, err := decodeRecord(data)
		if err != nil {
			return err
		}
		// Bolt memory is only valid inside the transaction.
		value := make([]byte, len(decoded.value))
		copy(value, decoded.value)
		decoded.value = value
		rec = decoded
		found = true
		return nil
	})
	return rec, found, err
}

func (b *Bolt) put(key string, rec record) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(key), encodeRecord(rec))
	})
}

func (b *Bolt) delete(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

func (b *Bolt) purge() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketEntries); err != nil {
			return err
		}
		_, err := tx.CreateBucket(bucketEntries)
		return err
	})
}

// sweep deletes expired and undecodable records, returning how many
// were removed.
func (b *Bolt) sweep(now time.Time) (int, error) {
	removed := 0
	err := b.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			rec, err := decodeRecord(v)
			if err == nil && rec.fresh(now) {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (b *Bolt) len() (int, error) {
	n := 0
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})
	return n, err
}

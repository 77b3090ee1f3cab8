package meta

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/blockgw/pkg/blockurl"
	"github.com/jacktea/blockgw/pkg/fs"
)

var (
	bucketFiles   = []byte("files")
	bucketBuried  = []byte("buried")
	bucketGCQueue = []byte("gc_queue")
)

// BoltConfig configures the BoltDB-backed store.
type BoltConfig struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// BoltStore persists metadata in BoltDB.
type BoltStore struct {
	cfg BoltConfig
	db  *bolt.DB
}

// NewBoltStore initialises a Bolt-backed metadata store.
func NewBoltStore(cfg BoltConfig) (*BoltStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("boltdb: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	opts := bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	}
	db, err := bolt.Open(cfg.Path, 0o600, &opts)
	if err != nil {
		return nil, fmt.Errorf("boltdb: open: %w", err)
	}
	store := &BoltStore{cfg: cfg, db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) init() error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketFiles, bucketBuried, bucketGCQueue} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("boltdb: create bucket %s: %w", bucket, err)
			}
		}
		files := tx.Bucket(bucketFiles)
		if files.Get([]byte("/")) != nil {
			return nil
		}
		data, err := json.Marshal(rootRecord())
		if err != nil {
			return err
		}
		return files.Put([]byte("/"), data)
	})
}

func (b *BoltStore) Get(ctx context.Context, path string) (Record, error) {
	var rec Record
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(blockurl.Sanitize(path)))
		if data == nil {
			return fs.ErrNotFound
		}
		var err error
		rec, err = decodeRecord(data)
		return err
	})
	return rec, err
}

func (b *BoltStore) Put(ctx context.Context, rec Record) error {
	rec.Path = blockurl.Sanitize(rec.Path)
	return b.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketFiles).Put([]byte(rec.Path), data)
	})
}

func (b *BoltStore) Delete(ctx context.Context, path string) error {
	key := []byte(blockurl.Sanitize(path))
	return b.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		if data := files.Get(key); data != nil {
			rec, err := decodeRecord(data)
			if err != nil {
				return err
			}
			buried := tx.Bucket(bucketBuried)
			if !rec.Dir && rec.Version > decodeVersion(buried.Get(key)) {
				if err := buried.Put(key, encodeVersion(rec.Version)); err != nil {
					return err
				}
			}
		}
		return files.Delete(key)
	})
}

func (b *BoltStore) LastVersion(ctx context.Context, path string) (int64, error) {
	var v int64
	err := b.db.View(func(tx *bolt.Tx) error {
		v = decodeVersion(tx.Bucket(bucketBuried).Get([]byte(blockurl.Sanitize(path))))
		return nil
	})
	return v, err
}

func (b *BoltStore) List(ctx context.Context) ([]Record, error) {
	var out []Record
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (b *BoltStore) EnqueueGarbage(ctx context.Context, paths ...string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		queue := tx.Bucket(bucketGCQueue)
		for _, p := range paths {
			if err := queue.Put([]byte(p), []byte{1}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltStore) ListGarbage(ctx context.Context, limit int) ([]string, error) {
	var out []string
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketGCQueue).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			out = append(out, string(k))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (b *BoltStore) MarkCollected(ctx context.Context, path string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGCQueue).Delete([]byte(path))
	})
}

// Close releases the database file.
func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func encodeVersion(v int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(v))
}

func decodeVersion(data []byte) int64 {
	if len(data) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(data))
}

func decodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("boltdb: decode record: %w", err)
	}
	return rec, nil
}

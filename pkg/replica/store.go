// Package replica is the object store of a replica gateway. Object bytes
// live as plain files under a root directory; a BoltDB index records
// buckets and per-object metadata so listings never walk the tree.
package replica

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/jacktea/blockgw/pkg/blob"
	"github.com/jacktea/blockgw/pkg/metrics"
	"github.com/jacktea/blockgw/pkg/xerrors"
)

var (
	bucketBuckets = []byte("buckets")
	bucketObjects = []byte("objects")
)

// DefaultBucket receives uploads that do not name a bucket.
const DefaultBucket = "blocks"

// Object describes a stored replica object.
type Object struct {
	Bucket  string            `json:"bucket"`
	Key     string            `json:"key"`
	Size    int64             `json:"size"`
	MD5     []byte            `json:"md5"`
	ModTime time.Time         `json:"mtime"`
	Meta    map[string]string `json:"meta,omitempty"`
}

// Bucket is a named object namespace.
type Bucket struct {
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
}

// Config configures a Store.
type Config struct {
	// Root holds object data under Root/objects and the index at Root/index.db.
	Root    string
	NoSync  bool
	Timeout time.Duration

	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Store persists replica objects. It is safe for concurrent use.
type Store struct {
	blobs   *blob.PathStore
	db      *bolt.DB
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Open opens or creates a store and makes sure DefaultBucket exists.
func Open(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("replica: root is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	blobs, err := blob.NewPathStore(filepath.Join(cfg.Root, "objects"))
	if err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(cfg.Root, "index.db"), 0o600, &bolt.Options{Timeout: cfg.Timeout, NoSync: cfg.NoSync})
	if err != nil {
		return nil, fmt.Errorf("replica: open index: %w", err)
	}
	s := &Store{
		blobs:   blobs,
		db:      db,
		logger:  cfg.Logger.With().Str("component", "replica-store").Logger(),
		metrics: cfg.Metrics,
		now:     time.Now,
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketBuckets, bucketObjects} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return s.createBucket(tx, DefaultBucket, true)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("replica: init index: %w", err)
	}
	return s, nil
}

// Close releases the index.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CreateBucket adds a bucket; an existing name is KindAlreadyExists.
func (s *Store) CreateBucket(name string) error {
	if err := validBucket(name); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.createBucket(tx, name, false)
	})
}

func (s *Store) createBucket(tx *bolt.Tx, name string, ifMissing bool) error {
	buckets := tx.Bucket(bucketBuckets)
	if buckets.Get([]byte(name)) != nil {
		if ifMissing {
			return nil
		}
		return xerrors.E(xerrors.KindAlreadyExists, "replica.createBucket", name)
	}
	data, err := json.Marshal(Bucket{Name: name, Created: s.now().UTC()})
	if err != nil {
		return err
	}
	if _, err := tx.Bucket(bucketObjects).CreateBucketIfNotExists([]byte(name)); err != nil {
		return err
	}
	return buckets.Put([]byte(name), data)
}

// BucketExists reports whether name exists.
func (s *Store) BucketExists(name string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketBuckets).Get([]byte(name)) != nil
		return nil
	})
	return ok, err
}

// Buckets lists buckets in name order.
func (s *Store) Buckets() ([]Bucket, error) {
	var out []Bucket
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBuckets).ForEach(func(_, v []byte) error {
			var b Bucket
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}
			out = append(out, b)
			return nil
		})
	})
	return out, err
}

// DeleteBucket removes a bucket. Without force a bucket holding objects is
// KindNotEmpty.
func (s *Store) DeleteBucket(ctx context.Context, name string, force bool) error {
	const op = "replica.deleteBucket"
	var keys []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketBuckets).Get([]byte(name)) == nil {
			return xerrors.E(xerrors.KindNotFound, op, name)
		}
		objects := tx.Bucket(bucketObjects).Bucket([]byte(name))
		if objects != nil {
			if err := objects.ForEach(func(k, _ []byte) error {
				keys = append(keys, string(k))
				return nil
			}); err != nil {
				return err
			}
		}
		if len(keys) > 0 && !force {
			return xerrors.E(xerrors.KindNotEmpty, op, name)
		}
		if objects != nil {
			if err := tx.Bucket(bucketObjects).DeleteBucket([]byte(name)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketBuckets).Delete([]byte(name))
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.blobs.Delete(ctx, objectName(name, key)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("bucket", name).Str("key", key).Msg("remove object data")
		}
	}
	return nil
}

// Put stores r under bucket/key, replacing any previous object.
func (s *Store) Put(ctx context.Context, bucket, key string, meta map[string]string, r io.Reader) (Object, error) {
	const op = "replica.put"
	key, err := cleanKey(key)
	if err != nil {
		return Object{}, err
	}
	if ok, err := s.BucketExists(bucket); err != nil {
		return Object{}, err
	} else if !ok {
		return Object{}, xerrors.E(xerrors.KindNotFound, op, bucket)
	}
	n, sum, err := s.blobs.Put(ctx, objectName(bucket, key), r)
	if err != nil {
		return Object{}, xerrors.Wrap(xerrors.KindOf(err), op, key, err)
	}
	obj := Object{
		Bucket:  bucket,
		Key:     key,
		Size:    n,
		MD5:     sum,
		ModTime: s.now().UTC(),
		Meta:    meta,
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return Object{}, err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		objects := tx.Bucket(bucketObjects).Bucket([]byte(bucket))
		if objects == nil {
			return xerrors.E(xerrors.KindNotFound, op, bucket)
		}
		return objects.Put([]byte(key), data)
	})
	if err != nil {
		return Object{}, err
	}
	s.metrics.ObserveReplicaStored(n)
	s.logger.Debug().Str("bucket", bucket).Str("key", key).Int64("bytes", n).Msg("stored replica object")
	return obj, nil
}

// Head returns the metadata of bucket/key.
func (s *Store) Head(bucket, key string) (Object, error) {
	const op = "replica.head"
	key, err := cleanKey(key)
	if err != nil {
		return Object{}, err
	}
	var obj Object
	err = s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketBuckets).Get([]byte(bucket)) == nil {
			return xerrors.E(xerrors.KindNotFound, op, bucket)
		}
		data := tx.Bucket(bucketObjects).Bucket([]byte(bucket)).Get([]byte(key))
		if data == nil {
			return xerrors.E(xerrors.KindNotFound, op, key)
		}
		return json.Unmarshal(data, &obj)
	})
	return obj, err
}

// Open returns the data and metadata of bucket/key.
func (s *Store) Open(ctx context.Context, bucket, key string) (*os.File, Object, error) {
	obj, err := s.Head(bucket, key)
	if err != nil {
		return nil, Object{}, err
	}
	f, _, err := s.blobs.Open(ctx, objectName(bucket, obj.Key))
	if err != nil {
		return nil, Object{}, xerrors.Wrap(xerrors.KindOf(err), "replica.open", obj.Key, err)
	}
	return f, obj, nil
}

// Delete removes bucket/key. Missing objects are KindNotFound.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	const op = "replica.delete"
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		objects := tx.Bucket(bucketObjects).Bucket([]byte(bucket))
		if objects == nil {
			return xerrors.E(xerrors.KindNotFound, op, bucket)
		}
		if objects.Get([]byte(key)) == nil {
			return xerrors.E(xerrors.KindNotFound, op, key)
		}
		return objects.Delete([]byte(key))
	})
	if err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, objectName(bucket, key)); err != nil && !os.IsNotExist(err) {
		return xerrors.Wrap(xerrors.KindInternal, op, key, err)
	}
	return nil
}

// List returns up to limit objects of bucket whose key starts with prefix
// and sorts after marker. A limit of zero or less means no limit.
func (s *Store) List(bucket, prefix, marker string, limit int) ([]Object, error) {
	var out []Object
	err := s.db.View(func(tx *bolt.Tx) error {
		objects := tx.Bucket(bucketObjects).Bucket([]byte(bucket))
		if objects == nil {
			return xerrors.E(xerrors.KindNotFound, "replica.list", bucket)
		}
		c := objects.Cursor()
		start := []byte(prefix)
		if marker > prefix {
			start = []byte(marker)
		}
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			if !bytes.HasPrefix(k, []byte(prefix)) {
				break
			}
			if marker != "" && string(k) <= marker {
				continue
			}
			if limit > 0 && len(out) >= limit {
				break
			}
			var obj Object
			if err := json.Unmarshal(v, &obj); err != nil {
				return err
			}
			out = append(out, obj)
		}
		return nil
	})
	return out, err
}

func objectName(bucket, key string) string {
	return bucket + "/" + key
}

// cleanKey strips leading slashes and rejects keys that are empty, name a
// directory or climb out of their bucket.
func cleanKey(key string) (string, error) {
	trimmed := strings.TrimLeft(key, "/")
	if trimmed == "" || strings.HasSuffix(trimmed, "/") {
		return "", xerrors.E(xerrors.KindInvalid, "replica.key", key)
	}
	for _, part := range strings.Split(trimmed, "/") {
		if part == ".." || part == "." || part == "" {
			return "", xerrors.E(xerrors.KindInvalid, "replica.key", key)
		}
	}
	return path.Clean(trimmed), nil
}

func validBucket(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.HasPrefix(name, ".") {
		return xerrors.E(xerrors.KindInvalid, "replica.bucket", name)
	}
	return nil
}

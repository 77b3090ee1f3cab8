package meta

import (
	"context"
	"sort"
	"sync"

	"github.com/jacktea/blockgw/pkg/blockurl"
	"github.com/jacktea/blockgw/pkg/fs"
)

// Record describes a file or directory of the namespace as seen by this gateway.
type Record struct {
	Path           string                 `json:"path"`
	Dir            bool                   `json:"dir,omitempty"`
	Version        int64                  `json:"version"`
	Local          bool                   `json:"local"`
	OwnerURL       string                 `json:"owner_url,omitempty"`
	MTime          fs.Timestamp           `json:"mtime"`
	Size           int64                  `json:"size"`
	BlockingFactor uint64                 `json:"blocking_factor,omitempty"`
	Blocks         map[uint64]BlockRecord `json:"blocks,omitempty"`
	// Retired holds the last version of blocks dropped by a truncating
	// write, so a block that reappears never reuses a queued block path.
	Retired map[uint64]int64 `json:"retired,omitempty"`
}

// BlockRecord is the current version of one block and, for blocks written
// by another gateway, where it lives.
type BlockRecord struct {
	Version int64  `json:"version"`
	Remote  bool   `json:"remote,omitempty"`
	URL     string `json:"url,omitempty"`
	// Hash is the hex MD5 of a local block's content.
	Hash string `json:"hash,omitempty"`
}

// BlockIDs returns the record's block ids in ascending order.
func (r Record) BlockIDs() []uint64 {
	ids := make([]uint64, 0, len(r.Blocks))
	for id := range r.Blocks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	if r.Blocks != nil {
		out.Blocks = make(map[uint64]BlockRecord, len(r.Blocks))
		for id, b := range r.Blocks {
			out.Blocks[id] = b
		}
	}
	if r.Retired != nil {
		out.Retired = make(map[uint64]int64, len(r.Retired))
		for id, v := range r.Retired {
			out.Retired[id] = v
		}
	}
	return out
}

// NextBlockVersion returns the version a rewritten block id must take: one
// past both its current and its retired version.
func (r Record) NextBlockVersion(id uint64) int64 {
	v := r.Blocks[id].Version
	if retired := r.Retired[id]; retired > v {
		v = retired
	}
	return v + 1
}

// Retire records version v of a dropped block, keeping the highest seen.
func (r *Record) Retire(id uint64, v int64) {
	if r.Retired == nil {
		r.Retired = make(map[uint64]int64)
	}
	if v > r.Retired[id] {
		r.Retired[id] = v
	}
}

// Store persists namespace records and the queue of superseded local block
// files awaiting removal.
type Store interface {
	Get(ctx context.Context, path string) (Record, error)
	Put(ctx context.Context, rec Record) error
	// Delete removes a record. Deleting a file remembers its version so
	// that a file later created at the same path starts past it.
	Delete(ctx context.Context, path string) error
	List(ctx context.Context) ([]Record, error)
	// LastVersion returns the version of the last file deleted at path, or 0.
	LastVersion(ctx context.Context, path string) (int64, error)

	EnqueueGarbage(ctx context.Context, paths ...string) error
	ListGarbage(ctx context.Context, limit int) ([]string, error)
	MarkCollected(ctx context.Context, path string) error
}

// MemoryStore is a simple in-memory implementation for tests.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]Record
	buried    map[string]int64
	pendingGC map[string]struct{}
}

// NewMemoryStore creates an empty metadata store holding only the root directory.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   map[string]Record{"/": rootRecord()},
		buried:    make(map[string]int64),
		pendingGC: make(map[string]struct{}),
	}
}

func rootRecord() Record {
	return Record{Path: "/", Dir: true, Local: true}
}

func (m *MemoryStore) Get(ctx context.Context, path string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[blockurl.Sanitize(path)]
	if !ok {
		return Record{}, fs.ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) Put(ctx context.Context, rec Record) error {
	rec.Path = blockurl.Sanitize(rec.Path)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Path] = rec.Clone()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, path string) error {
	path = blockurl.Sanitize(path)
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[path]; ok && !rec.Dir && rec.Version > m.buried[path] {
		m.buried[path] = rec.Version
	}
	delete(m.records, path)
	return nil
}

func (m *MemoryStore) LastVersion(ctx context.Context, path string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.buried[blockurl.Sanitize(path)], nil
}

func (m *MemoryStore) List(ctx context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *MemoryStore) EnqueueGarbage(ctx context.Context, paths ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		m.pendingGC[p] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) ListGarbage(ctx context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pendingGC))
	for p := range m.pendingGC {
		out = append(out, p)
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkCollected(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendingGC, path)
	return nil
}

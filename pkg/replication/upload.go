package replication

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jacktea/blockgw/pkg/fs"
)

var (
	// ErrPending is the status of a server that has not completed an upload yet.
	ErrPending = errors.New("replication: upload pending")
	// ErrEngineClosed is returned once Shutdown has started.
	ErrEngineClosed = errors.New("replication: engine closed")
)

// FileHandle identifies an open file whose writes are being replicated.
type FileHandle struct {
	ID      string
	Path    string
	Version int64
	MTime   fs.Timestamp
	// Local is set when this gateway coordinates the file; block payloads are
	// then read from the data root, otherwise from the staging root.
	Local bool
}

// NewFileHandle returns a handle with a fresh identity.
func NewFileHandle(path string, version int64, mtime fs.Timestamp, local bool) *FileHandle {
	return &FileHandle{
		ID:      uuid.NewString(),
		Path:    path,
		Version: version,
		MTime:   mtime,
		Local:   local,
	}
}

// BlockInfo is the metadata sent along with every replicated object.
// Manifests carry zero block id, block version and blocking factor.
type BlockInfo struct {
	FSPath         string `json:"fs_path"`
	FileVersion    int64  `json:"file_version"`
	BlockID        uint64 `json:"block_id"`
	BlockVersion   int64  `json:"block_version"`
	BlockingFactor uint64 `json:"blocking_factor"`
	MTimeSec       int64  `json:"file_mtime_sec"`
	MTimeNsec      int32  `json:"file_mtime_nsec"`
}

// Payload is what a Sender transfers to one replica server.
type Payload struct {
	// Name is the root-less path the replica stores the object under.
	Name     string
	Info     BlockInfo
	Size     int64
	Manifest bool

	data []byte
	file *os.File
}

// NewPayload wraps an in-memory object.
func NewPayload(name string, info BlockInfo, data []byte) *Payload {
	return &Payload{Name: name, Info: info, Size: int64(len(data)), data: data}
}

// Body returns a fresh reader over the payload. Readers returned by
// concurrent calls are independent.
func (p *Payload) Body() io.Reader {
	if p.file != nil {
		return io.NewSectionReader(p.file, 0, p.Size)
	}
	return bytes.NewReader(p.data)
}

func (p *Payload) close() error {
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}

// Upload is one payload shared by every server channel. The payload is
// released by whichever holder drops the last reference.
type Upload struct {
	ID      string
	Handle  *FileHandle
	Payload Payload

	mu     sync.Mutex
	status []error

	refs    atomic.Int32
	pending atomic.Int32
	done    chan struct{}
}

func newUpload(fh *FileHandle, payload Payload, servers int) *Upload {
	u := &Upload{
		ID:      uuid.NewString(),
		Handle:  fh,
		Payload: payload,
		status:  make([]error, servers),
		done:    make(chan struct{}),
	}
	for i := range u.status {
		u.status[i] = ErrPending
	}
	u.pending.Store(int32(servers))
	u.refs.Store(1)
	if servers == 0 {
		close(u.done)
	}
	return u
}

// Status returns a snapshot of the per-server results, indexed by server id.
// A nil entry is a success.
func (u *Upload) Status() []error {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]error, len(u.status))
	copy(out, u.status)
	return out
}

// Err joins the failures recorded so far.
func (u *Upload) Err() error {
	var errs []error
	for _, err := range u.Status() {
		if err != nil && !errors.Is(err, ErrPending) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Done is closed once every server has completed the upload.
func (u *Upload) Done() <-chan struct{} { return u.done }

// Refs reports the current reference count.
func (u *Upload) Refs() int { return int(u.refs.Load()) }

func (u *Upload) ref() { u.refs.Add(1) }

// unref drops one reference and reports whether it was the last one.
func (u *Upload) unref() bool {
	n := u.refs.Add(-1)
	if n < 0 {
		panic("replication: upload reference count below zero")
	}
	return n == 0
}

func (u *Upload) complete(server int, err error) {
	u.mu.Lock()
	u.status[server] = err
	u.mu.Unlock()
	if u.pending.Add(-1) == 0 {
		close(u.done)
	}
}

// fail records err for every server still pending.
func (u *Upload) fail(server int, err error) {
	u.mu.Lock()
	pending := errors.Is(u.status[server], ErrPending)
	u.mu.Unlock()
	if pending {
		u.complete(server, err)
	}
}

// Batch is the set of uploads started by one ReplicateWrite call.
type Batch struct {
	Uploads []*Upload
}

// Err joins the failures of every upload in the batch.
func (b *Batch) Err() error {
	if b == nil {
		return nil
	}
	var errs []error
	for _, u := range b.Uploads {
		if err := u.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Package gateway produces the per-request read state handed to protocol
// front ends: a Context that streams a manifest, a block or a whole file.
package gateway

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/jacktea/blockgw/pkg/meta"
	"github.com/jacktea/blockgw/pkg/redirect"
)

// Kind says what a Context streams.
type Kind int

const (
	KindNone Kind = iota
	KindLocalFile
	KindManifest
	KindBlock
)

func (k Kind) String() string {
	switch k {
	case KindLocalFile:
		return "file"
	case KindManifest:
		return "manifest"
	case KindBlock:
		return "block"
	default:
		return "none"
	}
}

// ErrClosed is returned by Read after Close.
var ErrClosed = errors.New("gateway: context closed")

// Source opens the content addressed by a request that the resolver decided
// to serve locally.
type Source interface {
	Open(ctx context.Context, req redirect.Request) (*Context, error)
}

// Lister is implemented by sources that can enumerate a directory.
type Lister interface {
	Children(ctx context.Context, dir string) ([]meta.Record, error)
}

// Context is the read state of one request. It is not safe for concurrent
// Reads; Close may be called from any goroutine.
type Context struct {
	Kind     Kind
	FilePath string
	BlockID  uint64
	// Size is the content length, or -1 when unknown.
	Size    int64
	ModTime time.Time

	data   []byte
	offset int
	src    io.Reader

	mu      sync.Mutex
	closers []io.Closer
	closed  bool
}

// NewManifestContext streams an encoded manifest held in memory.
func NewManifestContext(path string, data []byte) *Context {
	return &Context{Kind: KindManifest, FilePath: path, Size: int64(len(data)), data: data}
}

// NewBlockContext streams one block from rc. rc is closed by Close.
func NewBlockContext(path string, id uint64, rc io.ReadCloser) *Context {
	return &Context{Kind: KindBlock, FilePath: path, BlockID: id, Size: -1, src: rc, closers: []io.Closer{rc}}
}

// NewFileContext streams readers one after the other as a single file.
func NewFileContext(path string, readers ...io.ReadCloser) *Context {
	srcs := make([]io.Reader, len(readers))
	closers := make([]io.Closer, len(readers))
	for i, r := range readers {
		srcs[i] = r
		closers[i] = r
	}
	return &Context{Kind: KindLocalFile, FilePath: path, Size: -1, src: io.MultiReader(srcs...), closers: closers}
}

// Read fills p with the next bytes of the content and returns 0, io.EOF
// once it is exhausted.
func (c *Context) Read(p []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	if c.src != nil {
		return c.src.Read(p)
	}
	if c.offset >= len(c.data) {
		return 0, io.EOF
	}
	n := copy(p, c.data[c.offset:])
	c.offset += n
	return n, nil
}

// Close releases the backing descriptors. It is idempotent.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	var errs []error
	for _, cl := range closers {
		if err := cl.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// lazyFile opens path on first read so a whole-file stream holds at most one
// descriptor at a time.
type lazyFile struct {
	path string
	f    *os.File
	done bool
}

func (l *lazyFile) Read(p []byte) (int, error) {
	if l.done {
		return 0, io.EOF
	}
	if l.f == nil {
		f, err := os.Open(l.path)
		if err != nil {
			return 0, err
		}
		l.f = f
	}
	n, err := l.f.Read(p)
	if err == io.EOF {
		l.done = true
		l.f.Close()
		l.f = nil
	}
	return n, err
}

func (l *lazyFile) Close() error {
	l.done = true
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// sectionFile is one block of a larger file.
type sectionFile struct {
	*io.SectionReader
	f *os.File
}

func (s sectionFile) Close() error { return s.f.Close() }

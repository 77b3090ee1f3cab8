// Package blob stores immutable objects as plain files under a root
// directory. Writes land in a temporary file next to the target and are
// renamed into place, so readers never observe partial objects.
package blob

import (
	"context"
	"crypto/md5"
	"errors"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jacktea/blockgw/pkg/xerrors"
)

// Info describes a stored object.
type Info struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// PathStore persists objects on the local filesystem.
type PathStore struct {
	root string
}

// NewPathStore returns a Store rooted at root, creating it if needed.
func NewPathStore(root string) (*PathStore, error) {
	if root == "" {
		return nil, xerrors.E(xerrors.KindInvalid, "PathStore", "root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "PathStore.mkdir", root, err)
	}
	return &PathStore{root: filepath.Clean(root)}, nil
}

// Root returns the store's root directory.
func (p *PathStore) Root() string { return p.root }

// Put writes r to name atomically and returns the size and MD5 digest of
// what was written. An existing object is replaced.
func (p *PathStore) Put(ctx context.Context, name string, r io.Reader) (int64, []byte, error) {
	finalPath, err := p.Path(name)
	if err != nil {
		return 0, nil, err
	}
	return WriteFile(ctx, finalPath, r)
}

// WriteFile atomically writes r to path.
func WriteFile(ctx context.Context, path string, r io.Reader) (int64, []byte, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, nil, xerrors.Wrap(xerrors.KindInternal, "blob.mkdir", dir, err)
	}
	file, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return 0, nil, xerrors.Wrap(xerrors.KindInternal, "blob.create", path, err)
	}
	tmpName := file.Name()
	hasher := md5.New()
	n, err := io.Copy(io.MultiWriter(file, hasher), contextReader{ctx: ctx, r: r})
	if err != nil {
		file.Close()
		os.Remove(tmpName)
		return 0, nil, err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpName)
		return 0, nil, err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpName)
		return 0, nil, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return 0, nil, xerrors.Wrap(xerrors.KindInternal, "blob.rename", path, err)
	}
	return n, hasher.Sum(nil), nil
}

// Open opens a stored object for reading.
func (p *PathStore) Open(ctx context.Context, name string) (*os.File, Info, error) {
	path, err := p.Path(name)
	if err != nil {
		return nil, Info{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, Info{}, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Info{}, err
	}
	if st.IsDir() {
		f.Close()
		return nil, Info{}, xerrors.E(xerrors.KindInvalid, "blob.open", name)
	}
	return f, Info{Name: name, Size: st.Size(), ModTime: st.ModTime()}, nil
}

// Stat describes a stored object.
func (p *PathStore) Stat(ctx context.Context, name string) (Info, error) {
	path, err := p.Path(name)
	if err != nil {
		return Info{}, err
	}
	st, err := os.Stat(path)
	if err != nil {
		return Info{}, err
	}
	return Info{Name: name, Size: st.Size(), ModTime: st.ModTime()}, nil
}

// Delete removes an object and any directories it leaves empty.
func (p *PathStore) Delete(ctx context.Context, name string) error {
	path, err := p.Path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return err
	}
	p.pruneEmpty(filepath.Dir(path))
	return nil
}

// Exists reports whether name is stored.
func (p *PathStore) Exists(ctx context.Context, name string) (bool, error) {
	_, err := p.Stat(ctx, name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, iofs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Walk calls fn for every object below prefix, skipping in-progress uploads.
func (p *PathStore) Walk(ctx context.Context, prefix string, fn func(Info) error) error {
	start, err := p.Path(prefix)
	if err != nil {
		return err
	}
	return filepath.WalkDir(start, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, iofs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		st, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return err
		}
		return fn(Info{Name: filepath.ToSlash(rel), Size: st.Size(), ModTime: st.ModTime()})
	})
}

// Path maps an object name onto the filesystem, rejecting names that
// would escape the root.
func (p *PathStore) Path(name string) (string, error) {
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return "", xerrors.E(xerrors.KindInvalid, "blob.path", name)
		}
	}
	return filepath.Join(p.root, filepath.Clean("/"+filepath.FromSlash(name))), nil
}

func (p *PathStore) pruneEmpty(dir string) {
	for dir != p.root && strings.HasPrefix(dir, p.root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

package gateway

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jacktea/blockgw/pkg/blockurl"
	"github.com/jacktea/blockgw/pkg/fs"
	"github.com/jacktea/blockgw/pkg/location"
	"github.com/jacktea/blockgw/pkg/manifest"
	"github.com/jacktea/blockgw/pkg/meta"
	"github.com/jacktea/blockgw/pkg/redirect"
	"github.com/jacktea/blockgw/pkg/xerrors"
)

// LocalSource serves the blocks this gateway stores under its data and
// staging roots, and renders manifests from the metadata store.
type LocalSource struct {
	store meta.Store
	loc   *location.Service
}

var (
	_ Source = (*LocalSource)(nil)
	_ Lister = (*LocalSource)(nil)
)

// NewLocalSource returns a LocalSource.
func NewLocalSource(store meta.Store, loc *location.Service) *LocalSource {
	return &LocalSource{store: store, loc: loc}
}

// Open returns the context for req. Requests in the staging scope read from
// the staging root.
func (s *LocalSource) Open(ctx context.Context, req redirect.Request) (*Context, error) {
	const op = "gateway.open"
	path := blockurl.Sanitize(req.FilePath)
	rec, err := s.store.Get(ctx, path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindOf(err), op, path, err)
	}
	if rec.Dir {
		return nil, xerrors.Wrap(xerrors.KindInvalid, op, path, fs.ErrNotSupported)
	}
	local := rec.Local && !req.Staging

	switch {
	case req.IsManifest():
		data, err := manifest.FromRecord(rec).Marshal()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, op, path, err)
		}
		c := NewManifestContext(path, data)
		c.ModTime = rec.MTime.Time()
		return c, nil

	case req.IsBlock():
		blk, ok := rec.Blocks[req.BlockID]
		if !ok {
			return nil, xerrors.Wrap(xerrors.KindNotFound, op, path, fs.ErrNotFound)
		}
		if blk.Remote {
			return nil, xerrors.Wrap(xerrors.KindRemoteIO, op, path, fs.ErrRemote)
		}
		f, err := os.Open(s.loc.LocalBlockPath(local, path, rec.Version, req.BlockID, blk.Version))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindOf(err), op, path, err)
		}
		c := NewBlockContext(path, req.BlockID, f)
		if st, err := f.Stat(); err == nil {
			c.Size = st.Size()
			c.ModTime = st.ModTime()
		}
		return c, nil
	}

	// Every block is checked before the context is returned; once the
	// caller has sent headers a missing block can only truncate the body.
	readers := make([]io.ReadCloser, 0, len(rec.Blocks))
	var total int64
	for _, id := range rec.BlockIDs() {
		blk := rec.Blocks[id]
		if blk.Remote {
			return nil, xerrors.Wrap(xerrors.KindRemoteIO, op, path, fs.ErrRemote)
		}
		target := s.loc.LocalBlockPath(local, path, rec.Version, id, blk.Version)
		st, err := os.Stat(target)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindOf(err), op, path, err)
		}
		total += st.Size()
		readers = append(readers, &lazyFile{path: target})
	}
	if total != rec.Size {
		return nil, xerrors.Wrap(xerrors.KindInternal, op, path,
			fmt.Errorf("blocks hold %d bytes, record says %d", total, rec.Size))
	}
	c := NewFileContext(path, readers...)
	c.Size = rec.Size
	c.ModTime = rec.MTime.Time()
	return c, nil
}

// Children lists the entries of dir.
func (s *LocalSource) Children(ctx context.Context, dir string) ([]meta.Record, error) {
	return meta.Children(ctx, s.store, dir)
}

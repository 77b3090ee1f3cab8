package meta

import (
	"context"
	"errors"
	"path"

	"github.com/jacktea/blockgw/pkg/blockurl"
	"github.com/jacktea/blockgw/pkg/fs"
	"github.com/jacktea/blockgw/pkg/xerrors"
)

// Mkdir creates a directory record. The parent must be an existing directory.
func Mkdir(ctx context.Context, store Store, dir string, mtime fs.Timestamp) error {
	const op = "meta.mkdir"
	dir = blockurl.Sanitize(dir)
	if _, err := store.Get(ctx, dir); err == nil {
		return xerrors.Wrap(xerrors.KindAlreadyExists, op, dir, fs.ErrAlreadyExist)
	} else if !errors.Is(err, fs.ErrNotFound) {
		return xerrors.Wrap(xerrors.KindOf(err), op, dir, err)
	}
	if err := checkParent(ctx, store, op, dir); err != nil {
		return err
	}
	return store.Put(ctx, Record{Path: dir, Dir: true, Local: true, MTime: mtime})
}

// PutFile creates or replaces a file record. The parent must be an existing
// directory and the path must not name a directory.
func PutFile(ctx context.Context, store Store, rec Record) error {
	const op = "meta.putfile"
	rec.Path = blockurl.Sanitize(rec.Path)
	if rec.Dir {
		return xerrors.E(xerrors.KindInvalid, op, rec.Path)
	}
	if prev, err := store.Get(ctx, rec.Path); err == nil && prev.Dir {
		return xerrors.Wrap(xerrors.KindInvalid, op, rec.Path, fs.ErrNotSupported)
	}
	if err := checkParent(ctx, store, op, rec.Path); err != nil {
		return err
	}
	return store.Put(ctx, rec)
}

// SetBlock records the current version of one block of a file.
func SetBlock(ctx context.Context, store Store, file string, id uint64, blk BlockRecord) error {
	const op = "meta.setblock"
	rec, err := store.Get(ctx, file)
	if err != nil {
		return xerrors.Wrap(xerrors.KindOf(err), op, file, err)
	}
	if rec.Dir {
		return xerrors.Wrap(xerrors.KindInvalid, op, file, fs.ErrNotSupported)
	}
	if rec.Blocks == nil {
		rec.Blocks = make(map[uint64]BlockRecord)
	}
	rec.Blocks[id] = blk
	return store.Put(ctx, rec)
}

// Children lists the direct entries of dir in path order.
func Children(ctx context.Context, store Store, dir string) ([]Record, error) {
	const op = "meta.children"
	dir = blockurl.Sanitize(dir)
	rec, err := store.Get(ctx, dir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindOf(err), op, dir, err)
	}
	if !rec.Dir {
		return nil, xerrors.Wrap(xerrors.KindNotDir, op, dir, fs.ErrNotDir)
	}
	all, err := store.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, r := range all {
		if r.Path != dir && path.Dir(r.Path) == dir {
			out = append(out, r)
		}
	}
	return out, nil
}

// Remove deletes a file or an empty directory and returns the removed record.
func Remove(ctx context.Context, store Store, p string) (Record, error) {
	const op = "meta.remove"
	p = blockurl.Sanitize(p)
	if p == "/" {
		return Record{}, xerrors.E(xerrors.KindPermission, op, p)
	}
	rec, err := store.Get(ctx, p)
	if err != nil {
		return Record{}, xerrors.Wrap(xerrors.KindOf(err), op, p, err)
	}
	if rec.Dir {
		children, err := Children(ctx, store, p)
		if err != nil {
			return Record{}, err
		}
		if len(children) > 0 {
			return Record{}, xerrors.Wrap(xerrors.KindNotEmpty, op, p, fs.ErrNotEmpty)
		}
	}
	if err := store.Delete(ctx, p); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func checkParent(ctx context.Context, store Store, op, p string) error {
	parent := path.Dir(p)
	rec, err := store.Get(ctx, parent)
	if err != nil {
		return xerrors.Wrap(xerrors.KindOf(err), op, parent, err)
	}
	if !rec.Dir {
		return xerrors.Wrap(xerrors.KindNotDir, op, parent, fs.ErrNotDir)
	}
	return nil
}

package meta

import (
	"context"

	"github.com/jacktea/blockgw/pkg/blockurl"
	"github.com/jacktea/blockgw/pkg/fs"
	"github.com/jacktea/blockgw/pkg/xerrors"
)

// Getter loads a single record.
type Getter interface {
	Get(ctx context.Context, path string) (Record, error)
}

// Facts answers fs.Facts queries from namespace records.
type Facts struct {
	src Getter
}

var (
	_ fs.Facts        = (*Facts)(nil)
	_ fs.OwnerLocator = (*Facts)(nil)
)

// NewFacts wraps src.
func NewFacts(src Getter) *Facts {
	return &Facts{src: src}
}

func (f *Facts) get(ctx context.Context, op, path string) (Record, error) {
	rec, err := f.src.Get(ctx, blockurl.Sanitize(path))
	if err != nil {
		return Record{}, xerrors.Wrap(xerrors.KindOf(err), op, path, err)
	}
	return rec, nil
}

func (f *Facts) LatestFileVersion(ctx context.Context, path string) (int64, error) {
	rec, err := f.get(ctx, "meta.version", path)
	if err != nil {
		return 0, err
	}
	return rec.Version, nil
}

func (f *Facts) IsLocal(ctx context.Context, path string) (bool, error) {
	rec, err := f.get(ctx, "meta.local", path)
	if err != nil {
		return false, err
	}
	return rec.Local, nil
}

func (f *Facts) IsDir(ctx context.Context, path string) (bool, error) {
	rec, err := f.get(ctx, "meta.isdir", path)
	if err != nil {
		return false, err
	}
	return rec.Dir, nil
}

func (f *Facts) BlockState(ctx context.Context, path string, blockID uint64) (fs.BlockState, error) {
	rec, err := f.get(ctx, "meta.blockstate", path)
	if err != nil {
		return fs.BlockAbsent, err
	}
	if rec.Dir {
		return fs.BlockAbsent, xerrors.Wrap(xerrors.KindInvalid, "meta.blockstate", path, fs.ErrNotSupported)
	}
	blk, ok := rec.Blocks[blockID]
	switch {
	case !ok:
		return fs.BlockAbsent, nil
	case blk.Remote:
		return fs.BlockRemote, nil
	default:
		return fs.BlockLocal, nil
	}
}

func (f *Facts) LatestBlockVersion(ctx context.Context, path string, blockID uint64) (int64, error) {
	rec, err := f.get(ctx, "meta.blockversion", path)
	if err != nil {
		return 0, err
	}
	blk, ok := rec.Blocks[blockID]
	if !ok {
		return 0, xerrors.Wrap(xerrors.KindNotFound, "meta.blockversion", path, fs.ErrNotFound)
	}
	return blk.Version, nil
}

func (f *Facts) BlockURL(ctx context.Context, path string, blockID uint64) (string, error) {
	rec, err := f.get(ctx, "meta.blockurl", path)
	if err != nil {
		return "", err
	}
	blk, ok := rec.Blocks[blockID]
	if !ok || !blk.Remote || blk.URL == "" {
		return "", xerrors.Wrap(xerrors.KindNotFound, "meta.blockurl", path, fs.ErrNotFound)
	}
	return blk.URL, nil
}

func (f *Facts) ManifestLastModified(ctx context.Context, path string) (fs.Timestamp, error) {
	rec, err := f.get(ctx, "meta.lastmod", path)
	if err != nil {
		return fs.Timestamp{}, err
	}
	return rec.MTime, nil
}

// OwnerURL returns the content URL of the gateway coordinating a remote file.
func (f *Facts) OwnerURL(ctx context.Context, path string) (string, error) {
	rec, err := f.get(ctx, "meta.owner", path)
	if err != nil {
		return "", err
	}
	if rec.Local || rec.OwnerURL == "" {
		return "", xerrors.Wrap(xerrors.KindNotFound, "meta.owner", path, fs.ErrNotFound)
	}
	return rec.OwnerURL, nil
}

package gateway

import (
	"context"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jacktea/blockgw/pkg/blockurl"
	"github.com/jacktea/blockgw/pkg/fs"
	"github.com/jacktea/blockgw/pkg/manifest"
	"github.com/jacktea/blockgw/pkg/meta"
	"github.com/jacktea/blockgw/pkg/redirect"
	"github.com/jacktea/blockgw/pkg/xerrors"
)

// DiskDriver exposes a directory of ordinary files as a read-only dataset.
// Every published file is version 1 and its blocks are slices of the file
// at multiples of the blocking factor, each at version 1.
type DiskDriver struct {
	*meta.Facts

	root           string
	blockingFactor uint64
	logger         zerolog.Logger

	mu      sync.RWMutex
	dataset *meta.MemoryStore
}

var (
	_ Source   = (*DiskDriver)(nil)
	_ Lister   = (*DiskDriver)(nil)
	_ fs.Facts = (*DiskDriver)(nil)
)

// NewDiskDriver returns a driver for root. Call Publish before serving.
func NewDiskDriver(root string, blockingFactor uint64, logger zerolog.Logger) (*DiskDriver, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindOf(err), "gateway.disk", root, err)
	}
	if !info.IsDir() {
		return nil, xerrors.Wrap(xerrors.KindNotDir, "gateway.disk", root, fs.ErrNotDir)
	}
	if blockingFactor == 0 {
		return nil, xerrors.E(xerrors.KindInvalid, "gateway.disk", "blocking factor must be positive")
	}
	d := &DiskDriver{
		root:           filepath.Clean(root),
		blockingFactor: blockingFactor,
		logger:         logger.With().Str("component", "disk-driver").Logger(),
		dataset:        meta.NewMemoryStore(),
	}
	d.Facts = meta.NewFacts(d)
	return d, nil
}

// Get returns the published record of path.
func (d *DiskDriver) Get(ctx context.Context, path string) (meta.Record, error) {
	d.mu.RLock()
	ds := d.dataset
	d.mu.RUnlock()
	return ds.Get(ctx, path)
}

// Publish walks the root and replaces the dataset with what it finds. It
// returns the number of files published. Symlinks and special files are
// skipped.
func (d *DiskDriver) Publish(ctx context.Context) (int, error) {
	ds := meta.NewMemoryStore()
	var files int
	err := filepath.WalkDir(d.root, func(p string, entry iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		rec := meta.Record{
			Path:  blockurl.Sanitize(filepath.ToSlash(rel)),
			Local: true,
			MTime: fs.TimestampOf(info.ModTime()),
		}
		switch {
		case info.IsDir():
			rec.Dir = true
		case info.Mode().IsRegular():
			rec.Version = 1
			rec.Size = info.Size()
			rec.BlockingFactor = d.blockingFactor
			rec.Blocks = make(map[uint64]meta.BlockRecord)
			for id := uint64(0); id*d.blockingFactor < uint64(info.Size()); id++ {
				rec.Blocks[id] = meta.BlockRecord{Version: 1}
			}
			files++
		default:
			d.logger.Debug().Str("path", p).Msg("skipping special file")
			return nil
		}
		return ds.Put(ctx, rec)
	})
	if err != nil {
		return 0, xerrors.Wrap(xerrors.KindOf(err), "gateway.publish", d.root, err)
	}
	d.mu.Lock()
	d.dataset = ds
	d.mu.Unlock()
	d.logger.Info().Str("root", d.root).Int("files", files).Msg("dataset published")
	return files, nil
}

// Children lists the published entries of dir.
func (d *DiskDriver) Children(ctx context.Context, dir string) ([]meta.Record, error) {
	d.mu.RLock()
	ds := d.dataset
	d.mu.RUnlock()
	return meta.Children(ctx, ds, dir)
}

// Open serves a manifest, one block, or the whole file from the dataset.
func (d *DiskDriver) Open(ctx context.Context, req redirect.Request) (*Context, error) {
	const op = "gateway.disk.open"
	path := blockurl.Sanitize(req.FilePath)
	rec, err := d.Get(ctx, path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindOf(err), op, path, err)
	}
	if rec.Dir {
		return nil, xerrors.Wrap(xerrors.KindInvalid, op, path, fs.ErrNotSupported)
	}
	if req.IsManifest() {
		data, err := manifest.FromRecord(rec).Marshal()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.KindInternal, op, path, err)
		}
		c := NewManifestContext(path, data)
		c.ModTime = rec.MTime.Time()
		return c, nil
	}

	f, err := os.Open(filepath.Join(d.root, filepath.FromSlash(path)))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindOf(err), op, path, err)
	}
	if !req.IsBlock() {
		c := NewFileContext(path, f)
		c.Size = rec.Size
		c.ModTime = rec.MTime.Time()
		return c, nil
	}
	if _, ok := rec.Blocks[req.BlockID]; !ok {
		f.Close()
		return nil, xerrors.Wrap(xerrors.KindNotFound, op, path, fs.ErrNotFound)
	}
	off := int64(req.BlockID * d.blockingFactor)
	n := min(int64(d.blockingFactor), rec.Size-off)
	c := NewBlockContext(path, req.BlockID, sectionFile{SectionReader: io.NewSectionReader(f, off, n), f: f})
	c.Size = n
	c.ModTime = rec.MTime.Time()
	return c, nil
}

// Package blocks splits file content into fixed-size blocks, stores the
// blocks that changed since the previous write and updates the file's
// metadata record.
package blocks

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	pathpkg "path"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jacktea/blockgw/pkg/blob"
	"github.com/jacktea/blockgw/pkg/blockurl"
	"github.com/jacktea/blockgw/pkg/fs"
	"github.com/jacktea/blockgw/pkg/location"
	"github.com/jacktea/blockgw/pkg/meta"
	"github.com/jacktea/blockgw/pkg/xerrors"
)

// DefaultBlockingFactor is the block size used when none is configured.
const DefaultBlockingFactor = 4 << 20

// Options controls block writing.
type Options struct {
	BlockingFactor uint64
	// Concurrency is the number of blocks written in parallel.
	Concurrency int
	Logger      zerolog.Logger
}

// Writer stores file content as versioned blocks.
type Writer struct {
	store  meta.Store
	loc    *location.Service
	opts   Options
	logger zerolog.Logger
}

// NewWriter returns a Writer recording files in store and placing blocks
// where loc says.
func NewWriter(store meta.Store, loc *location.Service, opts Options) *Writer {
	if opts.BlockingFactor == 0 {
		opts.BlockingFactor = DefaultBlockingFactor
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Writer{
		store:  store,
		loc:    loc,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "blocks").Logger(),
	}
}

// BlockingFactor reports the configured block size.
func (w *Writer) BlockingFactor() uint64 { return w.opts.BlockingFactor }

// Result describes one write.
type Result struct {
	Record meta.Record
	// Modified maps every block written by this call to its new version.
	Modified map[uint64]int64
	// Superseded lists local block files replaced or dropped by this call;
	// they have been queued for collection.
	Superseded []string
}

type chunk struct {
	id   uint64
	data []byte
	hash string
}

// Write replaces the content of path with r. Blocks whose content is
// unchanged keep their version; changed blocks get the previous version
// plus one. A new file starts at file version 1 and is coordinated locally.
func (w *Writer) Write(ctx context.Context, path string, r io.Reader, mtime fs.Timestamp) (Result, error) {
	const op = "blocks.write"
	path = blockurl.Sanitize(path)

	prev, err := w.store.Get(ctx, path)
	switch {
	case err == nil:
		if prev.Dir {
			return Result{}, xerrors.Wrap(xerrors.KindInvalid, op, path, fs.ErrNotSupported)
		}
	case errors.Is(err, fs.ErrNotFound):
		parent, perr := w.store.Get(ctx, pathpkg.Dir(path))
		if perr != nil {
			return Result{}, xerrors.Wrap(xerrors.KindOf(perr), op, path, perr)
		}
		if !parent.Dir {
			return Result{}, xerrors.Wrap(xerrors.KindNotDir, op, path, fs.ErrNotDir)
		}
		last, lerr := w.store.LastVersion(ctx, path)
		if lerr != nil {
			return Result{}, xerrors.Wrap(xerrors.KindOf(lerr), op, path, lerr)
		}
		// A re-created file moves past the deleted one, whose blocks may
		// still be queued for collection.
		prev = meta.Record{Path: path, Version: last + 1, Local: true}
	default:
		return Result{}, xerrors.Wrap(xerrors.KindOf(err), op, path, err)
	}

	rec := prev.Clone()
	rec.MTime = mtime
	rec.BlockingFactor = w.opts.BlockingFactor
	rec.Size = 0
	rec.Blocks = make(map[uint64]meta.BlockRecord)
	rec.Retired = nil
	reshaped := prev.BlockingFactor != 0 && prev.BlockingFactor != w.opts.BlockingFactor

	res := Result{Modified: make(map[uint64]int64)}
	var changed []chunk
	buf := make([]byte, w.opts.BlockingFactor)
	var id uint64
	for {
		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			sum := md5.Sum(buf[:n])
			c := chunk{id: id, hash: hex.EncodeToString(sum[:])}
			old, had := prev.Blocks[id]
			if had && !reshaped && !old.Remote && old.Hash == c.hash {
				rec.Blocks[id] = old
			} else {
				c.data = bytes.Clone(buf[:n])
				changed = append(changed, c)
				next := prev.NextBlockVersion(id)
				rec.Blocks[id] = meta.BlockRecord{Version: next, Hash: c.hash}
				res.Modified[id] = next
			}
			rec.Size += int64(n)
			id++
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return Result{}, xerrors.Wrap(xerrors.KindOf(rerr), op, path, rerr)
		}
	}
	if err := w.writeChunks(ctx, rec, changed); err != nil {
		return Result{}, xerrors.Wrap(xerrors.KindOf(err), op, path, err)
	}

	for oldID, v := range prev.Retired {
		if _, back := rec.Blocks[oldID]; !back {
			rec.Retire(oldID, v)
		}
	}
	for oldID, old := range prev.Blocks {
		cur, kept := rec.Blocks[oldID]
		if !kept {
			rec.Retire(oldID, old.Version)
		}
		if old.Remote || (kept && cur.Version == old.Version) {
			continue
		}
		res.Superseded = append(res.Superseded, w.loc.LocalBlockPath(prev.Local, path, prev.Version, oldID, old.Version))
	}
	if err := meta.PutFile(ctx, w.store, rec); err != nil {
		return Result{}, err
	}
	if len(res.Superseded) > 0 {
		if err := w.store.EnqueueGarbage(ctx, res.Superseded...); err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("queue superseded blocks")
		}
	}
	res.Record = rec
	w.logger.Debug().
		Str("path", path).
		Int64("size", rec.Size).
		Int("blocks", len(rec.Blocks)).
		Int("modified", len(res.Modified)).
		Msg("file written")
	return res, nil
}

// writeChunks stores changed blocks with at most Concurrency writers.
func (w *Writer) writeChunks(ctx context.Context, rec meta.Record, chunks []chunk) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Concurrency)
	for _, c := range chunks {
		target := w.loc.LocalBlockPath(rec.Local, rec.Path, rec.Version, c.id, rec.Blocks[c.id].Version)
		g.Go(func() error {
			if _, _, err := blob.WriteFile(ctx, target, bytes.NewReader(c.data)); err != nil {
				return fmt.Errorf("block %d: %w", c.id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

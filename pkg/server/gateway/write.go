package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/jacktea/blockgw/pkg/blocks"
	"github.com/jacktea/blockgw/pkg/blockurl"
	"github.com/jacktea/blockgw/pkg/fs"
	"github.com/jacktea/blockgw/pkg/manifest"
	"github.com/jacktea/blockgw/pkg/meta"
	"github.com/jacktea/blockgw/pkg/replication"
	"github.com/jacktea/blockgw/pkg/xerrors"
)

type writeResponse struct {
	Path          string   `json:"path"`
	Version       int64    `json:"version"`
	Size          int64    `json:"size"`
	Modified      int      `json:"modified_blocks"`
	URL           string   `json:"url"`
	ReplicaErrors []string `json:"replica_errors,omitempty"`
}

// writePath decodes a write target. Writes address plain paths in the data
// scope; a trailing slash names a directory.
func writePath(raw string) (string, bool, error) {
	const op = "gateway.write"
	parsed, err := blockurl.Decode(raw)
	if err != nil {
		return "", false, err
	}
	if parsed.Dir {
		req, err := decodeRequest(raw)
		if err != nil || req.Staging {
			return "", false, xerrors.E(xerrors.KindInvalid, op, raw)
		}
		return req.FilePath, true, nil
	}
	if parsed.Staging || parsed.IsBlock() || parsed.IsManifest() || parsed.FileVersion.Valid {
		return "", false, xerrors.E(xerrors.KindInvalid, op, raw)
	}
	return blockurl.Sanitize(parsed.FilePath), false, nil
}

// handlePut writes the request body as the new content of a file, or creates
// a directory. With ?sync=true the response waits for every replica server.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path, dir, err := writePath(r.URL.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	now := fs.TimestampOf(time.Now())
	if dir {
		if err := meta.Mkdir(ctx, s.Store, path, now); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusCreated)
		return
	}

	e := s.writes.lock(path)
	defer s.writes.unlock(path, e, s.Replicator)
	// Blocks superseded below may still be read by the previous write's
	// replication.
	if err := e.waitPrevious(ctx, s.Replicator); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.Writer.Write(ctx, path, r.Body, now)
	if err != nil {
		writeError(w, err)
		return
	}
	sync, _ := strconv.ParseBool(r.URL.Query().Get("sync"))
	out := writeResponse{
		Path:     res.Record.Path,
		Version:  res.Record.Version,
		Size:     res.Record.Size,
		Modified: len(res.Modified),
		URL:      s.Location.PublicFileURL(blockurl.ScopeData, res.Record.Path, res.Record.Version),
	}
	if s.Replicator != nil {
		out.ReplicaErrors, err = s.replicate(r, e, res, sync)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	w.Header().Set("Location", out.URL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(out)
}

func (s *Server) replicate(r *http.Request, e *pathEntry, res blocks.Result, sync bool) ([]string, error) {
	rec := res.Record
	data, err := manifest.FromRecord(rec).Marshal()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInternal, "gateway.replicate", rec.Path, err)
	}
	fh := replication.NewFileHandle(rec.Path, rec.Version, rec.MTime, rec.Local)
	batch, err := s.Replicator.ReplicateWrite(r.Context(), fh, data, res.Modified, sync)
	if err != nil {
		return nil, err
	}
	e.handle = fh
	if !sync {
		return nil, nil
	}
	var failures []string
	for _, u := range batch.Uploads {
		if err := u.Err(); err != nil {
			failures = append(failures, err.Error())
		}
	}
	if len(failures) > 0 {
		s.Opt.Logger.Warn().Str("path", rec.Path).Strs("errors", failures).Msg("replication incomplete")
	}
	return failures, nil
}

// handleDelete removes a file or an empty directory. The local blocks of a
// removed file are queued for collection.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	path, _, err := writePath(r.URL.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	e := s.writes.lock(path)
	defer s.writes.unlock(path, e, s.Replicator)
	if err := e.waitPrevious(ctx, s.Replicator); err != nil {
		writeError(w, err)
		return
	}
	rec, err := meta.Remove(ctx, s.Store, path)
	if err != nil {
		writeError(w, err)
		return
	}
	var garbage []string
	for id, blk := range rec.Blocks {
		if !blk.Remote {
			garbage = append(garbage, s.Location.LocalBlockPath(rec.Local, rec.Path, rec.Version, id, blk.Version))
		}
	}
	if len(garbage) > 0 {
		if err := s.Store.EnqueueGarbage(ctx, garbage...); err != nil {
			s.Opt.Logger.Warn().Err(err).Str("path", path).Msg("queue removed blocks")
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

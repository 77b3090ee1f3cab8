// Package rgw serves a replica gateway: the receiving end of block
// replication. Gateways push manifests and blocks as multipart form posts,
// or through the S3 endpoint mounted under /s3/; both land in the same
// replica store and are read back with plain GET requests.
package rgw

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jacktea/blockgw/pkg/blockurl"
	"github.com/jacktea/blockgw/pkg/metrics"
	"github.com/jacktea/blockgw/pkg/replica"
	"github.com/jacktea/blockgw/pkg/replication"
	"github.com/jacktea/blockgw/pkg/server/middleware"
	"github.com/jacktea/blockgw/pkg/transport"
	"github.com/jacktea/blockgw/pkg/xerrors"
)

// S3Prefix is where the S3 endpoint is mounted.
const S3Prefix = "/s3"

// Options configure the replica gateway.
type Options struct {
	APIKey    string
	RateLimit middleware.RateLimitOptions
	// MetricsHandler is served on /metrics when set.
	MetricsHandler http.Handler
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

// Server accepts replica uploads and serves stored objects.
type Server struct {
	Store *replica.Store
	Opt   Options

	handlerOnce sync.Once
	handler     http.Handler
}

// Start listens on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.Opt.Logger.Info().Str("addr", addr).Msg("replica gateway listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpHandler().ServeHTTP(w, r)
}

func (s *Server) httpHandler() http.Handler {
	s.handlerOnce.Do(func() {
		s3 := http.StripPrefix(S3Prefix, gofakes3.New(NewBackend(s.Store)).Server())
		protected := middleware.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == S3Prefix || strings.HasPrefix(r.URL.Path, S3Prefix+"/") {
				s3.ServeHTTP(w, r)
				return
			}
			switch r.Method {
			case http.MethodPost, http.MethodPut:
				s.handleUpload(w, r)
			case http.MethodGet, http.MethodHead:
				s.handleGet(w, r)
			default:
				w.Header().Set("Allow", "GET, HEAD, POST, PUT")
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
		}), middleware.APIKeyAuth(s.Opt.APIKey), middleware.RateLimit(s.Opt.RateLimit))

		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, "ok\n")
		})
		if s.Opt.MetricsHandler != nil {
			mux.Handle("/metrics", s.Opt.MetricsHandler)
		} else {
			mux.Handle("/metrics", promhttp.Handler())
		}
		mux.Handle("/", protected)
		s.handler = middleware.Wrap(mux, middleware.AccessLog(s.Opt.Logger, s.Opt.Metrics))
	})
	return s.handler
}

// handleUpload stores one multipart upload. The metadata field must precede
// the data field so the target can be checked before any byte is written.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.KindInvalid, "rgw.upload", r.URL.Path, err))
		return
	}
	var (
		info   replication.BlockInfo
		haveMD bool
		stored *replica.Object
	)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, xerrors.Wrap(xerrors.KindInvalid, "rgw.upload", r.URL.Path, err))
			return
		}
		switch part.FormName() {
		case transport.FieldMetadata:
			data, err := io.ReadAll(io.LimitReader(part, 64<<10))
			if err == nil {
				err = json.Unmarshal(data, &info)
			}
			if err != nil || info.FSPath == "" {
				writeError(w, xerrors.Wrap(xerrors.KindInvalid, "rgw.metadata", r.URL.Path, err))
				return
			}
			haveMD = true
		case transport.FieldData:
			if !haveMD {
				writeError(w, xerrors.E(xerrors.KindInvalid, "rgw.upload", "data before metadata"))
				return
			}
			key, err := uploadKey(part.Header.Get("Content-Disposition"), info)
			if err != nil {
				writeError(w, err)
				return
			}
			obj, err := s.Store.Put(r.Context(), replica.DefaultBucket, key, headerMeta(info), part)
			if err != nil {
				writeError(w, err)
				return
			}
			stored = &obj
		}
		part.Close()
	}
	if stored == nil {
		writeError(w, xerrors.E(xerrors.KindInvalid, "rgw.upload", "missing data"))
		return
	}
	s.Opt.Logger.Debug().Str("key", stored.Key).Str("fs_path", info.FSPath).Int64("bytes", stored.Size).Msg("replica stored")
	w.Header().Set("ETag", gofakes3.FormatETag(stored.MD5))
	w.WriteHeader(http.StatusCreated)
}

// uploadKey extracts the target path from the data part's filename and
// checks that it belongs to the file version named in the metadata.
func uploadKey(disposition string, info replication.BlockInfo) (string, error) {
	const op = "rgw.target"
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return "", xerrors.Wrap(xerrors.KindInvalid, op, disposition, err)
	}
	name := params["filename"]
	if name == "" || strings.Contains(name, "/../") || strings.HasSuffix(name, "/..") {
		return "", xerrors.E(xerrors.KindInvalid, op, name)
	}
	dir := blockurl.VersionedPath(blockurl.Sanitize(info.FSPath), info.FileVersion) + "/"
	if !strings.HasPrefix(name, dir) {
		return "", xerrors.E(xerrors.KindInvalid, op, name)
	}
	return name, nil
}

func headerMeta(info replication.BlockInfo) map[string]string {
	fields := info.Fields()
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[transport.MetaPrefix+k] = v
	}
	return out
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.URL.Path, "/../") || strings.HasSuffix(r.URL.Path, "/..") {
		writeError(w, xerrors.E(xerrors.KindInvalid, "rgw.get", r.URL.Path))
		return
	}
	f, obj, err := s.Store.Open(r.Context(), replica.DefaultBucket, r.URL.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.Close()
	for k, v := range obj.Meta {
		w.Header().Set(k, v)
	}
	w.Header().Set("ETag", gofakes3.FormatETag(obj.MD5))
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, "", obj.ModTime, f)
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), xerrors.HTTPStatus(err))
}

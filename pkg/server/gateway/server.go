// Package gateway serves the read side of a block gateway over HTTP. Each
// GET is decoded, resolved against the namespace, and either redirected to
// the canonical URL of the freshest copy or streamed from a gateway.Source.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jacktea/blockgw/pkg/blocks"
	"github.com/jacktea/blockgw/pkg/blockurl"
	"github.com/jacktea/blockgw/pkg/fs"
	"github.com/jacktea/blockgw/pkg/gateway"
	"github.com/jacktea/blockgw/pkg/location"
	"github.com/jacktea/blockgw/pkg/meta"
	"github.com/jacktea/blockgw/pkg/metrics"
	"github.com/jacktea/blockgw/pkg/redirect"
	"github.com/jacktea/blockgw/pkg/replication"
	"github.com/jacktea/blockgw/pkg/server/middleware"
	"github.com/jacktea/blockgw/pkg/xerrors"
)

// Options configure auth, rate limiting and observability.
type Options struct {
	APIKey    string
	RateLimit middleware.RateLimitOptions
	// MetricsHandler is served on /metrics when set; promhttp.Handler otherwise.
	MetricsHandler http.Handler
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
}

// Server answers block, manifest, file and directory GETs.
type Server struct {
	Facts    fs.Facts
	Location *location.Service
	Source   gateway.Source
	Opt      Options

	// Store and Writer enable PUT and DELETE; without them the server is
	// read-only.
	Store  meta.Store
	Writer *blocks.Writer
	// Replicator, when set, replicates every file written through PUT.
	Replicator *replication.Engine

	writes      pathLocks
	handlerOnce sync.Once
	handler     http.Handler
	resolver    *redirect.Resolver
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.Opt.Logger.Info().Str("addr", addr).Msg("gateway listening")
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
		s.resolver = redirect.New(s.Facts, s.Location)
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
		mux.Handle("/", middleware.Wrap(http.HandlerFunc(s.route),
			middleware.APIKeyAuth(s.Opt.APIKey),
			middleware.RateLimit(s.Opt.RateLimit),
		))
		// Reject parent references before the mux turns them into redirects.
		root := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hasParentRef(r.URL.Path) {
				writeError(w, xerrors.E(xerrors.KindInvalid, "gateway.path", r.URL.Path))
				return
			}
			mux.ServeHTTP(w, r)
		})
		s.handler = middleware.Wrap(root, middleware.AccessLog(s.Opt.Logger, s.Opt.Metrics))
	})
	return s.handler
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	writable := s.Writer != nil && s.Store != nil
	switch {
	case r.Method == http.MethodGet, r.Method == http.MethodHead:
		s.handleRead(w, r)
	case r.Method == http.MethodPut && writable:
		s.handlePut(w, r)
	case r.Method == http.MethodDelete && writable:
		s.handleDelete(w, r)
	default:
		if writable {
			w.Header().Set("Allow", "GET, HEAD, PUT, DELETE")
		} else {
			w.Header().Set("Allow", "GET, HEAD")
		}
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	req, err := decodeRequest(r.URL.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	ctx := r.Context()
	dec, err := s.resolver.Resolve(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.Opt.Metrics.ObserveDecision(dec.Outcome.String())

	switch dec.Outcome {
	case redirect.Handled:
		redirectTo(w, dec.URL)
	case redirect.Remote:
		s.redirectToOwner(w, r, req.FilePath)
	default:
		dir, err := s.Facts.IsDir(ctx, req.FilePath)
		if err != nil {
			writeError(w, err)
			return
		}
		if dir {
			s.serveDir(w, r, req.FilePath)
			return
		}
		s.serveContent(w, r, req)
	}
}

func hasParentRef(p string) bool {
	return strings.Contains(p, "/../") || strings.HasSuffix(p, "/..")
}

// decodeRequest decodes a request path. Decode reports only that a path
// names a directory, so the directory's file path is derived here.
func decodeRequest(raw string) (redirect.Request, error) {
	const op = "gateway.decode"
	parsed, err := blockurl.Decode(raw)
	if err != nil {
		return redirect.Request{}, err
	}
	if !parsed.Dir {
		return redirect.RequestFromParsed(parsed), nil
	}
	req := redirect.Request{BlockID: blockurl.InvalidBlockID}
	switch {
	case strings.HasPrefix(raw, blockurl.DataPrefix):
		req.FilePath = blockurl.Sanitize(raw[len(blockurl.DataPrefix)-1:])
	case strings.HasPrefix(raw, blockurl.StagingPrefix):
		req.FilePath = blockurl.Sanitize(raw[len(blockurl.StagingPrefix)-1:])
		req.Staging = true
	default:
		return redirect.Request{}, xerrors.E(xerrors.KindInvalid, op, raw)
	}
	return req, nil
}

func redirectTo(w http.ResponseWriter, url string) {
	w.Header().Set("Location", url)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusFound)
}

// redirectToOwner sends the client to the gateway coordinating a remote file
// when the facts provider knows it.
func (s *Server) redirectToOwner(w http.ResponseWriter, r *http.Request, filePath string) {
	if locator, ok := s.Facts.(fs.OwnerLocator); ok {
		owner, err := locator.OwnerURL(r.Context(), filePath)
		if err == nil {
			redirectTo(w, strings.TrimRight(owner, "/")+r.URL.Path)
			return
		}
		s.Opt.Logger.Debug().Err(err).Str("path", filePath).Msg("owner lookup failed")
	}
	writeError(w, xerrors.Wrap(xerrors.KindRemoteIO, "gateway.remote", filePath, fs.ErrRemote))
}

func (s *Server) serveContent(w http.ResponseWriter, r *http.Request, req redirect.Request) {
	c, err := s.Source.Open(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	defer c.Close()

	h := w.Header()
	if c.Kind == gateway.KindManifest {
		h.Set("Content-Type", "application/json")
	} else {
		h.Set("Content-Type", "application/octet-stream")
	}
	if c.Size >= 0 {
		h.Set("Content-Length", strconv.FormatInt(c.Size, 10))
	}
	if !c.ModTime.IsZero() {
		h.Set("Last-Modified", c.ModTime.UTC().Format(http.TimeFormat))
	}
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if n, err := io.Copy(w, c); err != nil {
		s.Opt.Logger.Warn().Err(err).
			Str("path", c.FilePath).
			Str("kind", c.Kind.String()).
			Int64("written", n).
			Msg("stream interrupted")
	}
}

type dirEntry struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Version int64  `json:"version,omitempty"`
	Size    int64  `json:"size,omitempty"`
}

func (s *Server) serveDir(w http.ResponseWriter, r *http.Request, dir string) {
	lister, ok := s.Source.(gateway.Lister)
	if !ok {
		writeError(w, xerrors.Wrap(xerrors.KindNotSupported, "gateway.list", dir, fs.ErrNotSupported))
		return
	}
	children, err := lister.Children(r.Context(), dir)
	if err != nil {
		writeError(w, err)
		return
	}
	entries := make([]dirEntry, 0, len(children))
	for _, rec := range children {
		e := dirEntry{Name: path.Base(rec.Path), Type: "file", Version: rec.Version, Size: rec.Size}
		if rec.Dir {
			e = dirEntry{Name: path.Base(rec.Path), Type: "dir"}
		}
		entries = append(entries, e)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Path    string     `json:"path"`
		Entries []dirEntry `json:"entries"`
	}{Path: dir, Entries: entries})
}

func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), xerrors.HTTPStatus(err))
}

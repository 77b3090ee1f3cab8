// Package redirect decides whether a read request is served locally or
// answered with the canonical URL of the freshest copy.
package redirect

import (
	"context"

	"github.com/jacktea/blockgw/pkg/blockurl"
	"github.com/jacktea/blockgw/pkg/fs"
	"github.com/jacktea/blockgw/pkg/location"
	"github.com/jacktea/blockgw/pkg/xerrors"
)

// Outcome is the kind of decision the resolver reached.
type Outcome int

const (
	// NotHandled means the request is current and should be served here.
	NotHandled Outcome = iota
	// Handled means the client should be redirected to Decision.URL.
	Handled
	// Remote means the file is coordinated by another gateway.
	Remote
)

func (o Outcome) String() string {
	switch o {
	case Handled:
		return "redirect"
	case Remote:
		return "remote"
	default:
		return "serve"
	}
}

// Decision is the result of Resolve.
type Decision struct {
	Outcome Outcome
	URL     string
}

// Request is a decoded read request for a file, directory, manifest or block.
type Request struct {
	FilePath     string
	FileVersion  blockurl.OptionalVersion
	BlockID      uint64
	BlockVersion blockurl.OptionalVersion
	Manifest     *fs.Timestamp
	Staging      bool
}

// RequestFromParsed converts a decoded URL path into a Request.
func RequestFromParsed(p blockurl.Parsed) Request {
	return Request{
		FilePath:     p.FilePath,
		FileVersion:  p.FileVersion,
		BlockID:      p.BlockID,
		BlockVersion: p.BlockVersion,
		Manifest:     p.Manifest,
		Staging:      p.Staging,
	}
}

// IsBlock reports whether the request addresses a block.
func (r Request) IsBlock() bool { return r.BlockID != blockurl.InvalidBlockID }

// IsManifest reports whether the request addresses a manifest.
func (r Request) IsManifest() bool { return r.Manifest != nil }

func (r Request) scope() blockurl.Scope {
	if r.Staging {
		return blockurl.ScopeStaging
	}
	return blockurl.ScopeData
}

// Resolver consults filesystem facts and builds canonical URLs. It holds no
// mutable state.
type Resolver struct {
	facts fs.Facts
	loc   *location.Service
}

// New returns a Resolver.
func New(facts fs.Facts, loc *location.Service) *Resolver {
	return &Resolver{facts: facts, loc: loc}
}

// Resolve decides how req should be answered. Errors from the facts provider
// are returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Decision, error) {
	path := blockurl.Sanitize(req.FilePath)
	latest, err := r.facts.LatestFileVersion(ctx, path)
	if err != nil {
		return Decision{}, err
	}
	if latest < 0 {
		return Decision{}, xerrors.E(xerrors.KindNotFound, "redirect.resolve", path)
	}
	if req.IsBlock() {
		return r.resolveBlock(ctx, req, path, latest)
	}
	return r.resolveFile(ctx, req, path, latest)
}

func (r *Resolver) resolveBlock(ctx context.Context, req Request, path string, latest int64) (Decision, error) {
	state, err := r.facts.BlockState(ctx, path, req.BlockID)
	if err != nil {
		return Decision{}, err
	}
	switch state {
	case fs.BlockRemote:
		u, err := r.facts.BlockURL(ctx, path, req.BlockID)
		if err != nil {
			return Decision{}, err
		}
		return Decision{Outcome: Handled, URL: u}, nil
	case fs.BlockAbsent:
		return Decision{}, xerrors.Wrap(xerrors.KindNotFound, "redirect.block", path, fs.ErrNotFound)
	}

	latestBlock, err := r.facts.LatestBlockVersion(ctx, path, req.BlockID)
	if err != nil {
		return Decision{}, err
	}
	if !req.FileVersion.Equal(latest) || !req.BlockVersion.Equal(latestBlock) {
		return Decision{
			Outcome: Handled,
			URL:     r.loc.PublicBlockURL(req.scope(), path, latest, req.BlockID, latestBlock),
		}, nil
	}
	return Decision{Outcome: NotHandled}, nil
}

func (r *Resolver) resolveFile(ctx context.Context, req Request, path string, latest int64) (Decision, error) {
	local, err := r.facts.IsLocal(ctx, path)
	if err != nil {
		return Decision{}, err
	}
	if !local {
		return Decision{Outcome: Remote}, nil
	}
	dir, err := r.facts.IsDir(ctx, path)
	if err != nil {
		return Decision{}, err
	}
	if dir {
		return Decision{Outcome: NotHandled}, nil
	}

	if req.IsManifest() {
		lastmod, err := r.facts.ManifestLastModified(ctx, path)
		if err != nil {
			return Decision{}, err
		}
		if !req.FileVersion.Equal(latest) || *req.Manifest != lastmod {
			return Decision{
				Outcome: Handled,
				URL:     r.loc.PublicManifestURL(req.scope(), path, latest, lastmod),
			}, nil
		}
		return Decision{Outcome: NotHandled}, nil
	}

	if !req.FileVersion.Equal(latest) {
		return Decision{
			Outcome: Handled,
			URL:     r.loc.PublicFileURL(req.scope(), path, latest),
		}, nil
	}
	return Decision{Outcome: NotHandled}, nil
}

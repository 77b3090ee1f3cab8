// Package location computes where blocks and manifests live: on local disk
// under the data or staging root, and at their public URLs.
package location

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/jacktea/blockgw/pkg/blockurl"
	"github.com/jacktea/blockgw/pkg/fs"
)

// Config configures a Service.
type Config struct {
	// ContentURL is the externally visible base URL of this gateway.
	ContentURL string
	// CDNPrefix replaces the scheme and host of ContentURL in public URLs.
	CDNPrefix   string
	DataRoot    string
	StagingRoot string
}

// Service is stateless apart from its configuration and safe for concurrent use.
type Service struct {
	contentURL  string
	cdnPrefix   string
	dataRoot    string
	stagingRoot string
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	if cfg.ContentURL == "" {
		return nil, fmt.Errorf("location: content url required")
	}
	u, err := url.Parse(cfg.ContentURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("location: invalid content url %q", cfg.ContentURL)
	}
	if cfg.CDNPrefix != "" {
		if _, err := url.Parse(cfg.CDNPrefix); err != nil {
			return nil, fmt.Errorf("location: invalid cdn prefix %q: %w", cfg.CDNPrefix, err)
		}
	}
	if cfg.DataRoot == "" || cfg.StagingRoot == "" {
		return nil, fmt.Errorf("location: data and staging roots required")
	}
	return &Service{
		contentURL:  strings.TrimRight(cfg.ContentURL, "/"),
		cdnPrefix:   strings.TrimRight(cfg.CDNPrefix, "/"),
		dataRoot:    filepath.Clean(cfg.DataRoot),
		stagingRoot: filepath.Clean(cfg.StagingRoot),
	}, nil
}

// DataRoot returns the root for files this gateway coordinates.
func (s *Service) DataRoot() string { return s.dataRoot }

// StagingRoot returns the root for writes to files coordinated elsewhere.
func (s *Service) StagingRoot() string { return s.stagingRoot }

// Root picks the data root for local files and the staging root otherwise.
func (s *Service) Root(local bool) string {
	if local {
		return s.dataRoot
	}
	return s.stagingRoot
}

// LocalFileDir is the directory holding the blocks of one file version.
func (s *Service) LocalFileDir(local bool, path string, fileVersion int64) string {
	return filepath.FromSlash(blockurl.Join(s.Root(local), blockurl.VersionedPath(path, fileVersion)))
}

// LocalBlockPath is {root}{path}.{file_version}/{block_id}.{block_version}.
func (s *Service) LocalBlockPath(local bool, path string, fileVersion int64, blockID uint64, blockVersion int64) string {
	return filepath.Join(s.LocalFileDir(local, path, fileVersion), blockurl.BlockName(blockID, blockVersion))
}

// LocalManifestPath is {root}{path}.{file_version}/manifest.{sec}.{nsec}.
func (s *Service) LocalManifestPath(local bool, path string, fileVersion int64, ts fs.Timestamp) string {
	return filepath.Join(s.LocalFileDir(local, path, fileVersion), blockurl.ManifestName(ts))
}

// ReplicaBlockPath is the root-less name a replica stores a block under.
func ReplicaBlockPath(path string, fileVersion int64, blockID uint64, blockVersion int64) string {
	return blockurl.VersionedPath(path, fileVersion) + "/" + blockurl.BlockName(blockID, blockVersion)
}

// ReplicaManifestPath is the root-less name a replica stores a manifest under.
func ReplicaManifestPath(path string, fileVersion int64, ts fs.Timestamp) string {
	return blockurl.VersionedPath(path, fileVersion) + "/" + blockurl.ManifestName(ts)
}

// PublicBlockURL returns the URL readers use to fetch a block.
func (s *Service) PublicBlockURL(scope blockurl.Scope, path string, fileVersion int64, blockID uint64, blockVersion int64) string {
	return s.public(blockurl.EncodeBlock(scope, blockurl.BlockAddress{
		FilePath:     path,
		FileVersion:  fileVersion,
		BlockID:      blockID,
		BlockVersion: blockVersion,
	}))
}

// PublicManifestURL returns the URL readers use to fetch a manifest.
func (s *Service) PublicManifestURL(scope blockurl.Scope, path string, fileVersion int64, ts fs.Timestamp) string {
	return s.public(blockurl.EncodeManifest(scope, blockurl.ManifestRequest{
		FilePath:    path,
		FileVersion: fileVersion,
		Timestamp:   ts,
	}))
}

// PublicFileURL returns the URL of a file version.
func (s *Service) PublicFileURL(scope blockurl.Scope, path string, fileVersion int64) string {
	return s.public(blockurl.EncodeFile(scope, path, fileVersion))
}

func (s *Service) public(urlPath string) string {
	base := s.contentURL
	if s.cdnPrefix != "" {
		base = s.cdnPrefix + pathOf(s.contentURL)
	}
	return base + (&url.URL{Path: urlPath}).EscapedPath()
}

// pathOf returns the path part of a URL with no trailing slash.
func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimRight(u.Path, "/")
}

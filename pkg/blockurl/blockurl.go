// Package blockurl encodes and decodes the URL paths that address files,
// blocks and manifests:
//
//	/{DATA|STAGING}/<path>[.<file_version>][/{<block_id>[.<block_version>] | manifest.<sec>.<nsec>}]
//
// A trailing slash addresses a directory.
package blockurl

import (
	"math"
	"strconv"
	"strings"

	"github.com/jacktea/blockgw/pkg/fs"
	"github.com/jacktea/blockgw/pkg/xerrors"
)

// InvalidBlockID marks a request that does not address a block.
const InvalidBlockID uint64 = math.MaxUint64

const (
	DataPrefix    = "/DATA/"
	StagingPrefix = "/STAGING/"

	manifestLeaf = "manifest."
)

// Scope selects the public namespace a URL is published under.
type Scope int

const (
	ScopeData Scope = iota
	ScopeStaging
)

// Prefix returns the URL prefix of the scope, without the trailing slash.
func (s Scope) Prefix() string {
	if s == ScopeStaging {
		return strings.TrimSuffix(StagingPrefix, "/")
	}
	return strings.TrimSuffix(DataPrefix, "/")
}

// OptionalVersion is a version number that may be absent.
type OptionalVersion struct {
	Value int64
	Valid bool
}

// Version returns a present OptionalVersion.
func Version(v int64) OptionalVersion { return OptionalVersion{Value: v, Valid: true} }

// Equal reports whether the optional version is present and equal to v.
func (o OptionalVersion) Equal(v int64) bool { return o.Valid && o.Value == v }

func (o OptionalVersion) String() string {
	if !o.Valid {
		return "none"
	}
	return strconv.FormatInt(o.Value, 10)
}

// BlockAddress names one version of one block of one version of a file.
type BlockAddress struct {
	FilePath     string
	FileVersion  int64
	BlockID      uint64
	BlockVersion int64
}

// ManifestRequest names the manifest of a file version taken at Timestamp.
type ManifestRequest struct {
	FilePath    string
	FileVersion int64
	Timestamp   fs.Timestamp
}

// Parsed is the result of Decode.
type Parsed struct {
	// Dir is set for directory paths; no other field is populated then.
	Dir          bool
	FilePath     string
	FileVersion  OptionalVersion
	BlockID      uint64
	BlockVersion OptionalVersion
	Manifest     *fs.Timestamp
	Staging      bool
}

// IsBlock reports whether the path addressed a block.
func (p Parsed) IsBlock() bool { return p.BlockID != InvalidBlockID }

// IsManifest reports whether the path addressed a manifest.
func (p Parsed) IsManifest() bool { return p.Manifest != nil }

// Scope returns the namespace the path was decoded from.
func (p Parsed) Scope() Scope {
	if p.Staging {
		return ScopeStaging
	}
	return ScopeData
}

// Decode parses a URL path. The leaf is examined first (manifest, then
// block), then the file version suffix, and the DATA/STAGING prefix is
// stripped last. Leaves that do not parse strictly stay part of the path.
func Decode(raw string) (Parsed, error) {
	const op = "blockurl.decode"
	if raw == "" {
		return Parsed{}, xerrors.E(xerrors.KindInvalid, op, raw)
	}
	if strings.HasSuffix(raw, "/") {
		return Parsed{Dir: true, BlockID: InvalidBlockID}, nil
	}

	out := Parsed{BlockID: InvalidBlockID}
	rest := raw

	head, leaf := splitLeaf(rest)
	if ts, ok := parseManifestLeaf(leaf); ok {
		out.Manifest = &ts
		rest = head
	} else if id, ver, ok := parseBlockLeaf(leaf); ok {
		out.BlockID = id
		out.BlockVersion = ver
		rest = head
	}

	head, leaf = splitLeaf(rest)
	if dot := strings.LastIndexByte(leaf, '.'); dot > 0 {
		if v, ok := parseDecimal(leaf[dot+1:]); ok && v <= math.MaxInt64 {
			out.FileVersion = Version(int64(v))
			rest = head + "/" + leaf[:dot]
		}
	}

	switch {
	case len(rest) > len(DataPrefix) && strings.HasPrefix(rest, DataPrefix):
		rest = rest[len(DataPrefix)-1:]
	case len(rest) > len(StagingPrefix) && strings.HasPrefix(rest, StagingPrefix):
		rest = rest[len(StagingPrefix)-1:]
		out.Staging = true
	default:
		return Parsed{}, xerrors.E(xerrors.KindInvalid, op, raw)
	}
	if rest == "" || rest == "/" {
		return Parsed{}, xerrors.E(xerrors.KindInvalid, op, raw)
	}
	out.FilePath = rest
	return out, nil
}

// EncodeBlock renders the URL path of a block.
func EncodeBlock(scope Scope, addr BlockAddress) string {
	var b strings.Builder
	writeFile(&b, scope, addr.FilePath, addr.FileVersion)
	b.WriteByte('/')
	b.WriteString(strconv.FormatUint(addr.BlockID, 10))
	b.WriteByte('.')
	b.WriteString(strconv.FormatInt(addr.BlockVersion, 10))
	return b.String()
}

// EncodeManifest renders the URL path of a manifest.
func EncodeManifest(scope Scope, req ManifestRequest) string {
	var b strings.Builder
	writeFile(&b, scope, req.FilePath, req.FileVersion)
	b.WriteByte('/')
	b.WriteString(ManifestName(req.Timestamp))
	return b.String()
}

// EncodeFile renders the URL path of a file version.
func EncodeFile(scope Scope, path string, version int64) string {
	var b strings.Builder
	writeFile(&b, scope, path, version)
	return b.String()
}

// ManifestName returns the leaf name of a manifest taken at ts.
func ManifestName(ts fs.Timestamp) string {
	return manifestLeaf + strconv.FormatInt(ts.Sec, 10) + "." + strconv.FormatInt(ts.Nsec, 10)
}

// VersionedPath returns "<path>.<version>".
func VersionedPath(path string, version int64) string {
	return Sanitize(path) + "." + strconv.FormatInt(version, 10)
}

// BlockName returns the leaf name "<id>.<version>" of a block.
func BlockName(blockID uint64, version int64) string {
	return strconv.FormatUint(blockID, 10) + "." + strconv.FormatInt(version, 10)
}

// Sanitize removes a trailing slash from anything but the root and ensures
// the path is absolute.
func Sanitize(path string) string {
	if path == "" {
		return "/"
	}
	if path[0] != '/' {
		path = "/" + path
	}
	for len(path) > 1 && strings.HasSuffix(path, "/") {
		path = path[:len(path)-1]
	}
	return path
}

// Join joins a root and a path with exactly one slash between them.
func Join(root, path string) string {
	root = strings.TrimRight(root, "/")
	path = strings.TrimLeft(path, "/")
	return root + "/" + path
}

func writeFile(b *strings.Builder, scope Scope, path string, version int64) {
	b.WriteString(scope.Prefix())
	b.WriteString(VersionedPath(path, version))
}

func splitLeaf(p string) (string, string) {
	i := strings.LastIndexByte(p, '/')
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}

func parseManifestLeaf(leaf string) (fs.Timestamp, bool) {
	if !strings.HasPrefix(leaf, manifestLeaf) {
		return fs.Timestamp{}, false
	}
	parts := strings.Split(leaf[len(manifestLeaf):], ".")
	if len(parts) != 2 {
		return fs.Timestamp{}, false
	}
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return fs.Timestamp{}, false
	}
	nsec, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fs.Timestamp{}, false
	}
	return fs.Timestamp{Sec: sec, Nsec: nsec}, true
}

func parseBlockLeaf(leaf string) (uint64, OptionalVersion, bool) {
	idPart, verPart, hasVer := strings.Cut(leaf, ".")
	id, ok := parseDecimal(idPart)
	if !ok || id == InvalidBlockID {
		return 0, OptionalVersion{}, false
	}
	if !hasVer {
		return id, OptionalVersion{}, true
	}
	v, ok := parseDecimal(verPart)
	if !ok || v > math.MaxInt64 {
		return 0, OptionalVersion{}, false
	}
	return id, Version(int64(v)), true
}

// parseDecimal accepts only non-empty runs of ASCII digits.
func parseDecimal(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

package blockurl

import (
	"testing"

	"github.com/jacktea/blockgw/pkg/fs"
	"github.com/jacktea/blockgw/pkg/xerrors"
)

func TestDecode(t *testing.T) {
	testcases := []struct {
		name string
		raw  string
		want Parsed
	}{
		{
			name: "block with versions",
			raw:  "/DATA/a/b.3/7.2",
			want: Parsed{FilePath: "/a/b", FileVersion: Version(3), BlockID: 7, BlockVersion: Version(2)},
		},
		{
			name: "block without block version",
			raw:  "/DATA/a/b.3/7",
			want: Parsed{FilePath: "/a/b", FileVersion: Version(3), BlockID: 7},
		},
		{
			name: "manifest",
			raw:  "/DATA/a/b.3/manifest.100.200",
			want: Parsed{FilePath: "/a/b", FileVersion: Version(3), BlockID: InvalidBlockID, Manifest: &fs.Timestamp{Sec: 100, Nsec: 200}},
		},
		{
			name: "non numeric leaf folds into path",
			raw:  "/DATA/a/b/45x",
			want: Parsed{FilePath: "/a/b/45x", BlockID: InvalidBlockID},
		},
		{
			name: "versioned file",
			raw:  "/DATA/a/b.12",
			want: Parsed{FilePath: "/a/b", FileVersion: Version(12), BlockID: InvalidBlockID},
		},
		{
			name: "staging block",
			raw:  "/STAGING/x.1/0.9",
			want: Parsed{FilePath: "/x", FileVersion: Version(1), BlockID: 0, BlockVersion: Version(9), Staging: true},
		},
		{
			name: "malformed block version stays in path",
			raw:  "/DATA/a.1/7.2.3",
			want: Parsed{FilePath: "/a.1/7.2", FileVersion: Version(3), BlockID: InvalidBlockID},
		},
		{
			name: "signed block id is not a block",
			raw:  "/DATA/a/+7",
			want: Parsed{FilePath: "/a/+7", BlockID: InvalidBlockID},
		},
		{
			name: "directory",
			raw:  "/DATA/a/b/",
			want: Parsed{Dir: true, BlockID: InvalidBlockID},
		},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(tc.raw)
			if err != nil {
				t.Fatalf("Decode(%q): %v", tc.raw, err)
			}
			assertParsed(t, got, tc.want)
		})
	}
}

func TestDecodeInvalid(t *testing.T) {
	for _, raw := range []string{"", "/OTHER/a/b", "/DATA", "/DATA/7", "/DATA/manifest.1.2", "a/b.3/7.2", "/STAGING"} {
		if _, err := Decode(raw); xerrors.KindOf(err) != xerrors.KindInvalid {
			t.Fatalf("Decode(%q) err = %v, want invalid", raw, err)
		}
	}
}

func TestBlockRoundTrip(t *testing.T) {
	addrs := []BlockAddress{
		{FilePath: "/a/b", FileVersion: 3, BlockID: 7, BlockVersion: 2},
		{FilePath: "/x", FileVersion: 0, BlockID: 0, BlockVersion: 0},
		{FilePath: "/dir/file.tar.5", FileVersion: 42, BlockID: 1 << 40, BlockVersion: 9001},
		{FilePath: "/a/7", FileVersion: 1, BlockID: 8, BlockVersion: 1},
	}
	for _, scope := range []Scope{ScopeData, ScopeStaging} {
		for _, addr := range addrs {
			raw := EncodeBlock(scope, addr)
			got, err := Decode(raw)
			if err != nil {
				t.Fatalf("Decode(%q): %v", raw, err)
			}
			if got.FilePath != addr.FilePath || !got.FileVersion.Equal(addr.FileVersion) ||
				got.BlockID != addr.BlockID || !got.BlockVersion.Equal(addr.BlockVersion) ||
				got.Staging != (scope == ScopeStaging) {
				t.Fatalf("round trip %q = %+v, want %+v", raw, got, addr)
			}
		}
	}
}

func TestManifestRoundTrip(t *testing.T) {
	req := ManifestRequest{FilePath: "/a/b", FileVersion: 3, Timestamp: fs.Timestamp{Sec: 1700000000, Nsec: 123}}
	raw := EncodeManifest(ScopeData, req)
	if raw != "/DATA/a/b.3/manifest.1700000000.123" {
		t.Fatalf("EncodeManifest = %q", raw)
	}
	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !got.IsManifest() || *got.Manifest != req.Timestamp || got.FilePath != req.FilePath || !got.FileVersion.Equal(3) {
		t.Fatalf("unexpected parse %+v", got)
	}
	if got.IsBlock() {
		t.Fatalf("manifest must not parse as block")
	}
}

func TestEncodeFile(t *testing.T) {
	if got := EncodeFile(ScopeStaging, "/a/b/", 5); got != "/STAGING/a/b.5" {
		t.Fatalf("EncodeFile = %q", got)
	}
}

func TestSanitizeAndJoin(t *testing.T) {
	if got := Sanitize("/a/b/"); got != "/a/b" {
		t.Fatalf("Sanitize = %q", got)
	}
	if got := Sanitize("/"); got != "/" {
		t.Fatalf("Sanitize root = %q", got)
	}
	if got := Sanitize("a"); got != "/a" {
		t.Fatalf("Sanitize relative = %q", got)
	}
	if got := Join("/srv/data/", "/a/b"); got != "/srv/data/a/b" {
		t.Fatalf("Join = %q", got)
	}
}

func assertParsed(t *testing.T, got, want Parsed) {
	t.Helper()
	if got.Dir != want.Dir || got.FilePath != want.FilePath || got.FileVersion != want.FileVersion ||
		got.BlockID != want.BlockID || got.BlockVersion != want.BlockVersion || got.Staging != want.Staging {
		t.Fatalf("parsed = %+v, want %+v", got, want)
	}
	switch {
	case got.Manifest == nil && want.Manifest == nil:
	case got.Manifest == nil || want.Manifest == nil || *got.Manifest != *want.Manifest:
		t.Fatalf("manifest = %v, want %v", got.Manifest, want.Manifest)
	}
}

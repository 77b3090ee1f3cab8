package location

import (
	"net/url"
	"path/filepath"
	"testing"

	"github.com/jacktea/blockgw/pkg/blockurl"
	"github.com/jacktea/blockgw/pkg/fs"
)

func newService(t *testing.T, cdn string) *Service {
	t.Helper()
	svc, err := New(Config{
		ContentURL:  "http://ug1.example.com:32780/",
		CDNPrefix:   cdn,
		DataRoot:    "/srv/data/",
		StagingRoot: "/srv/staging",
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestLocalPaths(t *testing.T) {
	svc := newService(t, "")
	if got, want := svc.LocalBlockPath(true, "/a/b", 3, 7, 2), filepath.FromSlash("/srv/data/a/b.3/7.2"); got != want {
		t.Fatalf("LocalBlockPath = %q, want %q", got, want)
	}
	if got, want := svc.LocalBlockPath(false, "/a/b/", 3, 7, 2), filepath.FromSlash("/srv/staging/a/b.3/7.2"); got != want {
		t.Fatalf("staging LocalBlockPath = %q, want %q", got, want)
	}
	ts := fs.Timestamp{Sec: 10, Nsec: 20}
	if got, want := svc.LocalManifestPath(true, "/a/b", 3, ts), filepath.FromSlash("/srv/data/a/b.3/manifest.10.20"); got != want {
		t.Fatalf("LocalManifestPath = %q, want %q", got, want)
	}
}

func TestReplicaPaths(t *testing.T) {
	if got := ReplicaBlockPath("/a/b", 3, 7, 2); got != "/a/b.3/7.2" {
		t.Fatalf("ReplicaBlockPath = %q", got)
	}
	if got := ReplicaManifestPath("/a/b", 3, fs.Timestamp{Sec: 1, Nsec: 2}); got != "/a/b.3/manifest.1.2" {
		t.Fatalf("ReplicaManifestPath = %q", got)
	}
}

func TestPublicURLs(t *testing.T) {
	svc := newService(t, "")
	if got, want := svc.PublicBlockURL(blockurl.ScopeData, "/a/b", 3, 7, 2), "http://ug1.example.com:32780/DATA/a/b.3/7.2"; got != want {
		t.Fatalf("PublicBlockURL = %q, want %q", got, want)
	}
	if got, want := svc.PublicFileURL(blockurl.ScopeStaging, "/a/b", 4), "http://ug1.example.com:32780/STAGING/a/b.4"; got != want {
		t.Fatalf("PublicFileURL = %q, want %q", got, want)
	}
	ts := fs.Timestamp{Sec: 100, Nsec: 200}
	if got, want := svc.PublicManifestURL(blockurl.ScopeData, "/a/b", 3, ts), "http://ug1.example.com:32780/DATA/a/b.3/manifest.100.200"; got != want {
		t.Fatalf("PublicManifestURL = %q, want %q", got, want)
	}
}

func TestPublicURLWithCDN(t *testing.T) {
	svc := newService(t, "https://cdn.example.net/")
	if got, want := svc.PublicBlockURL(blockurl.ScopeData, "/a/b", 3, 7, 2), "https://cdn.example.net/DATA/a/b.3/7.2"; got != want {
		t.Fatalf("PublicBlockURL = %q, want %q", got, want)
	}
}

func TestPublicURLDecodes(t *testing.T) {
	svc := newService(t, "")
	raw := svc.PublicBlockURL(blockurl.ScopeData, "/a/b", 3, 7, 2)
	parsed, err := blockurl.Decode(raw[len("http://ug1.example.com:32780"):])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if parsed.FilePath != "/a/b" || parsed.BlockID != 7 {
		t.Fatalf("unexpected parse %+v", parsed)
	}
}

func TestPublicURLEscapesPath(t *testing.T) {
	svc := newService(t, "")
	raw := svc.PublicFileURL(blockurl.ScopeData, "/dir/my file?#x", 2)
	if want := "http://ug1.example.com:32780/DATA/dir/my%20file%3F%23x.2"; raw != want {
		t.Fatalf("PublicFileURL = %q, want %q", raw, want)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		t.Fatalf("file name leaked into query %q or fragment %q", u.RawQuery, u.Fragment)
	}
	parsed, err := blockurl.Decode(u.Path)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if parsed.FilePath != "/dir/my file?#x" || parsed.FileVersion.Value != 2 {
		t.Fatalf("unexpected parse %+v", parsed)
	}
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{ContentURL: "not a url", DataRoot: "/d", StagingRoot: "/s"}); err == nil {
		t.Fatalf("expected error for invalid content url")
	}
	if _, err := New(Config{ContentURL: "http://h/"}); err == nil {
		t.Fatalf("expected error for missing roots")
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/jacktea/blockgw/pkg/location"
	"github.com/jacktea/blockgw/pkg/meta"
	"github.com/jacktea/blockgw/pkg/transport"
)

func resetConfig(t *testing.T, values map[string]any) {
	t.Helper()
	viper.Reset()
	for k, v := range values {
		viper.Set(k, v)
	}
	t.Cleanup(viper.Reset)
}

func TestBuildTransportHTTP(t *testing.T) {
	resetConfig(t, map[string]any{"replica_api_key": "k"})
	tr, err := buildTransport()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := tr.(*transport.HTTPTransport); !ok {
		t.Fatalf("expected http transport, got %T", tr)
	}
}

func TestBuildTransportS3Validation(t *testing.T) {
	resetConfig(t, map[string]any{"replica_transport": "s3"})
	if _, err := buildTransport(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestBuildTransportS3Success(t *testing.T) {
	resetConfig(t, map[string]any{
		"replica_transport": "s3",
		"s3_region":         "us-east-1",
		"s3_access_key":     "ak",
		"s3_secret_key":     "sk",
	})
	tr, err := buildTransport()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := tr.(*transport.S3Transport); !ok {
		t.Fatalf("expected s3 transport, got %T", tr)
	}
}

func TestBuildTransportUnknown(t *testing.T) {
	resetConfig(t, map[string]any{"replica_transport": "ftp"})
	if _, err := buildTransport(); err == nil {
		t.Fatalf("expected unknown transport error")
	}
}

func TestOpenMetaStore(t *testing.T) {
	store, err := openMetaStore("")
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	if _, ok := store.(*meta.MemoryStore); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}

	path := filepath.Join(t.TempDir(), "nested", "meta.db")
	store, err = openMetaStore(path)
	if err != nil {
		t.Fatalf("bolt store: %v", err)
	}
	defer store.(io.Closer).Close()
	if _, ok := store.(*meta.BoltStore); !ok {
		t.Fatalf("expected bolt store, got %T", store)
	}
}

func TestDecodeCommandOutput(t *testing.T) {
	var out bytes.Buffer
	if err := doDecode("/STAGING/a/b.3/7.2", &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var view map[string]any
	if err := json.Unmarshal(out.Bytes(), &view); err != nil {
		t.Fatalf("output is not json: %v\n%s", err, out.String())
	}
	if view["path"] != "/a/b" || view["staging"] != true || view["file_version"] != float64(3) ||
		view["block_id"] != float64(7) || view["block_version"] != float64(2) {
		t.Fatalf("unexpected decode %v", view)
	}
	if err := doDecode("/OTHER/x", &out); err == nil {
		t.Fatalf("expected error for unknown prefix")
	}
}

func newTestApp(t *testing.T) *app {
	t.Helper()
	root := t.TempDir()
	loc, err := location.New(location.Config{
		ContentURL:  "http://ug1:32780",
		DataRoot:    filepath.Join(root, "data"),
		StagingRoot: filepath.Join(root, "staging"),
	})
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	return &app{ctx: context.Background(), logger: zerolog.Nop(), store: meta.NewMemoryStore(), loc: loc}
}

func TestPutThenResolve(t *testing.T) {
	resetConfig(t, map[string]any{"blocking_factor": uint64(4), "flush_replicas": true})
	a := newTestApp(t)

	var out bytes.Buffer
	if err := doPut(a, "/f", strings.NewReader("aaaabbbb"), &out); err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.Contains(out.String(), "http://ug1:32780/DATA/f.1") {
		t.Fatalf("unexpected put output %q", out.String())
	}
	if err := doPut(a, "/f", strings.NewReader("aaaaXXXX"), io.Discard); err != nil {
		t.Fatalf("second put: %v", err)
	}

	facts := meta.NewFacts(a.store)
	out.Reset()
	if err := doResolve(a.ctx, facts, a.loc, "/DATA/f.1/1.1", &out); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "redirect\thttp://ug1:32780/DATA/f.1/1.2" {
		t.Fatalf("unexpected resolve output %q", got)
	}
	out.Reset()
	if err := doResolve(a.ctx, facts, a.loc, "/DATA/f.1/0.1", &out); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "serve" {
		t.Fatalf("unexpected resolve output %q", got)
	}
}

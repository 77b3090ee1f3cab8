package gateway

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jacktea/blockgw/pkg/blocks"
	"github.com/jacktea/blockgw/pkg/blockurl"
	"github.com/jacktea/blockgw/pkg/fs"
	"github.com/jacktea/blockgw/pkg/location"
	"github.com/jacktea/blockgw/pkg/manifest"
	"github.com/jacktea/blockgw/pkg/meta"
	"github.com/jacktea/blockgw/pkg/redirect"
	"github.com/jacktea/blockgw/pkg/xerrors"
)

func readAll(t *testing.T, c *Context) string {
	t.Helper()
	defer c.Close()
	data, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("read %s: %v", c.Kind, err)
	}
	return string(data)
}

func TestManifestContextReadsInChunks(t *testing.T) {
	c := NewManifestContext("/f", []byte("abcdef"))
	buf := make([]byte, 4)
	n, err := c.Read(buf)
	if n != 4 || err != nil || string(buf[:n]) != "abcd" {
		t.Fatalf("first read %d %v %q", n, err, buf[:n])
	}
	n, err = c.Read(buf)
	if n != 2 || err != nil || string(buf[:n]) != "ef" {
		t.Fatalf("second read %d %v %q", n, err, buf[:n])
	}
	if n, err = c.Read(buf); n != 0 || err != io.EOF {
		t.Fatalf("expected EOF, got %d %v", n, err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := c.Read(buf); err != ErrClosed {
		t.Fatalf("expected closed error, got %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestFileContextConcatenates(t *testing.T) {
	c := NewFileContext("/f", io.NopCloser(strings.NewReader("ab")), io.NopCloser(strings.NewReader("cd")))
	if c.Kind != KindLocalFile {
		t.Fatalf("unexpected kind %s", c.Kind)
	}
	if got := readAll(t, c); got != "abcd" {
		t.Fatalf("unexpected content %q", got)
	}
}

func newLocal(t *testing.T) (*LocalSource, *blocks.Writer, *meta.MemoryStore) {
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
	store := meta.NewMemoryStore()
	w := blocks.NewWriter(store, loc, blocks.Options{BlockingFactor: 4, Logger: zerolog.Nop()})
	return NewLocalSource(store, loc), w, store
}

func TestLocalSourceServesBlocksAndFiles(t *testing.T) {
	ctx := context.Background()
	src, w, _ := newLocal(t)
	if _, err := w.Write(ctx, "/f", strings.NewReader("aaaabbbbcc"), fs.Timestamp{Sec: 7, Nsec: 9}); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := src.Open(ctx, redirect.Request{FilePath: "/f", BlockID: 1})
	if err != nil {
		t.Fatalf("open block: %v", err)
	}
	if c.Kind != KindBlock || c.Size != 4 {
		t.Fatalf("unexpected block context %s size %d", c.Kind, c.Size)
	}
	if got := readAll(t, c); got != "bbbb" {
		t.Fatalf("unexpected block %q", got)
	}

	c, err = src.Open(ctx, redirect.Request{FilePath: "/f", BlockID: blockurl.InvalidBlockID})
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	if got := readAll(t, c); got != "aaaabbbbcc" || c.Size != 10 {
		t.Fatalf("unexpected file %q size %d", got, c.Size)
	}

	ts := fs.Timestamp{Sec: 7, Nsec: 9}
	c, err = src.Open(ctx, redirect.Request{FilePath: "/f", BlockID: blockurl.InvalidBlockID, Manifest: &ts})
	if err != nil {
		t.Fatalf("open manifest: %v", err)
	}
	m, err := manifest.Unmarshal([]byte(readAll(t, c)))
	if err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if m.Path != "/f" || len(m.Blocks) != 3 || m.MTime != ts {
		t.Fatalf("unexpected manifest %+v", m)
	}
}

func TestLocalSourceErrors(t *testing.T) {
	ctx := context.Background()
	src, w, store := newLocal(t)
	if _, err := w.Write(ctx, "/f", strings.NewReader("aaaa"), fs.Timestamp{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := meta.SetBlock(ctx, store, "/f", 1, meta.BlockRecord{Version: 3, Remote: true, URL: "http://ug2/DATA/f.1/1.3"}); err != nil {
		t.Fatalf("set block: %v", err)
	}
	cases := []struct {
		name string
		req  redirect.Request
		kind xerrors.Kind
	}{
		{"missing file", redirect.Request{FilePath: "/nope", BlockID: 0}, xerrors.KindNotFound},
		{"missing block", redirect.Request{FilePath: "/f", BlockID: 9}, xerrors.KindNotFound},
		{"remote block", redirect.Request{FilePath: "/f", BlockID: 1}, xerrors.KindRemoteIO},
		{"directory", redirect.Request{FilePath: "/", BlockID: blockurl.InvalidBlockID}, xerrors.KindInvalid},
		{"staging copy absent", redirect.Request{FilePath: "/f", BlockID: 0, Staging: true}, xerrors.KindNotFound},
	}
	for _, tc := range cases {
		if _, err := src.Open(ctx, tc.req); xerrors.KindOf(err) != tc.kind {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.kind, err)
		}
	}
}

func TestLocalSourceChecksBlocksBeforeStreaming(t *testing.T) {
	ctx := context.Background()
	src, w, _ := newLocal(t)
	res, err := w.Write(ctx, "/f", strings.NewReader("aaaabbbbcc"), fs.Timestamp{})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	whole := redirect.Request{FilePath: "/f", BlockID: blockurl.InvalidBlockID}
	last := src.loc.LocalBlockPath(true, "/f", res.Record.Version, 2, 1)

	if err := os.WriteFile(last, []byte("c"), 0o644); err != nil {
		t.Fatalf("truncate block: %v", err)
	}
	if _, err := src.Open(ctx, whole); xerrors.KindOf(err) != xerrors.KindInternal {
		t.Fatalf("expected size mismatch to fail, got %v", err)
	}
	if err := os.Remove(last); err != nil {
		t.Fatalf("remove block: %v", err)
	}
	if _, err := src.Open(ctx, whole); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("expected missing block to fail, got %v", err)
	}
}

func TestDiskDriverPublishesDataset(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "dir"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "dir", "data.csv"), []byte("0123456789"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	d, err := NewDiskDriver(root, 4, zerolog.Nop())
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	if _, err := d.LatestFileVersion(ctx, "/dir/data.csv"); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("expected empty dataset before publish, got %v", err)
	}
	n, err := d.Publish(ctx)
	if err != nil || n != 1 {
		t.Fatalf("publish: %d %v", n, err)
	}

	if dir, err := d.IsDir(ctx, "/dir"); err != nil || !dir {
		t.Fatalf("expected /dir to be a directory: %v %v", dir, err)
	}
	if v, err := d.LatestFileVersion(ctx, "/dir/data.csv"); err != nil || v != 1 {
		t.Fatalf("unexpected version %d %v", v, err)
	}
	if state, err := d.BlockState(ctx, "/dir/data.csv", 2); err != nil || state != fs.BlockLocal {
		t.Fatalf("unexpected state %s %v", state, err)
	}
	if state, _ := d.BlockState(ctx, "/dir/data.csv", 3); state != fs.BlockAbsent {
		t.Fatalf("expected block 3 absent, got %s", state)
	}

	c, err := d.Open(ctx, redirect.Request{FilePath: "/dir/data.csv", BlockID: 2})
	if err != nil {
		t.Fatalf("open block: %v", err)
	}
	if got := readAll(t, c); got != "89" || c.Size != 2 || c.BlockID != 2 || c.Kind != KindBlock {
		t.Fatalf("unexpected tail block %q size %d", got, c.Size)
	}
	c, err = d.Open(ctx, redirect.Request{FilePath: "/dir/data.csv", BlockID: blockurl.InvalidBlockID})
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	if got := readAll(t, c); got != "0123456789" {
		t.Fatalf("unexpected file %q", got)
	}
	if _, err := d.Open(ctx, redirect.Request{FilePath: "/dir/data.csv", BlockID: 5}); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("expected missing block, got %v", err)
	}
}

func TestDiskDriverResolves(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "f"), []byte("abcdefgh"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	d, err := NewDiskDriver(root, 4, zerolog.Nop())
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	if _, err := d.Publish(ctx); err != nil {
		t.Fatalf("publish: %v", err)
	}
	loc, err := location.New(location.Config{ContentURL: "http://ag1:8080", DataRoot: root, StagingRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	res := redirect.New(d, loc)
	dec, err := res.Resolve(ctx, redirect.Request{FilePath: "/f", FileVersion: blockurl.Version(1), BlockID: 1, BlockVersion: blockurl.Version(1)})
	if err != nil || dec.Outcome != redirect.NotHandled {
		t.Fatalf("expected current block served, got %+v %v", dec, err)
	}
	dec, err = res.Resolve(ctx, redirect.Request{FilePath: "/f", BlockID: 1})
	if err != nil || dec.URL != "http://ag1:8080/DATA/f.1/1.1" {
		t.Fatalf("expected redirect to canonical block, got %+v %v", dec, err)
	}
}

func TestNewDiskDriverValidates(t *testing.T) {
	if _, err := NewDiskDriver(filepath.Join(t.TempDir(), "missing"), 4, zerolog.Nop()); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("expected missing root, got %v", err)
	}
	if _, err := NewDiskDriver(t.TempDir(), 0, zerolog.Nop()); xerrors.KindOf(err) != xerrors.KindInvalid {
		t.Fatalf("expected invalid blocking factor, got %v", err)
	}
}

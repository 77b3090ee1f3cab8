package blocks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jacktea/blockgw/pkg/fs"
	"github.com/jacktea/blockgw/pkg/location"
	"github.com/jacktea/blockgw/pkg/meta"
	"github.com/jacktea/blockgw/pkg/xerrors"
)

func newWriter(t *testing.T, concurrency int) (*Writer, *meta.MemoryStore, *location.Service) {
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
	w := NewWriter(store, loc, Options{BlockingFactor: 4, Concurrency: concurrency, Logger: zerolog.Nop()})
	return w, store, loc
}

func readBlock(t *testing.T, loc *location.Service, path string, id uint64, version int64) string {
	t.Helper()
	data, err := os.ReadFile(loc.LocalBlockPath(true, path, 1, id, version))
	if err != nil {
		t.Fatalf("read block %d.%d: %v", id, version, err)
	}
	return string(data)
}

func TestWriteNewFile(t *testing.T) {
	ctx := context.Background()
	w, store, loc := newWriter(t, 2)
	res, err := w.Write(ctx, "/f", strings.NewReader("aaaabbbbcc"), fs.Timestamp{Sec: 10})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(res.Modified) != 3 || res.Modified[0] != 1 || res.Modified[2] != 1 {
		t.Fatalf("unexpected modified map %v", res.Modified)
	}
	if res.Record.Size != 10 || res.Record.Version != 1 || !res.Record.Local {
		t.Fatalf("unexpected record %+v", res.Record)
	}
	if got := readBlock(t, loc, "/f", 2, 1); got != "cc" {
		t.Fatalf("unexpected tail block %q", got)
	}
	stored, err := store.Get(ctx, "/f")
	if err != nil || stored.MTime.Sec != 10 || len(stored.Blocks) != 3 {
		t.Fatalf("unexpected stored record %+v %v", stored, err)
	}
}

func TestWriteOnlyChangedBlocks(t *testing.T) {
	ctx := context.Background()
	w, store, loc := newWriter(t, 1)
	if _, err := w.Write(ctx, "/f", strings.NewReader("aaaabbbbcccc"), fs.Timestamp{Sec: 1}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	res, err := w.Write(ctx, "/f", strings.NewReader("aaaaXXXX"), fs.Timestamp{Sec: 2})
	if err != nil {
		t.Fatalf("second write: %v", err)
	}
	if len(res.Modified) != 1 || res.Modified[1] != 2 {
		t.Fatalf("expected only block 1 rewritten at version 2, got %v", res.Modified)
	}
	if got := readBlock(t, loc, "/f", 1, 2); got != "XXXX" {
		t.Fatalf("unexpected rewritten block %q", got)
	}
	if res.Record.Blocks[0].Version != 1 || len(res.Record.Blocks) != 2 || res.Record.Size != 8 {
		t.Fatalf("unexpected record %+v", res.Record)
	}
	want := map[string]bool{
		loc.LocalBlockPath(true, "/f", 1, 1, 1): true,
		loc.LocalBlockPath(true, "/f", 1, 2, 1): true,
	}
	if len(res.Superseded) != 2 || !want[res.Superseded[0]] || !want[res.Superseded[1]] {
		t.Fatalf("unexpected superseded %v", res.Superseded)
	}
	garbage, _ := store.ListGarbage(ctx, 0)
	if len(garbage) != 2 {
		t.Fatalf("expected superseded blocks queued, got %v", garbage)
	}
}

func TestWriteRejectsDirectory(t *testing.T) {
	w, store, _ := newWriter(t, 1)
	if err := meta.Mkdir(context.Background(), store, "/d", fs.Timestamp{}); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	_, err := w.Write(context.Background(), "/d", strings.NewReader("x"), fs.Timestamp{})
	if xerrors.KindOf(err) != xerrors.KindInvalid {
		t.Fatalf("expected invalid, got %v", err)
	}
	if _, err := w.Write(context.Background(), "/missing/f", strings.NewReader("x"), fs.Timestamp{}); xerrors.KindOf(err) != xerrors.KindNotFound {
		t.Fatalf("expected missing parent, got %v", err)
	}
}

func TestWriteEmptyFile(t *testing.T) {
	w, _, _ := newWriter(t, 1)
	res, err := w.Write(context.Background(), "/empty", strings.NewReader(""), fs.Timestamp{Sec: 5})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if res.Record.Size != 0 || len(res.Record.Blocks) != 0 || len(res.Modified) != 0 {
		t.Fatalf("unexpected empty file result %+v", res)
	}
}

func TestRewriteAfterTruncateUsesFreshBlockPath(t *testing.T) {
	ctx := context.Background()
	w, store, loc := newWriter(t, 1)
	for _, content := range []string{"aaaa", ""} {
		if _, err := w.Write(ctx, "/p", strings.NewReader(content), fs.Timestamp{Sec: 1}); err != nil {
			t.Fatalf("write %q: %v", content, err)
		}
	}
	res, err := w.Write(ctx, "/p", strings.NewReader("bbbb"), fs.Timestamp{Sec: 2})
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if res.Modified[0] != 2 || len(res.Record.Retired) != 0 {
		t.Fatalf("expected block 0 at version 2, got %v retired %v", res.Modified, res.Record.Retired)
	}
	garbage, _ := store.ListGarbage(ctx, 0)
	if len(garbage) != 1 || garbage[0] != loc.LocalBlockPath(true, "/p", 1, 0, 1) {
		t.Fatalf("unexpected garbage %v", garbage)
	}
	for _, p := range garbage {
		os.Remove(p)
	}
	if got := readBlock(t, loc, "/p", 0, 2); got != "bbbb" {
		t.Fatalf("live block lost: %q", got)
	}
}

func TestRecreateAfterDeleteBumpsFileVersion(t *testing.T) {
	ctx := context.Background()
	w, store, loc := newWriter(t, 1)
	if _, err := w.Write(ctx, "/p", strings.NewReader("aaaa"), fs.Timestamp{Sec: 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := meta.Remove(ctx, store, "/p"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	old := loc.LocalBlockPath(true, "/p", 1, 0, 1)
	if err := store.EnqueueGarbage(ctx, old); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res, err := w.Write(ctx, "/p", strings.NewReader("bbbb"), fs.Timestamp{Sec: 2})
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if res.Record.Version != 2 {
		t.Fatalf("expected file version 2, got %d", res.Record.Version)
	}
	os.Remove(old)
	data, err := os.ReadFile(loc.LocalBlockPath(true, "/p", 2, 0, 1))
	if err != nil || string(data) != "bbbb" {
		t.Fatalf("live block lost: %q %v", data, err)
	}
}

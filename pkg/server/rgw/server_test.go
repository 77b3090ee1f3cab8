package rgw

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/rs/zerolog"

	"github.com/jacktea/blockgw/pkg/replica"
	"github.com/jacktea/blockgw/pkg/replication"
	"github.com/jacktea/blockgw/pkg/transport"
)

func newServer(t *testing.T, opt Options) (*Server, *replica.Store) {
	t.Helper()
	store, err := replica.Open(replica.Config{Root: t.TempDir(), NoSync: true, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	opt.Logger = zerolog.Nop()
	opt.MetricsHandler = http.NotFoundHandler()
	return &Server{Store: store, Opt: opt}, store
}

func newHTTPTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Skipf("httptest listener unavailable: %v", err)
	}
	srv := httptest.NewUnstartedServer(handler)
	srv.Listener = ln
	srv.Start()
	return srv
}

var blockInfo = replication.BlockInfo{
	FSPath: "/a/b", FileVersion: 3, BlockID: 0, BlockVersion: 1,
	BlockingFactor: 4, MTimeSec: 100, MTimeNsec: 200,
}

func TestReplicaReceivesMultipartUpload(t *testing.T) {
	srv, store := newServer(t, Options{APIKey: "secret"})
	ts := newHTTPTestServer(t, srv)
	defer ts.Close()

	sender, err := transport.NewHTTP(transport.HTTPConfig{
		Config: transport.Config{Client: ts.Client()},
		APIKey: "secret",
	}).NewSender(ts.URL + "/replica")
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	if err := sender.Send(context.Background(), replication.NewPayload("/a/b.3/0.1", blockInfo, []byte("abcd"))); err != nil {
		t.Fatalf("send: %v", err)
	}

	obj, err := store.Head(replica.DefaultBucket, "a/b.3/0.1")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	got, err := replication.ParseBlockInfo(func(name string) string { return obj.Meta[transport.MetaPrefix+name] })
	if err != nil || got != blockInfo {
		t.Fatalf("stored metadata %+v: %+v %v", obj.Meta, got, err)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/a/b.3/0.1", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "abcd" {
		t.Fatalf("unexpected get %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Amz-Meta-Fs-Path") != "/a/b" {
		t.Fatalf("expected metadata headers on get, got %v", resp.Header)
	}
}

func TestReplicaRequiresAPIKey(t *testing.T) {
	srv, _ := newServer(t, Options{APIKey: "secret"})
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/a/b.3/0.1", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected health check open, got %d", rr.Code)
	}
}

func multipartRequest(t *testing.T, meta, filename, data string, dataFirst bool) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	writeMeta := func() { form.WriteField(transport.FieldMetadata, meta) }
	writeData := func() {
		part, err := form.CreateFormFile(transport.FieldData, filename)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		part.Write([]byte(data))
	}
	if dataFirst {
		writeData()
		writeMeta()
	} else {
		writeMeta()
		writeData()
	}
	form.Close()
	req := httptest.NewRequest(http.MethodPost, "/replica", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	return req
}

func TestReplicaRejectsBadUploads(t *testing.T) {
	srv, store := newServer(t, Options{})
	meta := `{"fs_path":"/a/b","file_version":3,"block_id":0,"block_version":1}`
	cases := []struct {
		name string
		req  *http.Request
	}{
		{"escape", multipartRequest(t, meta, "/a/b.3/../../../etc/passwd", "x", false)},
		{"other file", multipartRequest(t, meta, "/c/d.3/0.1", "x", false)},
		{"other version", multipartRequest(t, meta, "/a/b.4/0.1", "x", false)},
		{"data first", multipartRequest(t, meta, "/a/b.3/0.1", "x", true)},
		{"bad metadata", multipartRequest(t, "{", "/a/b.3/0.1", "x", false)},
		{"no form", httptest.NewRequest(http.MethodPost, "/replica", bytes.NewBufferString("raw"))},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		srv.ServeHTTP(rr, tc.req)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d: %s", tc.name, rr.Code, rr.Body.String())
		}
	}
	if objs, _ := store.List(replica.DefaultBucket, "", "", 0); len(objs) != 0 {
		t.Fatalf("rejected uploads must not be stored: %+v", objs)
	}

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, multipartRequest(t, meta, "/a/b.3/0.1", "ok", false))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected valid upload stored, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestReplicaGetMissing(t *testing.T) {
	srv, _ := newServer(t, Options{})
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/a/b.3/9.9", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/a/b.3/9.9", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestReplicaS3Endpoint(t *testing.T) {
	srv, store := newServer(t, Options{APIKey: "secret"})
	ts := newHTTPTestServer(t, srv)
	defer ts.Close()

	tr, err := transport.NewS3(transport.S3Config{
		Config:    transport.Config{Client: ts.Client()},
		Region:    "us-east-1",
		AccessKey: "ak",
		SecretKey: "sk",
		APIKey:    "secret",
	})
	if err != nil {
		t.Fatalf("new s3: %v", err)
	}
	sender, err := tr.NewSender(ts.URL + S3Prefix + "/" + replica.DefaultBucket)
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	if err := sender.Send(context.Background(), replication.NewPayload("/a/b.3/1.2", blockInfo, []byte("s3-block"))); err != nil {
		t.Fatalf("send: %v", err)
	}
	f, obj, err := store.Open(context.Background(), replica.DefaultBucket, "a/b.3/1.2")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	data, _ := io.ReadAll(f)
	if string(data) != "s3-block" || obj.Size != 8 {
		t.Fatalf("unexpected stored object %q %+v", data, obj)
	}
}

func TestBackendListing(t *testing.T) {
	_, store := newServer(t, Options{})
	backend := NewBackend(store)
	for _, key := range []string{"a/b.3/0.1", "a/b.3/1.1", "c.1/0.1"} {
		if _, err := backend.PutObject(replica.DefaultBucket, key, nil, bytes.NewBufferString(key), int64(len(key)), nil); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	list, err := backend.ListBucket(replica.DefaultBucket, &gofakes3.Prefix{HasDelimiter: true, Delimiter: "/"}, gofakes3.ListBucketPage{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.CommonPrefixes) != 2 || len(list.Contents) != 0 {
		t.Fatalf("expected two common prefixes, got %+v", list)
	}
	list, err = backend.ListBucket(replica.DefaultBucket, &gofakes3.Prefix{HasPrefix: true, Prefix: "a/"}, gofakes3.ListBucketPage{MaxKeys: 1})
	if err != nil {
		t.Fatalf("list page: %v", err)
	}
	if !list.IsTruncated || len(list.Contents) != 1 || list.NextMarker != "a/b.3/0.1" {
		t.Fatalf("expected truncated first page, got %+v", list)
	}
	if _, err := backend.GetObject("missing", "k", nil); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	if _, err := backend.HeadObject(replica.DefaultBucket, "nope"); !gofakes3.HasErrorCode(err, gofakes3.ErrNoSuchKey) {
		t.Fatalf("expected NoSuchKey, got %v", err)
	}
}

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"

	"github.com/jacktea/blockgw/pkg/replication"
)

// Form field names of a replica upload.
const (
	FieldMetadata = "metadata"
	FieldData     = "data"
)

// APIKeyHeader carries the shared secret expected by replica servers.
const APIKeyHeader = "X-Api-Key"

// HTTPConfig configures the multipart transport.
type HTTPConfig struct {
	Config
	APIKey string
}

// HTTPTransport posts each payload to the replica server URL as a
// multipart form with a JSON metadata field and a data file field.
type HTTPTransport struct {
	cfg HTTPConfig
}

// NewHTTP returns a multipart transport.
func NewHTTP(cfg HTTPConfig) *HTTPTransport {
	return &HTTPTransport{cfg: cfg}
}

// NewSender implements replication.Transport.
func (t *HTTPTransport) NewSender(serverURL string) (replication.Sender, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}
	return &httpSender{url: u.String(), client: t.cfg.httpClient(), apiKey: t.cfg.APIKey}, nil
}

type httpSender struct {
	url    string
	client *http.Client
	apiKey string
}

func (s *httpSender) Send(ctx context.Context, p *replication.Payload) error {
	meta, err := json.Marshal(p.Info)
	if err != nil {
		return err
	}
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	written := make(chan struct{})
	go func() {
		defer close(written)
		pw.CloseWithError(writeForm(form, meta, p))
	}()
	// The payload must not be read after Send returns.
	defer func() {
		pr.CloseWithError(errSendDone)
		<-written
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	if s.apiKey != "" {
		req.Header.Set(APIKeyHeader, s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return responseError("replica post", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

var errSendDone = errors.New("transport: send finished")

func writeForm(form *multipart.Writer, meta []byte, p *replication.Payload) error {
	if err := form.WriteField(FieldMetadata, string(meta)); err != nil {
		return err
	}
	part, err := form.CreateFormFile(FieldData, p.Name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, p.Body()); err != nil {
		return err
	}
	return form.Close()
}

func (s *httpSender) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

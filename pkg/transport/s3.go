package transport

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/jacktea/blockgw/pkg/replication"
)

// MetaPrefix prefixes object metadata headers.
const MetaPrefix = "X-Amz-Meta-"

// S3Config describes the credentials of an S3-compatible replica store.
type S3Config struct {
	Config
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	// APIKey is sent to replica gateways that guard their S3 endpoint.
	APIKey string
}

// S3Transport stores payloads as objects in an S3-compatible bucket. Replica
// server URLs are path-style bucket URLs such as https://host/bucket, and
// each payload lands under its replica path as the object key.
type S3Transport struct {
	client *http.Client
	signer Signer
	apiKey string
}

// NewS3 builds an S3Transport with AWS SigV4 signing.
func NewS3(cfg S3Config) (*S3Transport, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Region == "" {
		return nil, fmt.Errorf("s3 transport requires access key, secret key, and region")
	}
	signer := &s3Signer{
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
		region:    cfg.Region,
		token:     cfg.SessionToken,
	}
	return &S3Transport{client: cfg.httpClient(), signer: signer, apiKey: cfg.APIKey}, nil
}

// NewSender implements replication.Transport.
func (t *S3Transport) NewSender(serverURL string) (replication.Sender, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	bucket := strings.Trim(u.Path, "/")
	if bucket == "" {
		return nil, fmt.Errorf("s3 replica url %q has no bucket", serverURL)
	}
	u.Path = "/" + bucket
	u.RawQuery = ""
	return &s3Sender{base: u.String(), client: t.client, signer: t.signer, apiKey: t.apiKey}, nil
}

type s3Sender struct {
	base   string
	client *http.Client
	signer Signer
	apiKey string
}

func (s *s3Sender) objectURL(name string) string {
	return s.base + "/" + strings.TrimPrefix(name, "/")
}

// Send buffers the payload once to compute the digests the signature and
// the store's integrity check need.
func (s *s3Sender) Send(ctx context.Context, p *replication.Payload) error {
	var buf bytes.Buffer
	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(&buf, hasher), p.Body()); err != nil {
		return err
	}
	payloadHash := hex.EncodeToString(hasher.Sum(nil))
	md5Sum := md5.Sum(buf.Bytes())

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(p.Name), bytes.NewReader(buf.Bytes()))
	if err != nil {
		return err
	}
	req.ContentLength = int64(buf.Len())
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Length", strconv.Itoa(buf.Len()))
	req.Header.Set("Content-MD5", base64.StdEncoding.EncodeToString(md5Sum[:]))
	req.Header.Set("x-amz-content-sha256", payloadHash)
	for k, v := range p.Info.Fields() {
		req.Header.Set(MetaPrefix+k, v)
	}
	if s.apiKey != "" {
		req.Header.Set(APIKeyHeader, s.apiKey)
	}
	if err := s.signer.Sign(req, payloadHash); err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return responseError("s3 put", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *s3Sender) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

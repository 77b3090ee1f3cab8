// Package transport implements replication senders that push replica
// objects to remote servers, either as multipart form posts or as signed
// S3 PUT requests.
package transport

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// Config holds the connection options shared by every sender.
type Config struct {
	ConnectTimeout  time.Duration
	TransferTimeout time.Duration
	// VerifyPeer enables TLS certificate verification.
	VerifyPeer bool
	// Client overrides the HTTP client built from the options above.
	Client *http.Client
}

func (c Config) httpClient() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	dialer := &net.Dialer{Timeout: c.ConnectTimeout}
	return &http.Client{
		Timeout: c.TransferTimeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: c.ConnectTimeout,
			TLSClientConfig:     &tls.Config{InsecureSkipVerify: !c.VerifyPeer},
			MaxIdleConnsPerHost: 2,
		},
	}
}

func responseError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s %s: %s", op, resp.Status, string(body))
}

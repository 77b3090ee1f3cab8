package transport

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"
)

// Signer signs HTTP requests for object stores.
type Signer interface {
	Sign(req *http.Request, payloadHash string) error
}

// s3Signer implements AWS Signature Version 4 for the s3 service.
type s3Signer struct {
	accessKey string
	secretKey string
	region    string
	token     string
	now       func() time.Time
}

func (s *s3Signer) Sign(req *http.Request, payloadHash string) error {
	if s.now == nil {
		s.now = time.Now
	}
	t := s.now().UTC()
	amzDate := t.Format("20060102T150405Z")
	dateStamp := t.Format("20060102")
	req.Header.Set("x-amz-date", amzDate)
	req.Header.Set("host", req.URL.Host)
	if s.token != "" {
		req.Header.Set("x-amz-security-token", s.token)
	}
	if payloadHash == "" {
		payloadHash = emptyPayloadHash()
	}
	canonicalHeaders, signedHeaders := canonicalHeaderStrings(req.Header)
	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI(req.URL),
		canonicalQueryString(req.URL),
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")
	hashedRequest := sha256.Sum256([]byte(canonicalRequest))
	credentialScope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, s.region)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		hex.EncodeToString(hashedRequest[:]),
	}, "\n")
	signature := hmacSHA256Hex(s.deriveKey(dateStamp), stringToSign)
	req.Header.Set("Authorization", fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		s.accessKey, credentialScope, signedHeaders, signature))
	return nil
}

func (s *s3Signer) deriveKey(date string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+s.secretKey), date)
	kRegion := hmacSHA256(kDate, s.region)
	kService := hmacSHA256(kRegion, "s3")
	return hmacSHA256(kService, "aws4_request")
}

func emptyPayloadHash() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}

func canonicalURI(u *url.URL) string {
	p := u.EscapedPath()
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func canonicalQueryString(u *url.URL) string {
	if u.RawQuery == "" {
		return ""
	}
	values, _ := url.ParseQuery(u.RawQuery)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var parts []string
	for _, k := range keys {
		vs := values[k]
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, fmt.Sprintf("%s=%s", url.QueryEscape(k), url.QueryEscape(v)))
		}
	}
	return strings.Join(parts, "&")
}

// canonicalHeaderStrings signs host, content headers and every x-amz-*
// header; proxies are free to touch the rest.
func canonicalHeaderStrings(h http.Header) (string, string) {
	keys := make([]string, 0, len(h))
	lower := make(map[string][]string)
	for k, v := range h {
		lk := strings.ToLower(k)
		if !signedHeader(lk) {
			continue
		}
		keys = append(keys, lk)
		lower[lk] = append(lower[lk], v...)
	}
	sort.Strings(keys)
	keys = unique(keys)
	canonical := make([]string, 0, len(keys))
	for _, k := range keys {
		values := make([]string, len(lower[k]))
		for i, v := range lower[k] {
			values[i] = strings.TrimSpace(v)
		}
		canonical = append(canonical, k+":"+strings.Join(values, ","))
	}
	return strings.Join(canonical, "\n") + "\n", strings.Join(keys, ";")
}

func signedHeader(name string) bool {
	switch name {
	case "host", "content-type", "content-md5":
		return true
	}
	return strings.HasPrefix(name, "x-amz-")
}

func unique(in []string) []string {
	if len(in) == 0 {
		return in
	}
	out := []string{in[0]}
	for i := 1; i < len(in); i++ {
		if in[i] != in[i-1] {
			out = append(out, in[i])
		}
	}
	return out
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func hmacSHA256Hex(key []byte, data string) string {
	return hex.EncodeToString(hmacSHA256(key, data))
}

// Package auth implements the Credential primitive (spec §4.A): an
// immutable access/secret key pair that signs canonical strings for the
// Service's V1 (QBox) and V2 (Qiniu) authorization schemes, and for upload
// tokens. Grounded on internal/kodo/auth/auth.go of the teacher repo,
// generalized to the names spec.md uses (Sign, SignWithPrefix,
// AuthorizationV1, AuthorizationV2) and wrapped in an errs.Class per §7.
package auth

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strings"

	"github.com/zeebo/errs"
)

// Class is the error class for malformed credential input (§7: CredentialError).
var Class = errs.Class("credential")

// Credential holds an access/secret key pair. Immutable once constructed.
type Credential struct {
	accessKey string
	secretKey []byte
}

// New builds a Credential. Both keys must be non-empty.
func New(accessKey, secretKey string) (*Credential, error) {
	if accessKey == "" || secretKey == "" {
		return nil, Class.New("access key and secret key must not be empty")
	}
	return &Credential{accessKey: accessKey, secretKey: []byte(secretKey)}, nil
}

// MustNew is New but panics on error; convenient for tests and literals.
func MustNew(accessKey, secretKey string) *Credential {
	c, err := New(accessKey, secretKey)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Credential) AccessKey() string { return c.accessKey }

// Sign returns "ak:base64url(hmac_sha1(sk, data))".
func (c *Credential) Sign(data []byte) string {
	h := hmac.New(sha1.New, c.secretKey)
	h.Write(data)
	return fmt.Sprintf("%s:%s", c.accessKey, base64.URLEncoding.EncodeToString(h.Sum(nil)))
}

// SignWithPrefix is an alias for Sign kept for readers of spec.md, which
// names this operation separately from plain Sign.
func (c *Credential) SignWithPrefix(data []byte) string {
	return c.Sign(data)
}

// SignWithData returns Sign(b64url(data)) + ":" + b64url(data), the shape
// used to build upload tokens.
func (c *Credential) SignWithData(data []byte) string {
	encoded := base64.URLEncoding.EncodeToString(data)
	return fmt.Sprintf("%s:%s", c.Sign([]byte(encoded)), encoded)
}

// AuthorizationV1 returns "QBox " + sign(canonical_v1) for a request whose
// method, URL, content type and body are already finalized.
func (c *Credential) AuthorizationV1(method, rawURL, contentType string, body []byte) (string, error) {
	data, err := canonicalV1(rawURL, contentType, body)
	if err != nil {
		return "", err
	}
	return "QBox " + c.Sign(data), nil
}

// AuthorizationV2 returns "Qiniu " + sign(canonical_v2).
func (c *Credential) AuthorizationV2(method, rawURL string, headers http.Header, contentType string, body []byte) (string, error) {
	data, err := canonicalV2(method, rawURL, headers, contentType, body)
	if err != nil {
		return "", err
	}
	return "Qiniu " + c.Sign(data), nil
}

func parseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, Class.Wrap(err)
	}
	return u, nil
}

func canonicalV1(rawURL, contentType string, body []byte) ([]byte, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}
	s := u.Path
	if u.RawQuery != "" {
		s += "?" + u.RawQuery
	}
	s += "\n"
	if contentType == "application/x-www-form-urlencoded" && len(body) > 0 {
		s += string(body)
	}
	return []byte(s), nil
}

func canonicalV2(method, rawURL string, headers http.Header, contentType string, body []byte) ([]byte, error) {
	u, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}

	s := fmt.Sprintf("%s %s", method, u.Path)
	if u.RawQuery != "" {
		s += "?" + u.RawQuery
	}
	s += "\nHost: " + u.Host + "\n"
	if contentType == "" {
		contentType = "application/x-www-form-urlencoded"
	}
	s += fmt.Sprintf("Content-Type: %s\n", contentType)

	type kv struct{ name, value string }
	var xQiniu []kv
	for name := range headers {
		if len(name) > len("X-Qiniu-") && strings.HasPrefix(name, "X-Qiniu-") {
			xQiniu = append(xQiniu, kv{textproto.CanonicalMIMEHeaderKey(name), headers.Get(name)})
		}
	}
	sort.Slice(xQiniu, func(i, j int) bool {
		if xQiniu[i].name != xQiniu[j].name {
			return xQiniu[i].name < xQiniu[j].name
		}
		return xQiniu[i].value < xQiniu[j].value
	})
	for _, h := range xQiniu {
		s += fmt.Sprintf("%s: %s\n", h.name, h.value)
	}
	s += "\n"

	data := []byte(s)
	if contentType == "application/x-www-form-urlencoded" || contentType == "application/json" {
		data = append(data, body...)
	}
	return data, nil
}

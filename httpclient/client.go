package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/qiniu/go-upload-sdk/auth"
	"github.com/qiniu/go-upload-sdk/internal/hostprovider"
)

// Class is the error class wrapping HTTPError (§7: HTTPError).
var Class = errs.Class("httpclient")

// HTTPCaller is the capability interface the Client is built on (§9 design
// notes: "dynamic-dispatch HTTP caller ... model as capability interfaces
// with a single call method"). The default implementation wraps
// *http.Client; tests inject a mock.
type HTTPCaller interface {
	Call(req *http.Request) (*http.Response, error)
}

// HTTPCallerFunc adapts a function to HTTPCaller.
type HTTPCallerFunc func(req *http.Request) (*http.Response, error)

func (f HTTPCallerFunc) Call(req *http.Request) (*http.Response, error) { return f(req) }

// StdCaller wraps a stdlib *http.Client.
func StdCaller(c *http.Client) HTTPCaller {
	if c == nil {
		c = http.DefaultClient
	}
	return HTTPCallerFunc(c.Do)
}

// TokenVersion selects which credential signing scheme authorizes a
// request (§4.C: "the per-request API chooses V1 or V2 based on a
// TokenVersion enum").
type TokenVersion int

const (
	// NoAuth sends no Authorization header (e.g. form uploads, which
	// authenticate via the upload token embedded in the body instead).
	NoAuth TokenVersion = iota
	TokenV1
	TokenV2
)

// HTTPError is the error kind surfaced once retries for a request are
// exhausted or a response is classified Unretryable/ZoneUnretryableError.
type HTTPError struct {
	Kind      RetryKind
	Cause     error
	RequestID string
	Host      string
	Method    string
	URL       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: %s (kind=%s, reqid=%s)", e.Method, e.URL, e.Cause, e.Kind, e.RequestID)
}

func (e *HTTPError) Unwrap() error { return e.Cause }

// Hooks are invoked synchronously around each physical attempt (§4.C).
type Hooks struct {
	OnUploadingProgress func(sent, total int64)
	// OnResponse may return an error to convert an otherwise-successful
	// attempt into a failure (e.g. a checksum mismatch detected from the
	// response body).
	OnResponse func(resp *http.Response, duration time.Duration) error
	OnError    func(host string, err error, duration time.Duration)
}

// Client retries and fails over an HTTPCaller across an ordered host
// list, classifying every attempt via RetryKind (§4.C).
type Client struct {
	caller     HTTPCaller
	retries    int
	retryDelay time.Duration
	hooks      Hooks
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

func WithRetries(n int) Option           { return func(c *Client) { c.retries = n } }
func WithRetryDelay(d time.Duration) Option { return func(c *Client) { c.retryDelay = d } }
func WithHooks(h Hooks) Option            { return func(c *Client) { c.hooks = h } }
func WithLogger(l *zap.Logger) Option     { return func(c *Client) { c.logger = l } }

// New builds a Client. Defaults: retries=3, retryDelay=500ms (§6 config defaults).
func New(caller HTTPCaller, opts ...Option) *Client {
	c := &Client{caller: caller, retries: 3, retryDelay: 500 * time.Millisecond, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request describes one logical call against an ordered list of hosts
// belonging to a single region. Body, if non-nil, is re-read from
// BodyFactory on every attempt (so retries resend the same bytes).
type Request struct {
	Hosts       []string
	Method      string
	PathQuery   string // path + "?" + query, no scheme/host
	Headers     http.Header
	BodyFactory func() (io.Reader, int64)
	ContentType string
	Idempotent  bool

	Auth TokenVersion
	Cred *auth.Credential
}

// Response is a fully buffered HTTP response: attempt bodies are read to
// completion so retries can inspect them for zone-incorrect classification.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	RequestID  string
}

// Do executes req, rotating across req.Hosts and retrying per host up to
// the configured budget, per spec.md §4.C / E2E scenarios 2-4:
//   - RetryableError: retry same host, up to retries+1 total attempts.
//   - HostUnretryableError: stop retrying this host, advance to next host.
//   - ZoneUnretryableError: abort the whole list immediately (caller,
//     typically the uploader, advances to the next region).
//   - Unretryable: escalate immediately.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if len(req.Hosts) == 0 {
		return nil, Class.New("request has no candidate hosts")
	}

	provider := hostprovider.NewWithHosts(req.Hosts)

	var lastErr error
hosts:
	for i := 0; i < len(req.Hosts); i++ {
		host, err := provider.Provider()
		if err != nil {
			break
		}

		attempts := c.retries + 1
		for attempt := 0; attempt < attempts; attempt++ {
			resp, kind, err := c.attempt(ctx, host, req)
			if err == nil {
				return resp, nil
			}
			lastErr = err

			switch kind {
			case ZoneUnretryableError:
				return nil, err
			case HostUnretryableError:
				provider.Freeze(host, err, c.retryDelay)
				continue hosts
			case RetryableError:
				if attempt < attempts-1 && c.retryDelay > 0 {
					select {
					case <-ctx.Done():
						return nil, ctx.Err()
					case <-time.After(c.retryDelay):
					}
				}
			default: // Unretryable
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, host string, spec *Request) (*Response, RetryKind, error) {
	start := time.Now()

	url := host + spec.PathQuery
	var body io.Reader
	var contentLength int64
	if spec.BodyFactory != nil {
		body, contentLength = spec.BodyFactory()
	}

	httpReq, err := http.NewRequestWithContext(ctx, spec.Method, url, body)
	if err != nil {
		return nil, Unretryable, Class.Wrap(err)
	}
	if spec.Headers != nil {
		httpReq.Header = spec.Headers.Clone()
	}
	if contentLength > 0 {
		httpReq.ContentLength = contentLength
	}
	if spec.ContentType != "" {
		httpReq.Header.Set("Content-Type", spec.ContentType)
	}

	if err := c.authorize(httpReq, spec, contentLength); err != nil {
		return nil, Unretryable, err
	}

	resp, err := c.caller.Call(httpReq)
	duration := time.Since(start)
	if err == nil && contentLength > 0 && c.hooks.OnUploadingProgress != nil {
		c.hooks.OnUploadingProgress(contentLength, contentLength)
	}
	if err != nil {
		kind := ClassifyTransportError(err, spec.Idempotent)
		if c.hooks.OnError != nil {
			c.hooks.OnError(host, err, duration)
		}
		httpErr := &HTTPError{Kind: kind, Cause: err, Host: host, Method: spec.Method, URL: url}
		return nil, kind, httpErr
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		kind := ClassifyTransportError(readErr, spec.Idempotent)
		return nil, kind, &HTTPError{Kind: kind, Cause: readErr, Host: host, Method: spec.Method, URL: url}
	}

	if c.hooks.OnResponse != nil {
		if err := c.hooks.OnResponse(resp, duration); err != nil {
			return nil, RetryableError, &HTTPError{Kind: RetryableError, Cause: err, Host: host, Method: spec.Method, URL: url, RequestID: resp.Header.Get("X-Reqid")}
		}
	}

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data, RequestID: resp.Header.Get("X-Reqid")}
	if resp.StatusCode/100 == 2 {
		return out, Unretryable, nil
	}

	kind, cause := ClassifyStatus(resp.StatusCode, data)
	httpErr := &HTTPError{Kind: kind, Cause: cause, Host: host, Method: spec.Method, URL: url, RequestID: out.RequestID}
	c.logger.Debug("http attempt failed",
		zap.String("host", host), zap.Int("status", resp.StatusCode), zap.String("kind", kind.String()))
	return nil, kind, httpErr
}

func (c *Client) authorize(req *http.Request, spec *Request, contentLength int64) error {
	if spec.Auth == NoAuth || spec.Cred == nil {
		return nil
	}

	var body []byte
	if spec.BodyFactory != nil && contentLength > 0 && contentLength < 1<<20 {
		r, _ := spec.BodyFactory()
		body, _ = io.ReadAll(r)
		req.Body = io.NopCloser(bytes.NewReader(body))
	}

	switch spec.Auth {
	case TokenV1:
		token, err := spec.Cred.AuthorizationV1(spec.Method, req.URL.String(), spec.ContentType, body)
		if err != nil {
			return Class.Wrap(err)
		}
		req.Header.Set("Authorization", token)
	case TokenV2:
		token, err := spec.Cred.AuthorizationV2(spec.Method, req.URL.String(), req.Header, spec.ContentType, body)
		if err != nil {
			return Class.Wrap(err)
		}
		req.Header.Set("Authorization", token)
	}
	return nil
}

// ParseJSON decodes resp.Body as JSON into v, failing with a JSONDecodeError-
// classed wrap on malformed input.
func ParseJSON(resp *Response, v interface{}) error {
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return Class.Wrap(err)
	}
	return nil
}

// TryParseJSON decodes resp.Body as JSON into v; on decode failure it
// leaves v untouched and returns the raw bytes instead, for callback-only
// responses that aren't guaranteed to carry a JSON body (§4.C).
func TryParseJSON(resp *Response, v interface{}) (raw []byte, ok bool) {
	if json.Unmarshal(resp.Body, v) == nil {
		return nil, true
	}
	return resp.Body, false
}

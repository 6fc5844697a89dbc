// Package httpclient wraps an injected HTTPCaller capability with host
// rotation, retry classification, auth-header injection, and upload
// hooks (spec §4.C). Grounded on internal/kodo/client/client.go's
// Client/CallRet/ErrorInfo/DecodeJsonFromReader, generalized from its
// single-host model to the ordered-host-list-with-failover model
// spec.md calls for, and layered with RetryKind classification that
// internal/kodo/form_upload.go's doUploadAction performs inline.
package httpclient

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/qiniu/go-upload-sdk/internal/qerr"
)

// RetryKind classifies the outcome of one physical HTTP attempt.
type RetryKind int

const (
	// Unretryable surfaces immediately to the caller.
	Unretryable RetryKind = iota
	// RetryableError is retried on the same host, up to the retry budget.
	RetryableError
	// HostUnretryableError stops retrying the current host and advances
	// to the next host in the current region's list.
	HostUnretryableError
	// ZoneUnretryableError aborts the whole host list and signals the
	// uploader to advance to the next region.
	ZoneUnretryableError
)

func (k RetryKind) String() string {
	switch k {
	case Unretryable:
		return "Unretryable"
	case RetryableError:
		return "RetryableError"
	case HostUnretryableError:
		return "HostUnretryableError"
	case ZoneUnretryableError:
		return "ZoneUnretryableError"
	default:
		return "Unknown"
	}
}

// incorrectZoneRe matches the Service's "incorrect region"/"incorrect zone"
// error bodies that signal the request hit the wrong region entirely.
var incorrectZoneRe = regexp.MustCompile(`(?i)incorrect (region|zone)`)

// ResponseStatusCodeError is the cause ClassifyStatus attaches to every
// non-2xx response, whatever RetryKind it assigns. It embeds the
// Service's own code+message error shape (internal/qerr.QError) rather
// than carrying the raw JSON body, so callers downstream (e.g. the
// resumable uploader's CRC-mismatch check) can compare against the
// extracted message instead of re-parsing JSON themselves.
type ResponseStatusCodeError struct {
	*qerr.QError
	Code int
}

func (e *ResponseStatusCodeError) Error() string {
	return fmt.Sprintf("response status %d: %s", e.Code, e.QError.Message)
}

func (e *ResponseStatusCodeError) Unwrap() error { return e.QError }

type errorBody struct {
	Error string `json:"error"`
}

// statusCodeError extracts the Service's {"error": "..."} body shape into
// a qerr.QError, falling back to the raw body when it isn't that shape.
func statusCodeError(statusCode int, body []byte) *ResponseStatusCodeError {
	var eb errorBody
	message := string(body)
	if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
		message = eb.Error
	}
	return &ResponseStatusCodeError{Code: statusCode, QError: qerr.New(strconv.Itoa(statusCode), message)}
}

// ClassifyStatus classifies a completed HTTP response by status code and
// body, per spec.md §4.C.
func ClassifyStatus(statusCode int, body []byte) (RetryKind, error) {
	if statusCode/100 == 2 {
		return Unretryable, nil // success: caller checks kind only on error path
	}
	if statusCode == 400 && incorrectZoneRe.Match(body) {
		return ZoneUnretryableError, statusCodeError(statusCode, body)
	}
	if statusCode/100 == 4 {
		return Unretryable, statusCodeError(statusCode, body)
	}
	if statusCode/100 == 5 {
		if statusCode >= 503 {
			return HostUnretryableError, statusCodeError(statusCode, body)
		}
		return RetryableError, statusCodeError(statusCode, body)
	}
	return Unretryable, statusCodeError(statusCode, body)
}

// ClassifyTransportError classifies a network/transport-level failure
// (the request never got a response). Idempotent requests are eligible
// for automatic retry; non-idempotent requests are surfaced as
// Unretryable unless the caller explicitly marked the request idempotent.
func ClassifyTransportError(err error, idempotent bool) RetryKind {
	if !idempotent {
		return Unretryable
	}
	return RetryableError
}
